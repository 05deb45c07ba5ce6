package mcp

import (
	"sync"

	"github.com/shaharia-lab/mcpstream/observability"
)

// OperationHandler matches responses to pending requests.
type OperationHandler interface {
	// StartOperation registers f as the result handle for id. It reports
	// false, leaving the existing registration untouched, if id is already pending.
	StartOperation(id RequestID, f *Future[*Message]) bool
	// Handle resolves the operation matching msg, if any.
	Handle(msg *Message)
	// Fail abandons the operation for id with err. It reports whether an
	// operation was pending.
	Fail(id RequestID, err error) bool
}

// Correlator is the default OperationHandler. It is safe for concurrent use.
type Correlator struct {
	mu        sync.Mutex
	pending   map[string]*Future[*Message]
	logger    observability.Logger
	unmatched func(*Message)
}

// NewCorrelator creates a Correlator that reports protocol anomalies to logger.
func NewCorrelator(logger observability.Logger) *Correlator {
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	return &Correlator{
		pending: make(map[string]*Future[*Message]),
		logger:  logger,
	}
}

// OnUnmatched registers fn to receive messages that resolve no pending
// operation: server notifications, server requests and late responses.
func (c *Correlator) OnUnmatched(fn func(*Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unmatched = fn
}

func (c *Correlator) StartOperation(id RequestID, f *Future[*Message]) bool {
	key := id.String()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[key]; exists {
		c.logger.WithFields(map[string]interface{}{"request_id": key}).
			Warn("Operation with this id is already pending, ignoring registration")
		return false
	}
	c.pending[key] = f
	return true
}

func (c *Correlator) Handle(msg *Message) {
	if msg == nil {
		return
	}

	if msg.IsResponse() {
		key := msg.ID.String()

		c.mu.Lock()
		f, exists := c.pending[key]
		if exists {
			delete(c.pending, key)
		}
		c.mu.Unlock()

		if exists {
			f.complete(msg)
			return
		}
		c.logger.WithFields(map[string]interface{}{"request_id": key}).
			Warn("Received response with unexpected id")
	}

	c.mu.Lock()
	fn := c.unmatched
	c.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (c *Correlator) Fail(id RequestID, err error) bool {
	key := id.String()

	c.mu.Lock()
	f, exists := c.pending[key]
	if exists {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if exists {
		f.fail(err)
	}
	return exists
}

// Pending returns the number of operations awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
