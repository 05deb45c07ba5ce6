package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaharia-lab/mcpstream/observability"
)

const (
	SessionIDHeader = "Mcp-Session-Id"

	contentTypeJSON = "application/json"
	acceptHeader    = "application/json,text/event-stream"

	maxErrorBodySize = 4096
	closeTimeout     = 5 * time.Second
)

var errNoInitializeResponse = errors.New("initialize exchange finished without a response")

// StreamableHTTPTransport implements Transport over HTTP POST requests whose
// responses are either a single JSON body or an event stream.
type StreamableHTTPTransport struct {
	id         string
	cfg        *TransportConfig
	client     *http.Client
	ownsClient bool
	logger     observability.Logger
	traffic    TrafficLogger
	session    session

	mu         sync.RWMutex
	handler    OperationHandler
	failureFns []func(error)

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
}

// sendOptions carries per-attempt flags through the send path.
type sendOptions struct {
	expectResponse bool
	// replay marks the single resend after a reinitialization.
	replay bool
	// initSequence marks messages of an (re)initialize sequence, which must
	// not wait on the reinitialization they belong to.
	initSequence bool
}

// NewStreamableHTTPTransport creates a transport posting to url.
func NewStreamableHTTPTransport(url string, opts ...TransportOption) *StreamableHTTPTransport {
	cfg := defaultTransportConfig(url)
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNullLogger()
	}
	if cfg.Executor == nil {
		cfg.Executor = goroutineExecutor{}
	}
	if cfg.MaxLineSize <= 0 {
		cfg.MaxLineSize = defaultMaxLineSize
	}

	id := uuid.NewString()
	t := &StreamableHTTPTransport{
		id:         id,
		cfg:        cfg,
		client:     cfg.buildHTTPClient(),
		ownsClient: cfg.HTTPClient == nil,
		logger:     cfg.Logger.WithFields(map[string]interface{}{"transport_id": id}),
	}
	if cfg.LogRequests || cfg.LogResponses {
		t.traffic = cfg.Traffic
		if t.traffic == nil {
			t.traffic = NewLoggerTraffic(t.logger)
		}
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

// ID returns the unique id of this transport instance.
func (t *StreamableHTTPTransport) ID() string {
	return t.id
}

// SessionID returns the current server-issued session id, or "" if none.
func (t *StreamableHTTPTransport) SessionID() string {
	return t.session.sessionID()
}

// State returns the session lifecycle state.
func (t *StreamableHTTPTransport) State() SessionState {
	return t.session.currentState()
}

func (t *StreamableHTTPTransport) Start(handler OperationHandler) error {
	if handler == nil {
		return errors.New("operation handler cannot be nil")
	}
	if t.closed.Load() {
		return ErrTransportClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
	return nil
}

func (t *StreamableHTTPTransport) operationHandler() (OperationHandler, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.handler == nil {
		return nil, ErrNotStarted
	}
	return t.handler, nil
}

func (t *StreamableHTTPTransport) OnFailure(fn func(error)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failureFns = append(t.failureFns, fn)
}

func (t *StreamableHTTPTransport) notifyFailure(err error) {
	if t.closed.Load() {
		return
	}
	t.mu.RLock()
	fns := make([]func(error), len(t.failureFns))
	copy(fns, t.failureFns)
	t.mu.RUnlock()

	for _, fn := range fns {
		fn(err)
	}
}

func (t *StreamableHTTPTransport) CheckHealth(ctx context.Context) *Future[struct{}] {
	if t.closed.Load() {
		return failedFuture[struct{}](ErrTransportClosed)
	}
	return completedFuture(struct{}{})
}

func (t *StreamableHTTPTransport) Initialize(ctx context.Context, msg *Message) (*Future[*Message], error) {
	if msg == nil || !msg.IsInitialize() || msg.ID == nil {
		return nil, errors.New("initialize requires an initialize request with an id")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal initialize request: %w", err)
	}

	handler, err := t.operationHandler()
	if err != nil {
		return failedFuture[*Message](err), nil
	}

	t.session.beginInitialize(msg)
	f := NewFuture[*Message]()

	t.cfg.Executor.Go(func() {
		ctx, cancel := t.requestContext(ctx)
		defer cancel()

		resp, err := t.initializeSequence(ctx, msg, body, handler)
		if err != nil {
			t.session.setState(StateUninitialized)
			if t.closed.Load() && errors.Is(err, context.Canceled) {
				return
			}
			t.reportFailure(err)
			f.fail(err)
			return
		}
		t.session.setState(StateActive)
		f.complete(resp)
	})
	return f, nil
}

func (t *StreamableHTTPTransport) ExecuteWithResponse(ctx context.Context, msg *Message) (*Future[*Message], error) {
	return t.submit(ctx, msg, sendOptions{expectResponse: true})
}

func (t *StreamableHTTPTransport) ExecuteWithoutResponse(ctx context.Context, msg *Message) (*Future[*Message], error) {
	return t.submit(ctx, msg, sendOptions{})
}

func (t *StreamableHTTPTransport) submit(ctx context.Context, msg *Message, opts sendOptions) (*Future[*Message], error) {
	if msg == nil {
		return nil, errors.New("message cannot be nil")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	handler, err := t.operationHandler()
	if err != nil {
		return failedFuture[*Message](err), nil
	}

	f := NewFuture[*Message]()
	if opts.expectResponse && msg.ID != nil {
		if !handler.StartOperation(*msg.ID, f) {
			f.fail(fmt.Errorf("%w: %s", ErrDuplicateID, msg.ID))
			return f, nil
		}
	}

	t.cfg.Executor.Go(func() {
		ctx, cancel := t.requestContext(ctx)
		defer cancel()

		if err := t.exchange(ctx, msg, body, f, handler, opts); err != nil {
			t.failOperation(msg, f, handler, opts, err)
		}
	})
	return f, nil
}

// requestContext derives a context that is also cancelled by Close.
func (t *StreamableHTTPTransport) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(t.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// failOperation resolves f with err. Operations cut off by Close stay unresolved.
func (t *StreamableHTTPTransport) failOperation(msg *Message, f *Future[*Message], handler OperationHandler, opts sendOptions, err error) {
	if t.closed.Load() && errors.Is(err, context.Canceled) {
		t.logger.WithFields(map[string]interface{}{"method": msg.Method}).
			Debug("Transport closed, leaving operation unresolved")
		return
	}

	if opts.expectResponse && msg.ID != nil {
		handler.Fail(*msg.ID, err)
	}
	f.fail(err)
	t.reportFailure(err)
}

// reportFailure notifies failure callbacks about transport-level errors.
// Failed reinitializations are reported once, by the caller that ran them.
func (t *StreamableHTTPTransport) reportFailure(err error) {
	if errors.Is(err, ErrReinitializationFailed) || errors.Is(err, context.Canceled) {
		return
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		t.logger.WithErr(err).Error("MCP transport failure")
		t.notifyFailure(err)
	}
}

// exchange performs one send of msg and routes the response. A 404 for a
// non-initialize message triggers one reinitialization and one replay.
func (t *StreamableHTTPTransport) exchange(ctx context.Context, msg *Message, body []byte, f *Future[*Message], handler OperationHandler, opts sendOptions) error {
	var (
		sessionID  string
		generation uint64
	)
	if msg.IsInitialize() || opts.initSequence {
		sessionID, generation = t.session.snapshot()
	} else {
		var err error
		sessionID, generation, err = t.session.readySnapshot(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrReinitializationFailed, err)
		}
	}

	resp, started, err := t.dispatch(ctx, msg, body, sessionID, opts)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := readStatusError(resp)
		if resp.StatusCode == http.StatusNotFound && !msg.IsInitialize() && !opts.replay && !opts.initSequence {
			t.logger.WithFields(map[string]interface{}{
				"method":     msg.Method,
				"session_id": sessionID,
			}).Info("Session expired, reinitializing before replay")

			if err := t.reinitialize(ctx, generation); err != nil {
				return fmt.Errorf("%w: %w: %w", statusErr, ErrReinitializationFailed, err)
			}
			opts.replay = true
			return t.exchange(ctx, msg, body, f, handler, opts)
		}
		if id := resp.Header.Get(SessionIDHeader); id != "" && resp.StatusCode != http.StatusNotFound {
			t.updateSessionID(id, generation, opts.initSequence)
		}
		return statusErr
	}

	if id := resp.Header.Get(SessionIDHeader); id != "" {
		t.updateSessionID(id, generation, opts.initSequence)
	}

	if isEventStream(resp.Header.Get("Content-Type")) {
		return t.consumeStream(ctx, msg, resp, f, handler, opts, started)
	}
	return t.consumeBody(ctx, msg, resp, f, handler, opts, started)
}

func (t *StreamableHTTPTransport) dispatch(ctx context.Context, msg *Message, body []byte, sessionID string, opts sendOptions) (*http.Response, time.Time, error) {
	ctx, span := observability.StartSpan(ctx, "mcp.dispatch", trace.WithAttributes(
		attribute.String("mcp.method", msg.Method),
		attribute.String("mcp.request_id", requestIDString(msg)),
		attribute.Bool("mcp.replay", opts.replay),
	))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	if t.cfg.Limiter != nil {
		if err = t.cfg.Limiter.Wait(ctx); err != nil {
			err = &TransportError{Op: "rate limit wait", Err: err}
			return nil, time.Time{}, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if t.cfg.Headers != nil {
		for k, values := range t.cfg.Headers(ctx) {
			req.Header.Del(k)
			for _, v := range values {
				req.Header.Add(k, v)
			}
		}
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", acceptHeader)
	if sessionID != "" && !msg.IsInitialize() {
		req.Header.Set(SessionIDHeader, sessionID)
	}

	if t.traffic != nil && t.cfg.LogRequests {
		t.traffic.LogRequest(ctx, t.record(msg, sessionID, 0, req.Header, body, 0))
	}

	started := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		err = &TransportError{Op: "HTTP request failed", Err: err}
		return nil, started, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, started, nil
}

func (t *StreamableHTTPTransport) consumeBody(ctx context.Context, msg *Message, resp *http.Response, f *Future[*Message], handler OperationHandler, opts sendOptions, started time.Time) error {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: "failed to read response body", Err: err}
	}
	if t.traffic != nil && t.cfg.LogResponses {
		t.traffic.LogResponse(ctx, t.record(msg, t.session.sessionID(), resp.StatusCode, resp.Header, data, time.Since(started)))
	}

	msgs, err := decodeMessages(data)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		handler.Handle(m)
	}

	if !opts.expectResponse || msg.ID == nil {
		f.complete(nil)
	} else if !f.IsDone() {
		t.logger.WithFields(map[string]interface{}{
			"method":     msg.Method,
			"request_id": msg.ID.String(),
		}).Debug("Response body did not resolve the request")
	}
	return nil
}

func (t *StreamableHTTPTransport) consumeStream(ctx context.Context, msg *Message, resp *http.Response, f *Future[*Message], handler OperationHandler, opts sendOptions, started time.Time) error {
	var triggerID *RequestID
	if opts.expectResponse && msg.ID != nil {
		triggerID = msg.ID
	} else {
		f.complete(nil)
	}

	if t.traffic != nil && t.cfg.LogResponses {
		t.traffic.LogResponse(ctx, t.record(msg, t.session.sessionID(), resp.StatusCode, resp.Header, nil, time.Since(started)))
	}

	sub := &streamSubscription{
		body:        resp.Body,
		handler:     handler,
		trigger:     f,
		triggerID:   triggerID,
		logger:      t.logger.WithFields(map[string]interface{}{"method": msg.Method}),
		maxLineSize: t.cfg.MaxLineSize,
	}
	if t.traffic != nil && t.cfg.LogResponses {
		sub.onEvent = func(payload []byte) {
			t.traffic.LogResponse(ctx, t.record(msg, t.session.sessionID(), resp.StatusCode, nil, payload, time.Since(started)))
		}
	}

	forwarded, err := sub.run()
	if err != nil {
		return &TransportError{Op: "event stream failed", Err: err}
	}
	t.logger.WithFields(map[string]interface{}{
		"method":    msg.Method,
		"forwarded": forwarded,
	}).Debug("Event stream closed")
	return nil
}

// initializeSequence sends an initialize request, waits for its response and
// then sends the initialized notification, whose outcome is only logged.
func (t *StreamableHTTPTransport) initializeSequence(ctx context.Context, msg *Message, body []byte, handler OperationHandler) (*Message, error) {
	f := NewFuture[*Message]()
	if !handler.StartOperation(*msg.ID, f) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, msg.ID)
	}

	opts := sendOptions{expectResponse: true, initSequence: true}
	if err := t.exchange(ctx, msg, body, f, handler, opts); err != nil {
		handler.Fail(*msg.ID, err)
		return nil, err
	}
	if !f.IsDone() {
		handler.Fail(*msg.ID, errNoInitializeResponse)
		f.fail(errNoInitializeResponse)
	}

	resp, err := f.Result()
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, fmt.Errorf("initialize rejected: %w", resp.Err)
	}

	t.sendInitialized(ctx, handler)
	return resp, nil
}

func (t *StreamableHTTPTransport) sendInitialized(ctx context.Context, handler OperationHandler) {
	notification, err := NewNotification(MethodInitializedNotification, nil)
	if err != nil {
		t.logger.WithErr(err).Warn("Failed to build initialized notification")
		return
	}
	body, err := json.Marshal(notification)
	if err != nil {
		t.logger.WithErr(err).Warn("Failed to marshal initialized notification")
		return
	}

	f := NewFuture[*Message]()
	if err := t.exchange(ctx, notification, body, f, handler, sendOptions{initSequence: true}); err != nil {
		t.logger.WithErr(err).Warn("Initialized notification failed")
		return
	}
	t.logger.Debug("Initialized notification sent")
}

// reinitialize re-runs the cached initialize sequence. Concurrent callers
// share one reinitialization. It runs detached from the caller that started
// it, bounded by the transport lifetime and reinitTimeout, and every caller
// waits on it under its own ctx.
func (t *StreamableHTTPTransport) reinitialize(ctx context.Context, sentGeneration uint64) error {
	f, owner := t.session.beginReinitialization(sentGeneration)
	if f == nil {
		return nil
	}
	if owner {
		// Not on the executor: a bounded executor may be full of tasks
		// waiting for this reinitialization.
		go t.runReinitialization(context.WithoutCancel(ctx))
	}
	_, err := f.Await(ctx)
	return err
}

func (t *StreamableHTTPTransport) runReinitialization(parent context.Context) {
	ctx, cancel := t.requestContext(parent)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, t.reinitTimeout())
	defer cancelTimeout()

	err := t.reinitializeSession(ctx)
	t.session.finishReinitialization(err)
	if err != nil {
		t.logger.WithErr(err).Error("Session reinitialization failed")
		t.notifyFailure(err)
		return
	}
	t.logger.WithFields(map[string]interface{}{"session_id": t.session.sessionID()}).
		Info("Session reinitialized")
}

func (t *StreamableHTTPTransport) reinitTimeout() time.Duration {
	if t.cfg.ReadTimeout > 0 {
		return t.cfg.ReadTimeout
	}
	return defaultReadTimeout
}

func (t *StreamableHTTPTransport) reinitializeSession(ctx context.Context) error {
	initMsg := t.session.cachedInitialize()
	if initMsg == nil {
		return ErrNoInitializeMessage
	}
	handler, err := t.operationHandler()
	if err != nil {
		return err
	}
	body, err := json.Marshal(initMsg)
	if err != nil {
		return fmt.Errorf("failed to marshal initialize request: %w", err)
	}
	_, err = t.initializeSequence(ctx, initMsg, body, handler)
	return err
}

func (t *StreamableHTTPTransport) updateSessionID(id string, generation uint64, fromInit bool) {
	previous, changed, ok := t.session.setSessionIDAt(id, generation, fromInit)
	if !ok || !changed {
		return
	}
	if previous != "" {
		t.logger.WithFields(map[string]interface{}{
			"previous_session_id": previous,
			"session_id":          id,
		}).Info("Server rotated session id")
	}
}

// Close ends the server session on a best-effort basis, cancels in-flight
// requests and releases the HTTP client. It is safe to call more than once.
func (t *StreamableHTTPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.terminateSession()
		t.cancel()
		if t.ownsClient {
			t.client.CloseIdleConnections()
		}
	})
	return nil
}

func (t *StreamableHTTPTransport) terminateSession() {
	sessionID := t.session.sessionID()
	if sessionID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.cfg.URL, nil)
	if err != nil {
		t.logger.WithErr(err).Warn("Failed to build session termination request")
		return
	}
	req.Header.Set(SessionIDHeader, sessionID)

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.WithErr(err).Warn("Failed to terminate session")
		return
	}
	resp.Body.Close()
}

func (t *StreamableHTTPTransport) record(msg *Message, sessionID string, status int, header http.Header, body []byte, d time.Duration) TrafficRecord {
	return TrafficRecord{
		TransportID: t.id,
		SessionID:   sessionID,
		Method:      msg.Method,
		RequestID:   requestIDString(msg),
		StatusCode:  status,
		Header:      header.Clone(),
		Body:        body,
		Duration:    d,
		Timestamp:   time.Now(),
	}
}

func readStatusError(resp *http.Response) *StatusError {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	return &StatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(data)),
	}
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), contentTypeEventStream)
	}
	return mediaType == contentTypeEventStream
}

func requestIDString(msg *Message) string {
	if msg.ID == nil {
		return ""
	}
	return msg.ID.String()
}
