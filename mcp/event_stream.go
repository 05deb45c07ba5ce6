package mcp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"iter"

	"github.com/shaharia-lab/mcpstream/observability"
)

const (
	contentTypeEventStream = "text/event-stream"
	defaultMaxLineSize     = 10 * 1024 * 1024

	dataPrefix = "data:"
)

// scanEvents yields the payload of every "data:" line in r, in arrival order.
// Other lines are skipped. The sequence ends at EOF; a read error is yielded
// once and ends it. It cannot be restarted.
func scanEvents(r io.Reader, maxLineSize int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		scanner := bufio.NewScanner(r)
		// The scanner accepts tokens up to the larger of max and cap(buf).
		scanner.Buffer(make([]byte, 0, min(64*1024, maxLineSize)), maxLineSize)

		for scanner.Scan() {
			line := bytes.TrimRight(scanner.Bytes(), "\r")
			if !bytes.HasPrefix(line, []byte(dataPrefix)) {
				continue
			}
			payload := bytes.TrimSpace(line[len(dataPrefix):])
			if len(payload) == 0 {
				continue
			}
			if !yield(bytes.Clone(payload), nil) {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			yield(nil, fmt.Errorf("event stream read failed: %w", err))
		}
	}
}

// streamSubscription feeds the messages of one event-stream response to the
// operation handler. It lives until the stream ends, fails, or the handle of
// the request that opened it resolves.
type streamSubscription struct {
	body        io.ReadCloser
	handler     OperationHandler
	trigger     *Future[*Message]
	triggerID   *RequestID
	logger      observability.Logger
	maxLineSize int
	onEvent     func(payload []byte)
}

// run consumes the stream and returns the number of messages forwarded.
func (s *streamSubscription) run() (int, error) {
	defer s.body.Close()

	// A handle that was already resolved when the stream opened, as for
	// fire-and-forget sends, does not end the subscription.
	watchTrigger := s.trigger != nil && !s.trigger.IsDone()

	forwarded := 0
	for payload, err := range scanEvents(s.body, s.maxLineSize) {
		if err != nil {
			s.failTrigger(err)
			return forwarded, err
		}

		if s.onEvent != nil {
			s.onEvent(payload)
		}

		msgs, err := decodeMessages(payload)
		if err != nil {
			s.logger.WithErr(err).Warn("Skipping malformed event stream message")
			continue
		}
		for _, msg := range msgs {
			s.handler.Handle(msg)
			forwarded++
		}

		if watchTrigger && s.trigger.IsDone() {
			return forwarded, nil
		}
	}
	return forwarded, nil
}

func (s *streamSubscription) failTrigger(err error) {
	if s.triggerID != nil {
		s.handler.Fail(*s.triggerID, err)
		return
	}
	if s.trigger != nil {
		s.trigger.fail(err)
	}
}
