package mcp

import (
	"context"
	"net/http"
	"time"

	"github.com/shaharia-lab/mcpstream/observability"
)

// TrafficRecord describes one HTTP exchange, or one event received on a stream.
type TrafficRecord struct {
	TransportID string
	SessionID   string
	Method      string
	RequestID   string
	StatusCode  int
	Header      http.Header
	Body        []byte
	Duration    time.Duration
	Timestamp   time.Time
}

// TrafficLogger observes outbound requests and inbound responses.
type TrafficLogger interface {
	LogRequest(ctx context.Context, rec TrafficRecord)
	LogResponse(ctx context.Context, rec TrafficRecord)
}

// LoggerTraffic writes traffic records through an observability.Logger at debug level.
type LoggerTraffic struct {
	logger observability.Logger
}

// NewLoggerTraffic creates a TrafficLogger backed by logger.
func NewLoggerTraffic(logger observability.Logger) *LoggerTraffic {
	return &LoggerTraffic{logger: logger}
}

func (l *LoggerTraffic) LogRequest(ctx context.Context, rec TrafficRecord) {
	l.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"transport_id": rec.TransportID,
		"session_id":   rec.SessionID,
		"method":       rec.Method,
		"request_id":   rec.RequestID,
	}).Debugf("MCP request: %s", rec.Body)
}

func (l *LoggerTraffic) LogResponse(ctx context.Context, rec TrafficRecord) {
	l.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"transport_id": rec.TransportID,
		"session_id":   rec.SessionID,
		"method":       rec.Method,
		"request_id":   rec.RequestID,
		"status":       rec.StatusCode,
		"duration_ms":  rec.Duration.Milliseconds(),
	}).Debugf("MCP response: %s", rec.Body)
}

// MultiTraffic fans records out to several loggers.
type MultiTraffic []TrafficLogger

func (m MultiTraffic) LogRequest(ctx context.Context, rec TrafficRecord) {
	for _, l := range m {
		l.LogRequest(ctx, rec)
	}
}

func (m MultiTraffic) LogResponse(ctx context.Context, rec TrafficRecord) {
	for _, l := range m {
		l.LogResponse(ctx, rec)
	}
}
