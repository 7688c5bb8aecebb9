package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"
)

// AccessLog is one line of the access log.
type AccessLog struct {
	Time         time.Time `json:"time"`
	RequestID    string    `json:"request_id"`
	Protocol     string    `json:"protocol"`
	Method       string    `json:"method"`
	Host         string    `json:"host"`
	Path         string    `json:"path"`
	Status       int       `json:"status"`
	Duration     int64     `json:"duration_ms"`
	RemoteIP     string    `json:"remote_ip"`
	UserAgent    string    `json:"user_agent,omitempty"`
	Kind         string    `json:"kind"`
	Target       string    `json:"target,omitempty"`
	BytesWritten int64     `json:"bytes_written"`
	Error        string    `json:"error,omitempty"`
}

// AccessLogger writes sampled JSON access lines. Safe for concurrent use.
type AccessLogger struct {
	mu       sync.Mutex
	w        io.Writer
	enc      *json.Encoder
	sampling float64
	logger   *slog.Logger

	rand func() float64
}

// NewAccessLogger logs a fraction sampling in [0,1] of the requests to w.
func NewAccessLogger(w io.Writer, sampling float64, logger *slog.Logger) *AccessLogger {
	if w == nil {
		w = io.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessLogger{w: w, enc: json.NewEncoder(w), sampling: sampling, logger: logger, rand: rand.Float64}
}

func (a *AccessLogger) Log(entry AccessLog) {
	if a == nil {
		return
	}
	if a.sampling < 1.0 && a.rand() >= a.sampling {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enc.Encode(entry); err != nil {
		a.logger.Error("access log", "error", err)
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	if w.statusCode == 0 || w.statusCode < 200 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the connection deadlines.
func (w *loggingResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
