package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/Sternrassler/marketplace-client/pkg/store"
	"github.com/google/uuid"
)

// ErrAlreadyStarted is returned by Start when monitoring is already running.
var ErrAlreadyStarted = errors.New("monitoring already started")

// ErrorType classifies captured errors.
type ErrorType string

const (
	// ErrorTypeRuntime is a recovered panic.
	ErrorTypeRuntime ErrorType = "runtime"

	// ErrorTypeHTTP is a failed or non-successful outbound request.
	ErrorTypeHTTP ErrorType = "http"

	// ErrorTypePerformance is a long task.
	ErrorTypePerformance ErrorType = "performance"

	// ErrorTypeApplication is an error reported by application code.
	ErrorTypeApplication ErrorType = "application"
)

// ErrorRecord is an immutable captured error.
type ErrorRecord struct {
	ID        string         `json:"id"`
	Type      ErrorType      `json:"type"`
	Message   string         `json:"message"`
	Stack     string         `json:"stack,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// persistTimeout bounds a single error list write.
const persistTimeout = 2 * time.Second

// CaptureError records err with optional context fields. A nil err is
// ignored and yields a zero record.
func (m *Manager) CaptureError(ctx context.Context, err error, errType ErrorType, fields map[string]any) ErrorRecord {
	if err == nil {
		return ErrorRecord{}
	}
	if errType == "" {
		errType = ErrorTypeApplication
	}
	return m.recordError(ctx, ErrorRecord{
		Type:    errType,
		Message: err.Error(),
		Context: fields,
	})
}

// Errors returns the in-memory error buffer, oldest first.
func (m *Manager) Errors() []ErrorRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors.all()
}

// Recover records a panic as a runtime error, raises an error alert and
// re-panics. Use it as `defer m.Recover()`.
func (m *Manager) Recover() {
	r := recover()
	if r == nil {
		return
	}

	m.recordPanic(r, debug.Stack())
	panic(r)
}

// Middleware records panics from next, raises an error alert and answers 500.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			m.recordPanic(rec, debug.Stack(), "method", r.Method, "path", r.URL.Path)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}()

		next.ServeHTTP(w, r)
	})
}

func (m *Manager) recordPanic(r any, stack []byte, kv ...string) {
	fields := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i]] = kv[i+1]
	}

	record := m.recordError(context.Background(), ErrorRecord{
		Type:    ErrorTypeRuntime,
		Message: fmt.Sprintf("panic: %v", r),
		Stack:   string(stack),
		Context: fields,
	})

	m.logger.Error().
		Str("error_id", record.ID).
		Str("message", record.Message).
		Msg("Recovered panic")
}

// recordError appends to the ring buffer, schedules persistence of the newest
// records and raises an error alert for runtime errors and 5xx responses.
func (m *Manager) recordError(ctx context.Context, record ErrorRecord) ErrorRecord {
	record.ID = uuid.NewString()
	if record.Timestamp.IsZero() {
		record.Timestamp = m.now()
	}

	m.mu.Lock()
	m.errors.push(record)
	if record.Type == ErrorTypeHTTP {
		m.httpErrorTimes = append(m.httpErrorTimes, record.Timestamp)
	}
	m.mu.Unlock()

	m.totalErrors.Inc()
	capturedErrorsTotal.WithLabelValues(string(record.Type)).Inc()

	m.schedulePersist(ctx)

	switch {
	case record.Type == ErrorTypeRuntime:
		m.raiseAlert(LevelError, "runtime_error", 1, 0, "Runtime error: %s", record.Message)
	case record.Type == ErrorTypeHTTP && statusOf(record) >= 500:
		m.raiseAlert(LevelError, "http_error", float64(statusOf(record)), 500, "Server error: %s", record.Message)
	}

	return record
}

// schedulePersist writes the newest records in the background. Captures that
// arrive while a write is pending are folded into it.
func (m *Manager) schedulePersist(ctx context.Context) {
	if m.store == nil || !m.persistPending.CompareAndSwap(false, true) {
		return
	}

	ctx = context.WithoutCancel(ctx)
	m.persistWG.Add(1)
	go func() {
		defer m.persistWG.Done()

		m.persistMu.Lock()
		defer m.persistMu.Unlock()

		// Cleared before the snapshot so later captures schedule a new write
		m.persistPending.Store(false)

		m.mu.Lock()
		records := m.errors.last(m.config.PersistedErrors)
		m.mu.Unlock()

		m.persistErrors(ctx, records)
	}()
}

// persistErrors writes records to the store. Failures are logged only.
func (m *Manager) persistErrors(ctx context.Context, records []ErrorRecord) {
	raw, err := json.Marshal(records)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to encode error records")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	if err := m.store.Set(ctx, store.ErrorsKey, raw, 0); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to persist error records")
	}
}

// PersistedErrors loads the persisted error list.
func (m *Manager) PersistedErrors(ctx context.Context) ([]ErrorRecord, error) {
	if m.store == nil {
		return nil, nil
	}

	raw, err := m.store.Get(ctx, store.ErrorsKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load error records: %w", err)
	}

	var records []ErrorRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode error records: %w", err)
	}
	return records, nil
}

func statusOf(record ErrorRecord) int {
	if status, ok := record.Context["status"].(int); ok {
		return status
	}
	return 0
}
