package netcore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies a failure for propagation and retry decisions.
type ErrorKind string

const (
	KindConnectivity   ErrorKind = "Connectivity"
	KindServer         ErrorKind = "Server"
	KindClient         ErrorKind = "Client"
	KindAuth           ErrorKind = "Auth"
	KindRefresh        ErrorKind = "Refresh"
	KindQueueExhausted ErrorKind = "QueueExhausted"
	KindDegraded       ErrorKind = "Degraded"
	KindCircuitOpen    ErrorKind = "CircuitOpen"
	KindValidation     ErrorKind = "Validation"
)

// Sentinel errors, one per ErrorKind. A *RequestError matches the sentinel of
// its Kind under errors.Is.
var (
	// ErrConnectivity covers timeouts, refused connections and DNS failures.
	ErrConnectivity = errors.New("netcore: connectivity failure")

	// ErrServer is a 5xx response.
	ErrServer = errors.New("netcore: server failure")

	// ErrClient is a 4xx response that will not be retried.
	ErrClient = errors.New("netcore: client failure")

	// ErrAuth is a 401 that was not converted by credential refresh.
	ErrAuth = errors.New("netcore: authorization failure")

	// ErrRefreshFailed is returned when renewing credentials failed and the session ended.
	ErrRefreshFailed = errors.New("netcore: credential refresh failed")

	// ErrQueueExhausted marks an offline item dropped after MaxRetries replays.
	ErrQueueExhausted = errors.New("netcore: offline item exhausted retries")

	// ErrDegraded signals that only transient failures were observed and the
	// attempt budget ran out. Callers fall back to cached data or queued writes.
	ErrDegraded = errors.New("netcore: degraded, remote unreachable")

	// ErrCircuitOpen is returned while the circuit breaker rejects calls.
	ErrCircuitOpen = errors.New("netcore: circuit open")

	// ErrInvalidConfig is returned by ValidateConfiguration.
	ErrInvalidConfig = errors.New("netcore: invalid configuration")
)

var kindSentinels = map[ErrorKind]error{
	KindConnectivity:   ErrConnectivity,
	KindServer:         ErrServer,
	KindClient:         ErrClient,
	KindAuth:           ErrAuth,
	KindRefresh:        ErrRefreshFailed,
	KindQueueExhausted: ErrQueueExhausted,
	KindDegraded:       ErrDegraded,
	KindCircuitOpen:    ErrCircuitOpen,
	KindValidation:     ErrInvalidConfig,
}

// RequestError carries the classification and request context of a failure.
type RequestError struct {
	Kind        ErrorKind
	Message     string
	Cause       error
	Method      string
	URL         string
	StatusCode  int
	Attempt     int
	MaxAttempts int
	Timestamp   time.Time
	Duration    time.Duration

	// Response is the last response seen, if any. Its body is already buffered.
	Response *Response
}

// Error implements error interface.
func (e *RequestError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [status %d]", msg, e.StatusCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxAttempts)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *RequestError of the same Kind or the Kind's sentinel.
func (e *RequestError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*RequestError); ok {
		return e.Kind == targetErr.Kind
	}
	return kindSentinels[e.Kind] == target
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *RequestError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Kind: %s\n", e.Kind)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxAttempts)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// Classify reports the ErrorKind of err. Deadline and net.Error failures are
// connectivity failures; caller cancellation and unknown errors report "".
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	if errors.Is(err, context.Canceled) {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindConnectivity
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnectivity
	}
	return ""
}

// IsRetryable reports whether err is a connectivity/timeout or 5xx failure.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindConnectivity, KindServer:
		return true
	default:
		return false
	}
}

// IsDegraded reports whether err is the degraded/offline signal.
func IsDegraded(err error) bool {
	return errors.Is(err, ErrDegraded)
}

// classifyStatus maps a status code to an ErrorKind; "" means success.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == 401:
		return KindAuth
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindClient
	default:
		return ""
	}
}

func newRequestError(kind ErrorKind, message string, cause error, req *Request) *RequestError {
	e := &RequestError{
		Kind:      kind,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
	if req != nil {
		e.Method = req.Method
		e.URL = req.URL
	}
	return e
}

// statusError builds the error for a non-2xx response.
func statusError(req *Request, resp *Response) *RequestError {
	kind := classifyStatus(resp.StatusCode)
	e := newRequestError(kind, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil, req)
	e.StatusCode = resp.StatusCode
	e.Response = resp
	return e
}
