package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Launch gate errors
	ErrLaunchGateTimeout = errors.New("timeout waiting for a browser launch slot")
	ErrLaunchGateClosed  = errors.New("launch gate is closed")

	// Scheduler errors
	ErrInstanceNotFound = errors.New("instance not found")
	ErrSchedulerStopped = errors.New("scheduler is stopped")
	ErrNoBrowserHeld    = errors.New("instance holds no open browser")

	// Session store errors
	ErrSessionCorrupt = errors.New("session record is corrupt")
	ErrStoreClosed    = errors.New("session store is closed")

	// Page and browser errors
	ErrPageClosed         = errors.New("page or browser transport closed")
	ErrNavigationTimeout  = errors.New("navigation timed out")
	ErrContentTimeout     = errors.New("page content read timed out")
	ErrCounterUnreadable  = errors.New("vote counter could not be read")
	ErrVoteButtonNotFound = errors.New("vote button not found")

	// Proxy allocator errors
	ErrProxyUnavailable = errors.New("proxy allocation failed")

	// Validation errors
	ErrInvalidTargetURL = errors.New("invalid target URL")
)

// StorageError provides detailed information about vote log and session
// store failures. It implements the error interface and supports unwrapping.
type StorageError struct {
	Op      string // The operation that failed: "append", "save", "load"
	Path    string // File the operation targeted
	Message string // Human-readable error message
	Err     error  // Underlying error (for unwrapping)
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a storage error for the given operation and path.
func NewStorageError(op, path, reason string, err error) *StorageError {
	msg := "storage " + op + " failed: " + reason
	if path != "" {
		msg += " (" + path + ")"
	}
	if err != nil {
		msg += ": " + err.Error()
	}
	return &StorageError{
		Op:      op,
		Path:    path,
		Message: msg,
		Err:     err,
	}
}

// ProxyError provides detailed information about proxy allocation failures.
type ProxyError struct {
	Op      string // The operation that failed: "acquire", "rotate", "ipcheck"
	Message string // Human-readable error message
	Err     error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// NewProxyError creates a proxy error for the given operation.
func NewProxyError(op, reason string, err error) *ProxyError {
	msg := "proxy " + op + " failed: " + reason
	return &ProxyError{
		Op:      op,
		Message: msg,
		Err:     errors.Join(ErrProxyUnavailable, err),
	}
}

// PageError provides detailed information about browser page failures.
// Transient errors map to the technical retry policy; the classifier treats
// transport-closed errors as a distinct diagnostic.
type PageError struct {
	Op        string // The operation that failed: "open", "navigate", "content", "click"
	Message   string // Human-readable error message
	Transient bool   // Whether a retry may succeed
	Err       error  // Underlying error (for unwrapping)
}

// Error implements the error interface.
func (e *PageError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *PageError) Unwrap() error {
	return e.Err
}

// NewPageError creates a page error for the given operation.
func NewPageError(op, reason string, err error) *PageError {
	msg := "page " + op + " failed: " + reason
	return &PageError{
		Op:        op,
		Message:   msg,
		Transient: true,
		Err:       err,
	}
}

// NewTransportClosedError creates a page error for a dead browser transport.
func NewTransportClosedError(op string, err error) *PageError {
	return &PageError{
		Op:        op,
		Message:   "page " + op + " failed: browser transport closed",
		Transient: true,
		Err:       errors.Join(ErrPageClosed, err),
	}
}

// IsTransportClosed reports whether err indicates the browser or page
// transport went away mid-operation.
func IsTransportClosed(err error) bool {
	return errors.Is(err, ErrPageClosed)
}
