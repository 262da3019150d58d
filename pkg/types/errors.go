package types

import (
	"errors"
	"fmt"
)

// ErrorType represents different types of errors in the proxy
type ErrorType string

const (
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeCertificate ErrorType = "certificate"
	ErrorTypeTrust       ErrorType = "trust"
	ErrorTypeExtraction  ErrorType = "extraction"
	ErrorTypeEncoding    ErrorType = "encoding"
	ErrorTypeLifecycle   ErrorType = "lifecycle"
	ErrorTypeSysProxy    ErrorType = "sysproxy"
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeStorage     ErrorType = "storage"
)

// Sentinel conditions surfaced to callers of the proxy and the monitor.
var (
	ErrAlreadyRunning    = errors.New("proxy already running")
	ErrPortInUse         = errors.New("port already in use")
	ErrPrivilegeRequired = errors.New("elevated privileges required")
	ErrTimedOut          = errors.New("timed out waiting for matching traffic")
	ErrUnsupportedOS     = errors.New("unsupported operating system")
)

// ProxyError represents a structured error with type and context
type ProxyError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface
func (e *ProxyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to work
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// Is allows comparison with other errors
func (e *ProxyError) Is(target error) bool {
	if target == nil {
		return false
	}

	var targetErr *ProxyError
	if errors.As(target, &targetErr) {
		return e.Type == targetErr.Type
	}

	return errors.Is(e.Cause, target)
}

// NewProxyError creates a new ProxyError
func NewProxyError(errType ErrorType, message string, cause error) *ProxyError {
	return &ProxyError{
		Type:    errType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *ProxyError) WithContext(key string, value interface{}) *ProxyError {
	e.Context[key] = value
	return e
}

// Common error constructors
func NewNetworkError(message string, cause error) *ProxyError {
	return NewProxyError(ErrorTypeNetwork, message, cause)
}

func NewCertificateError(message string, cause error) *ProxyError {
	return NewProxyError(ErrorTypeCertificate, message, cause)
}

func NewTrustError(message string, cause error) *ProxyError {
	return NewProxyError(ErrorTypeTrust, message, cause)
}

func NewExtractionError(message string, cause error) *ProxyError {
	return NewProxyError(ErrorTypeExtraction, message, cause)
}

func NewEncodingError(message string, cause error) *ProxyError {
	return NewProxyError(ErrorTypeEncoding, message, cause)
}

func NewLifecycleError(message string, cause error) *ProxyError {
	return NewProxyError(ErrorTypeLifecycle, message, cause)
}

func NewSysProxyError(message string, cause error) *ProxyError {
	return NewProxyError(ErrorTypeSysProxy, message, cause)
}

func NewValidationError(message string, cause error) *ProxyError {
	return NewProxyError(ErrorTypeValidation, message, cause)
}

func NewStorageError(message string, cause error) *ProxyError {
	return NewProxyError(ErrorTypeStorage, message, cause)
}

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errType ErrorType) bool {
	var proxyErr *ProxyError
	if errors.As(err, &proxyErr) {
		return proxyErr.Type == errType
	}
	return false
}

// UserMessage turns an error from the monitoring layer into a message that
// can be shown to a user as is.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrPortInUse):
		return "The proxy port is busy or monitoring is already running. Stop the other session and try again."
	case errors.Is(err, ErrPrivilegeRequired):
		return "Installing the certificate requires elevated privileges. Run again as administrator (or with sudo)."
	case errors.Is(err, ErrTimedOut):
		return "Timed out waiting for matching traffic. Open the target page in the client application and retry."
	case IsErrorType(err, ErrorTypeTrust):
		return "The certificate could not be installed into the system trust store."
	case IsErrorType(err, ErrorTypeLifecycle):
		return "Monitoring failed to start or stop."
	default:
		return "Monitoring failed: " + err.Error()
	}
}
