package tls

import (
	"errors"
	"fmt"
)

// Common sentinel errors for TLS operations.
var (
	// ErrCertificateNotFound indicates that a certificate file does not exist.
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrCertificateUnreadable indicates that a certificate file exists but cannot be read.
	ErrCertificateUnreadable = errors.New("certificate unreadable")

	// ErrCertificateExpired indicates that a certificate has expired.
	ErrCertificateExpired = errors.New("certificate expired")

	// ErrCertificateInvalid indicates that a certificate is invalid.
	ErrCertificateInvalid = errors.New("certificate invalid")

	// ErrPrivateKeyInvalid indicates that a private key is invalid.
	ErrPrivateKeyInvalid = errors.New("private key invalid")

	// ErrCertificateKeyMismatch indicates that the certificate and key do not match.
	ErrCertificateKeyMismatch = errors.New("certificate and key do not match")

	// ErrCAInvalid indicates that a CA certificate is invalid.
	ErrCAInvalid = errors.New("CA certificate invalid")

	// ErrCipherSuiteInvalid indicates that a cipher suite is invalid.
	ErrCipherSuiteInvalid = errors.New("invalid cipher suite")

	// ErrTLSVersionInvalid indicates that a TLS version is invalid.
	ErrTLSVersionInvalid = errors.New("invalid TLS version")

	// ErrClientCertRequired indicates that no client certificate was presented.
	ErrClientCertRequired = errors.New("client certificate required")

	// ErrClientCertUntrusted indicates that the client certificate does not chain to a trusted CA.
	ErrClientCertUntrusted = errors.New("client certificate not trusted")
)

// CertificateError is a fatal error loading certificate material.
type CertificateError struct {
	Path    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *CertificateError) Error() string {
	if e.Path != "" {
		if e.Cause != nil {
			return fmt.Sprintf("certificate error at %s: %s: %v", e.Path, e.Message, e.Cause)
		}
		return fmt.Sprintf("certificate error at %s: %s", e.Path, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("certificate error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("certificate error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *CertificateError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *CertificateError) Is(target error) bool {
	_, ok := target.(*CertificateError)
	return ok || errors.Is(e.Cause, target)
}

// NewCertificateError creates a new CertificateError.
func NewCertificateError(path, message string) *CertificateError {
	return &CertificateError{Path: path, Message: message}
}

// NewCertificateErrorWithCause creates a new CertificateError with a cause.
func NewCertificateErrorWithCause(path, message string, cause error) *CertificateError {
	return &CertificateError{Path: path, Message: message, Cause: cause}
}

// Client certificate validation failure reasons, used as metric labels.
const (
	ReasonNoCertificate = "no_certificate"
	ReasonUntrusted     = "untrusted"
	ReasonExpired       = "expired"
	ReasonNotYetValid   = "not_yet_valid"
	ReasonInvalidUsage  = "invalid_usage"
	ReasonNoCommonName  = "no_common_name"
	ReasonInvalid       = "invalid"
)

// ValidationError represents a client certificate validation error.
type ValidationError struct {
	Subject string
	Reason  string
	Cause   error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Subject != "" {
		if e.Cause != nil {
			return fmt.Sprintf("certificate validation failed for %s: %s: %v", e.Subject, e.Reason, e.Cause)
		}
		return fmt.Sprintf("certificate validation failed for %s: %s", e.Subject, e.Reason)
	}
	if e.Cause != nil {
		return fmt.Sprintf("certificate validation failed: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("certificate validation failed: %s", e.Reason)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok || errors.Is(e.Cause, target)
}

// NewValidationErrorWithCause creates a new ValidationError with a cause.
func NewValidationErrorWithCause(subject, reason string, cause error) *ValidationError {
	return &ValidationError{Subject: subject, Reason: reason, Cause: cause}
}
