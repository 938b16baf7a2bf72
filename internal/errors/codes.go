package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents internal error codes for node operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeKeyTooLarge     ErrorCode = 1002
	ErrCodeValueTooLarge   ErrorCode = 1003
	ErrCodeInvalidKey      ErrorCode = 1005
	ErrCodeChecksumFailed  ErrorCode = 1006

	// Server errors
	ErrCodeInternal         ErrorCode = 2000
	ErrCodeUnavailable      ErrorCode = 2001
	ErrCodeDiskFull         ErrorCode = 2002
	ErrCodeCommitLogFailed  ErrorCode = 2004
	ErrCodeStoreFileFailed  ErrorCode = 2006
	ErrCodeCorruptedData    ErrorCode = 2007
	ErrCodeTransferRejected ErrorCode = 2009
	ErrCodeRebalanceFailed  ErrorCode = 2010
	ErrCodeWriteLocked      ErrorCode = 2011
)

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// IsClientError reports whether the error was caused by a bad request
func (e *StorageError) IsClientError() bool {
	return e.Code >= 1000 && e.Code < 2000
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func KeyTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeKeyTooLarge, fmt.Sprintf("key size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func ValueTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeValueTooLarge, fmt.Sprintf("value size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func InvalidKey(key, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidKey, fmt.Sprintf("invalid key '%s': %s", key, reason), nil).
		WithDetail("key", key).
		WithDetail("reason", reason)
}

func ChecksumFailed(expected, actual uint64) *StorageError {
	return NewStorageError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %x, got %x", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeUnavailable, message, cause)
}

func DiskFull(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeDiskFull, message, cause)
}

func CommitLogFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCommitLogFailed, message, cause)
}

func StoreFileFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeStoreFileFailed, message, cause)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

func TransferRejected(reason string) *StorageError {
	return NewStorageError(ErrCodeTransferRejected, fmt.Sprintf("transfer rejected: %s", reason), nil).
		WithDetail("reason", reason)
}

func RebalanceFailed(phase string, cause error) *StorageError {
	return NewStorageError(ErrCodeRebalanceFailed, fmt.Sprintf("rebalance failed during %s", phase), cause).
		WithDetail("phase", phase)
}

// WriteLocked refuses a write while the primary set is being handed off
func WriteLocked(key string) *StorageError {
	return NewStorageError(ErrCodeWriteLocked, "writes locked during rebalance", nil).
		WithDetail("key", key)
}

// IsStorageError checks if an error is or wraps a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsClientError reports whether err is a StorageError caused by a bad request
func IsClientError(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.IsClientError()
}
