package validation

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode"

	"github.com/devrev/pairkv/internal/errors"
	"github.com/devrev/pairkv/internal/model"
)

const (
	// Size limits
	MaxKeySize   = 20         // 20 bytes
	MaxValueSize = 120 * 1024 // 120 KiB
)

// Validator validates client requests before they reach the storage engine
type Validator struct {
	maxKeySize   int
	maxValueSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:   MaxKeySize,
		maxValueSize: MaxValueSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxKeySize, maxValueSize int) *Validator {
	return &Validator{
		maxKeySize:   maxKeySize,
		maxValueSize: maxValueSize,
	}
}

// ValidateWrite validates a write operation
func (v *Validator) ValidateWrite(key, value string) error {
	if err := v.ValidateKey(key); err != nil {
		return err
	}
	return v.ValidateValue(value)
}

// ValidateKey validates a key
func (v *Validator) ValidateKey(key string) error {
	if key == "" {
		return errors.InvalidKey(key, "key cannot be empty")
	}

	if len(key) > v.maxKeySize {
		return errors.KeyTooLarge(len(key), v.maxKeySize)
	}

	// Keys are space separated on the wire and CRLF separated on disk
	for _, r := range key {
		if unicode.IsSpace(r) {
			return errors.InvalidKey(key, "key cannot contain whitespace")
		}
		if unicode.IsControl(r) {
			return errors.InvalidKey(key, "key cannot contain control characters")
		}
	}

	return nil
}

// ValidateValue validates a value
func (v *Validator) ValidateValue(value string) error {
	if value == "" {
		return errors.InvalidArgument("value cannot be empty", nil)
	}

	if len(value) > v.maxValueSize {
		return errors.ValueTooLarge(len(value), v.maxValueSize)
	}

	if strings.ContainsAny(value, "\r\n") {
		return errors.InvalidArgument("value cannot contain line breaks", nil)
	}

	return nil
}

// ParseSubscriber parses an "address:port" subscriber endpoint
func (v *Validator) ParseSubscriber(endpoint string) (model.Subscriber, error) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return model.Subscriber{}, errors.InvalidArgument(fmt.Sprintf("invalid subscriber endpoint '%s'", endpoint), err)
	}
	if host == "" {
		return model.Subscriber{}, errors.InvalidArgument("subscriber address cannot be empty", nil)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return model.Subscriber{}, errors.InvalidArgument(fmt.Sprintf("invalid subscriber port '%s'", portStr), err)
	}
	return model.Subscriber{Address: host, Port: port}, nil
}

// EstimateWriteSize estimates the disk space needed for a write operation.
// The record lands in the WAL and, after a dump, in a store file.
func EstimateWriteSize(key, value string) uint64 {
	record := uint64(len(key) + len(value) + 4)
	total := 2 * record
	return total + (total / 5)
}
