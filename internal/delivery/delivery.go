// Package delivery sends rendered campaign emails.
package delivery

import (
	"context"
	"errors"
	"fmt"
)

// Message is one rendered email for one recipient
type Message struct {
	ID           string            // Used in Message-ID
	From         string            // Header From address
	FromName     string            // Optional display name
	EnvelopeFrom string            // MAIL FROM, defaults to From
	To           string            // Recipient address
	ToName       string            // Optional display name
	ReplyTo      string            // Optional Reply-To address
	Subject      string
	Text         string
	HTML         string
	Headers      map[string]string // Extra headers, e.g. X-Campaign-ID
}

// Sender delivers a single message
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// Error represents a delivery error with type information
type Error struct {
	Temporary bool
	Message   string
}

func (e *Error) Error() string {
	return e.Message
}

// Transient returns a retryable delivery error
func Transient(format string, args ...any) *Error {
	return &Error{Temporary: true, Message: fmt.Sprintf(format, args...)}
}

// Permanent returns a non-retryable delivery error
func Permanent(format string, args ...any) *Error {
	return &Error{Temporary: false, Message: fmt.Sprintf(format, args...)}
}

// IsTemporary checks if the error is temporary.
// Unknown errors are treated as temporary.
func IsTemporary(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}
