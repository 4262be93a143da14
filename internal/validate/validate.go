// Package validate enforces the /payment request shape (spec.md §6,
// "Validation rules for /payment"). Pure data-shape checking with no
// library surface worth reusing — see DESIGN.md for why this package
// stays on the standard library alone.
package validate

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Error is a single validation failure, carrying the offending field so
// the HTTP layer can build a precise 400 body.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// PaymentRequest is the raw client body for POST /payment before it
// becomes a model.PaymentRecord.
type PaymentRequest struct {
	Amount   float64
	Sender   string
	Receiver string
}

// Limits bounds what Payment accepts (spec.md §6 defaults, configurable).
type Limits struct {
	MaxAmount     float64
	MaxNameLength int
}

// Payment validates req against limits, returning the first violation
// found. Trims sender/receiver before checking length/equality, matching
// the reference's str.strip() behaviour.
func Payment(req PaymentRequest, limits Limits) (sender, receiver string, err *Error) {
	if req.Amount <= 0 {
		return "", "", &Error{Field: "amount", Message: "must be greater than 0"}
	}
	if req.Amount > limits.MaxAmount {
		return "", "", &Error{Field: "amount", Message: fmt.Sprintf("must not exceed %.2f", limits.MaxAmount)}
	}

	sender = strings.TrimSpace(req.Sender)
	receiver = strings.TrimSpace(req.Receiver)

	if sender == "" {
		return "", "", &Error{Field: "sender", Message: "must not be empty"}
	}
	if receiver == "" {
		return "", "", &Error{Field: "receiver", Message: "must not be empty"}
	}
	if utf8.RuneCountInString(sender) > limits.MaxNameLength {
		return "", "", &Error{Field: "sender", Message: fmt.Sprintf("must not exceed %d characters", limits.MaxNameLength)}
	}
	if utf8.RuneCountInString(receiver) > limits.MaxNameLength {
		return "", "", &Error{Field: "receiver", Message: fmt.Sprintf("must not exceed %d characters", limits.MaxNameLength)}
	}
	if sender == receiver {
		return "", "", &Error{Field: "receiver", Message: "must differ from sender"}
	}

	return sender, receiver, nil
}
