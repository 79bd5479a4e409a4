package email

import (
	"errors"
	"fmt"
)

// Failure categories reported through Result.Err
var (
	ErrMissingCredential = errors.New("email: relay credential is not configured")
	ErrAttachment        = errors.New("email: attachment file error")
	ErrAuthentication    = errors.New("email: authentication rejected")
	ErrTransport         = errors.New("email: delivery failed")
)

// Outcome classifies a send attempt
type Outcome int

const (
	Sent Outcome = iota
	ConfigError
	AttachmentError
	AuthError
	TransportError
)

// String returns the snake_case name used in logs
func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case ConfigError:
		return "config_error"
	case AttachmentError:
		return "attachment_error"
	case AuthError:
		return "auth_error"
	case TransportError:
		return "transport_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (o Outcome) label() string {
	switch o {
	case ConfigError:
		return "Configuration"
	case AttachmentError:
		return "Attachment file"
	case AuthError:
		return "Authentication"
	default:
		return "Transport"
	}
}

func (o Outcome) sentinel() error {
	switch o {
	case ConfigError:
		return ErrMissingCredential
	case AttachmentError:
		return ErrAttachment
	case AuthError:
		return ErrAuthentication
	default:
		return ErrTransport
	}
}

const sentMessage = "Email sent successfully."

// Result is the outcome of a single Send call
type Result struct {
	Outcome Outcome
	// Detail is the underlying failure text; empty on success
	Detail string

	cause error
}

func success() Result {
	return Result{Outcome: Sent}
}

func failure(outcome Outcome, cause error) Result {
	return Result{Outcome: outcome, Detail: cause.Error(), cause: cause}
}

// OK reports whether the message was accepted by the relay
func (r Result) OK() bool {
	return r.Outcome == Sent
}

// Err returns nil on success, otherwise an error matching the category sentinel
// and, when available, the underlying cause.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	if r.cause == nil {
		return fmt.Errorf("%w: %s", r.Outcome.sentinel(), r.Detail)
	}
	return fmt.Errorf("%w: %w", r.Outcome.sentinel(), r.cause)
}

// String renders the result as the human-readable status line
func (r Result) String() string {
	if r.OK() {
		return sentMessage
	}
	return fmt.Sprintf("Failed to send email. %s error: %s", r.Outcome.label(), r.Detail)
}
