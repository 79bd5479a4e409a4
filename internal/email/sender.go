package email

import "context"

// Sender is the interface that mail transports implement.
// Send never returns a Go error; the outcome is reported in the Result.
type Sender interface {
	// Send delivers msg to every recipient in one relay session.
	Send(ctx context.Context, msg Message) Result
}

// Message represents an email message to be sent.
type Message struct {
	To         []string // envelope recipients, also rendered into the To header
	Subject    string   // email subject
	Body       string   // plain-text body; line endings are sent as CRLF
	Attachment string   // optional path of a single file to attach
}

// Identity is the sender identity a transport authenticates with.
type Identity struct {
	SenderAddress string
	RelayHost     string
	Credential    string
}
