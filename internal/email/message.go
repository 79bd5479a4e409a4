package email

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

const (
	bodyContentType       = "text/plain"
	attachmentContentType = "application/octet-stream"
)

type attachment struct {
	filename string
	content  []byte
}

// loadAttachment reads the whole file at path. Directories are rejected.
func loadAttachment(path string) (*attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return &attachment{
		filename: filepath.Base(path),
		content:  content,
	}, nil
}

// composeMessage writes msg as a multipart/mixed RFC 5322 message: one
// text/plain part followed by the optional attachment.
func composeMessage(w io.Writer, from string, msg Message, att *attachment, now time.Time) error {
	var h mail.Header
	h.SetDate(now)
	h.SetMessageID(messageID(from))
	h.Set("From", from)
	h.Set("To", strings.Join(msg.To, ", "))
	h.SetSubject(msg.Subject)

	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("failed to create message writer: %w", err)
	}

	var th mail.InlineHeader
	th.SetContentType(bodyContentType, map[string]string{"charset": "utf-8"})
	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return fmt.Errorf("failed to create body part: %w", err)
	}
	if _, err := io.WriteString(tw, crlf(msg.Body)); err != nil {
		return fmt.Errorf("failed to write body part: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to write body part: %w", err)
	}

	if att != nil {
		var ah mail.AttachmentHeader
		ah.SetContentType(attachmentContentType, nil)
		ah.SetFilename(att.filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := aw.Write(att.content); err != nil {
			return fmt.Errorf("failed to write attachment part: %w", err)
		}
		if err := aw.Close(); err != nil {
			return fmt.Errorf("failed to write attachment part: %w", err)
		}
	}

	return mw.Close()
}

// crlf rewrites bare LF line endings as CRLF, the SMTP line terminator.
func crlf(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\n", "\r\n")
}

func buildMessage(from string, msg Message, att *attachment, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	if err := composeMessage(&buf, from, msg, att, now); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// messageID returns a unique id in the sender's domain, without angle brackets
func messageID(from string) string {
	domain := "mailsend.local"
	if at := strings.LastIndexByte(from, '@'); at >= 0 && at < len(from)-1 {
		domain = strings.TrimRight(from[at+1:], "> ")
	}
	return uuid.NewString() + "@" + domain
}
