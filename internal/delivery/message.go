package delivery

import (
	"bytes"
	"fmt"
	"mime"
	"net/mail"
	"sort"
	"time"

	"github.com/foxzi/cadence/internal/email"
	"github.com/google/uuid"
)

// Build constructs RFC 5322 email data
func Build(msg *Message, date time.Time) []byte {
	var buf bytes.Buffer

	// Headers
	from := mail.Address{Name: msg.FromName, Address: msg.From}
	to := mail.Address{Name: msg.ToName, Address: msg.To}
	buf.WriteString(fmt.Sprintf("From: %s\r\n", from.String()))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", to.String()))
	if msg.ReplyTo != "" {
		buf.WriteString(fmt.Sprintf("Reply-To: %s\r\n", msg.ReplyTo))
	}
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject)))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", date.Format(time.RFC1123Z)))

	id := msg.ID
	if id == "" {
		id = uuid.New().String()
	}
	buf.WriteString(fmt.Sprintf("Message-ID: <%s@%s>\r\n", id, email.ExtractDomainOrDefault(msg.From, "localhost")))

	// Custom headers, sorted for stable output
	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteString(fmt.Sprintf("%s: %s\r\n", k, msg.Headers[k]))
	}

	buf.WriteString("MIME-Version: 1.0\r\n")

	// MIME body
	if msg.HTML != "" {
		boundary := uuid.New().String()
		buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary))
		buf.WriteString("\r\n")

		// Plain text part
		if msg.Text != "" {
			buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
			buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
			buf.WriteString("\r\n")
			buf.WriteString(msg.Text)
			buf.WriteString("\r\n")
		}

		// HTML part
		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
		buf.WriteString("\r\n")
		buf.WriteString(msg.HTML)
		buf.WriteString("\r\n")

		buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	} else {
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		buf.WriteString("\r\n")
		buf.WriteString(msg.Text)
	}

	return buf.Bytes()
}
