package mailer

import (
	"bytes"
	"fmt"
	"html"
	"mime"
	"mime/quotedprintable"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/email"
)

var (
	tagPattern   = regexp.MustCompile(`(?s)<[^>]*>`)
	blockPattern = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/li|/h[1-6]|/tr)\s*/?>`)
	spacePattern = regexp.MustCompile(`[ \t]+`)
	linesPattern = regexp.MustCompile(`\n{3,}`)
)

// Envelope is a rendered message ready for a transport
type Envelope struct {
	MessageID string // without angle brackets
	From      string // bare address
	FromName  string
	To        string
	Subject   string
	HTML      string
	Text      string
	Data      []byte // RFC 5322 form
}

// buildEnvelope renders msg as a multipart/alternative message sent from
// the account address
func buildEnvelope(msg Message, from string, now time.Time) *Envelope {
	domain := email.ExtractDomainOrDefault(from, "localhost")
	env := &Envelope{
		MessageID: uuid.New().String() + "@" + domain,
		From:      from,
		FromName:  msg.FromName,
		To:        msg.To,
		Subject:   msg.Subject,
		HTML:      msg.HTML,
		Text:      htmlToText(msg.HTML),
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", email.FormatAddress(msg.FromName, from))
	fmt.Fprintf(&buf, "To: %s\r\n", email.FormatAddress("", msg.To))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: <%s>\r\n", env.MessageID)
	buf.WriteString("MIME-Version: 1.0\r\n")

	boundary := uuid.New().String()
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	buf.WriteString("\r\n")

	writePart(&buf, boundary, "text/plain", env.Text)
	writePart(&buf, boundary, "text/html", env.HTML)
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)

	env.Data = buf.Bytes()
	return env
}

func writePart(buf *bytes.Buffer, boundary, contentType, body string) {
	fmt.Fprintf(buf, "--%s\r\n", boundary)
	fmt.Fprintf(buf, "Content-Type: %s; charset=utf-8\r\n", contentType)
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	buf.WriteString("\r\n")
	w := quotedprintable.NewWriter(buf)
	w.Write([]byte(body))
	w.Close()
	buf.WriteString("\r\n")
}

// htmlToText derives the plain text alternative from an HTML body
func htmlToText(s string) string {
	s = blockPattern.ReplaceAllString(s, "\n")
	s = tagPattern.ReplaceAllString(s, "")
	s = html.UnescapeString(s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spacePattern.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = linesPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
