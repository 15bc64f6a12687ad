package mailbox

import (
	"encoding/base64"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	// maxPartDepth bounds recursion into nested multipart payloads. The
	// top-level payload is depth 1.
	maxPartDepth = 5
	// minBodyLen is the length a body must exceed before the snippet is ignored.
	minBodyLen = 10
)

type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Body struct {
	Size int    `json:"size"`
	Data string `json:"data"`
}

type Part struct {
	PartID   string   `json:"partId,omitempty"`
	MimeType string   `json:"mimeType"`
	Filename string   `json:"filename,omitempty"`
	Headers  []Header `json:"headers,omitempty"`
	Body     Body     `json:"body"`
	Parts    []Part   `json:"parts,omitempty"`
}

type MessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

type Message struct {
	ID           string   `json:"id"`
	ThreadID     string   `json:"threadId"`
	LabelIDs     []string `json:"labelIds"`
	Snippet      string   `json:"snippet"`
	InternalDate int64    `json:"internalDate,string"`
	Payload      Part     `json:"payload"`
}

// Envelope holds the header fields the correlator reads.
type Envelope struct {
	From        string
	FromAddress string
	Subject     string
	Date        time.Time
}

// Header returns the first header named name, case-insensitively.
func (p Part) Header(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// ParseEnvelope reads from, subject and date from the top-level headers.
func ParseEnvelope(msg Message) Envelope {
	env := Envelope{
		From:    msg.Payload.Header("From"),
		Subject: msg.Payload.Header("Subject"),
	}
	env.FromAddress = parseAddress(env.From)
	env.Date = parseDate(msg.Payload.Header("Date"))
	if env.Date.IsZero() && msg.InternalDate > 0 {
		env.Date = time.UnixMilli(msg.InternalDate).UTC()
	}
	return env
}

func parseAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(raw); err == nil {
		return addr.Address
	}
	if start := strings.LastIndex(raw, "<"); start >= 0 {
		if end := strings.Index(raw[start:], ">"); end > 0 {
			return strings.TrimSpace(raw[start+1 : start+end])
		}
	}
	return strings.Trim(raw, `"' `)
}

func parseDate(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if t, err := mail.ParseDate(raw); err == nil {
		return t
	}
	formats := []string{
		time.RFC1123Z,
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"2 Jan 2006 15:04:05 -0700",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ExtractBody returns the clean text of msg. It prefers the direct body, then
// the first text/plain part, then the first text/html part, then nested
// parts. If nothing longer than ten characters is found the snippet is used.
func ExtractBody(msg Message) string {
	if text := extractPart(msg.Payload, 1); len(text) > minBodyLen {
		return text
	}
	return collapse(html.UnescapeString(msg.Snippet))
}

func extractPart(p Part, depth int) string {
	if p.Body.Data != "" {
		if text := partText(p); len(text) > minBodyLen {
			return text
		}
	}
	if text := firstOfType(p.Parts, "text/plain"); text != "" {
		return text
	}
	if text := firstOfType(p.Parts, "text/html"); text != "" {
		return text
	}
	if depth >= maxPartDepth {
		return ""
	}
	for _, child := range p.Parts {
		if len(child.Parts) == 0 {
			continue
		}
		if text := extractPart(child, depth+1); text != "" {
			return text
		}
	}
	return ""
}

func firstOfType(parts []Part, mimeType string) string {
	for _, p := range parts {
		if !isMime(p.MimeType, mimeType) || p.Body.Data == "" {
			continue
		}
		if text := partText(p); len(text) > minBodyLen {
			return text
		}
	}
	return ""
}

func partText(p Part) string {
	raw, ok := decodeBase64(p.Body.Data)
	if !ok {
		return ""
	}
	if isMime(p.MimeType, "text/html") {
		return StripHTML(raw)
	}
	return collapse(raw)
}

func isMime(got, want string) bool {
	got = strings.ToLower(strings.TrimSpace(got))
	if i := strings.Index(got, ";"); i >= 0 {
		got = strings.TrimSpace(got[:i])
	}
	return got == want
}

func decodeBase64(data string) (string, bool) {
	data = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, data)
	for _, enc := range []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	} {
		if out, err := enc.DecodeString(data); err == nil {
			return string(out), true
		}
	}
	return "", false
}

// StripHTML drops tags, script and style content, decodes entities and
// collapses whitespace.
func StripHTML(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapse(b.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if a == atom.Script || a == atom.Style {
				skip++
			}
			if isBlock(a) {
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if (a == atom.Script || a == atom.Style) && skip > 0 {
				skip--
			}
			if isBlock(a) {
				b.WriteByte(' ')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.Br, atom.P, atom.Div, atom.Li, atom.Tr, atom.Td, atom.Th,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Table, atom.Ul, atom.Ol:
		return true
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
