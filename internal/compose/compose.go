// Package compose turns generated text into the final outbound message.
//
// Processing order:
//  1. placeholder substitution, in Placeholders order
//  2. greeting: "Hi <first name>," is prepended unless the text already
//     opens with Hi/Hello/Hey followed by a non-letter
//  3. the closing signature is appended
package compose

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Field names a value placeholders can be replaced with
type Field int

const (
	SenderName Field = iota
	RecipientName
)

// Placeholder maps a bare token to a field. The token is matched
// case-insensitively when wrapped in [], {} or <>.
type Placeholder struct {
	Token string
	Field Field
}

// Placeholders is the substitution table, applied top to bottom.
// Longer tokens come first so "Recipient Name" wins over "Recipient".
var Placeholders = []Placeholder{
	{Token: "Your Name", Field: SenderName},
	{Token: "Sender Name", Field: SenderName},
	{Token: "Recipient Name", Field: RecipientName},
	{Token: "Recipient", Field: RecipientName},
}

var wrappers = [][2]string{{"[", "]"}, {"{", "}"}, {"<", ">"}}

type compiledPlaceholder struct {
	re    *regexp.Regexp
	field Field
}

var compiled = compile(Placeholders)

func compile(table []Placeholder) []compiledPlaceholder {
	out := make([]compiledPlaceholder, 0, len(table))
	for _, p := range table {
		alts := make([]string, 0, len(wrappers))
		for _, w := range wrappers {
			alts = append(alts, regexp.QuoteMeta(w[0])+`\s*`+regexp.QuoteMeta(p.Token)+`\s*`+regexp.QuoteMeta(w[1]))
		}
		out = append(out, compiledPlaceholder{
			re:    regexp.MustCompile(`(?i)(?:` + strings.Join(alts, "|") + `)`),
			field: p.Field,
		})
	}
	return out
}

// DefaultClosing precedes the sender name in the signature
const DefaultClosing = "Best regards"

// Params carries the values used while composing one message
type Params struct {
	SenderName         string
	RecipientName      string
	RecipientFirstName string
}

func (p Params) value(f Field) string {
	switch f {
	case SenderName:
		return p.SenderName
	case RecipientName:
		return p.RecipientName
	}
	return ""
}

// Substitute replaces all placeholders in text
func Substitute(text string, p Params) string {
	for _, c := range compiled {
		text = c.re.ReplaceAllLiteralString(text, p.value(c.field))
	}
	return text
}

var greetings = []string{"hello", "hey", "hi"}

// HasGreeting reports whether text opens with Hi, Hello or Hey followed
// by a non-letter (or the end of the text)
func HasGreeting(text string) bool {
	text = strings.TrimLeftFunc(text, unicode.IsSpace)
	for _, g := range greetings {
		if len(text) < len(g) || !strings.EqualFold(text[:len(g)], g) {
			continue
		}
		rest := text[len(g):]
		if rest == "" {
			return true
		}
		r, _ := utf8.DecodeRuneInString(rest)
		if !unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// Signature returns the closing block appended to every generated message
func Signature(senderName string) string {
	if strings.TrimSpace(senderName) == "" {
		return DefaultClosing
	}
	return DefaultClosing + ",\n" + senderName
}

// Compose applies substitution, the greeting guard and the signature
func Compose(text string, p Params) string {
	body := strings.TrimSpace(Substitute(text, p))

	if !HasGreeting(body) {
		name := p.RecipientFirstName
		if name == "" {
			name = p.RecipientName
		}
		greeting := "Hi,"
		if name != "" {
			greeting = "Hi " + name + ","
		}
		body = greeting + "\n\n" + body
	}

	return body + "\n\n" + Signature(p.SenderName)
}
