// Package format converts legacy IRC control-code formatting into Telegram's
// Markdown dialect.
package format

import (
	"regexp"
	"strings"
)

const (
	ctrlBold      = '\x02'
	ctrlColor     = '\x03'
	ctrlReset     = '\x0F'
	ctrlReverse   = '\x16'
	ctrlItalic    = '\x1D'
	ctrlUnderline = '\x1F'
)

var (
	ircCodes       = regexp.MustCompile(`[\x02\x1D\x1F\x16\x0F]|\x03(?:\d+(?:,\d+)?)?`)
	markdownEscape = strings.NewReplacer(`[`, `\[`, `*`, `\*`, `_`, `\_`)
)

// toggles is ordered by priority: the first active toggle decides the markup.
var toggles = [...]struct {
	ctrl byte
	code string
}{
	{ctrlBold, "*"},
	{ctrlReverse, "*"},
	{ctrlItalic, "_"},
	{ctrlUnderline, "_"},
	{ctrlColor, "*"},
}

// HasIRCCodes reports whether s contains any IRC formatting control code.
func HasIRCCodes(s string) bool {
	return ircCodes.MatchString(s)
}

// EscapeMarkdown backslash-escapes the characters Telegram Markdown treats as markup.
func EscapeMarkdown(s string) string {
	return markdownEscape.Replace(s)
}

// IRCToMarkdown rewrites IRC control codes as Telegram Markdown spans.
//
// Telegram only knows bold and italic, so at most one span is open at a time:
// the highest-priority active toggle wins. Literal text is escaped and any span
// still open at the end of the input is closed.
func IRCToMarkdown(s string) string {
	var (
		out    strings.Builder
		active [len(toggles)]bool
		open   string
		last   int
	)

	for _, loc := range ircCodes.FindAllStringIndex(s, -1) {
		if loc[0] > last {
			out.WriteString(EscapeMarkdown(s[last:loc[0]]))
		}
		last = loc[1]

		token := s[loc[0]:loc[1]]
		if token[0] == ctrlReset {
			active = [len(toggles)]bool{}
			out.WriteString(open)
			open = ""
			continue
		}

		for i, t := range toggles {
			if t.ctrl != token[0] {
				continue
			}
			if t.ctrl == ctrlColor {
				active[i] = len(token) > 1
			} else {
				active[i] = !active[i]
			}
			break
		}

		next := ""
		for i, on := range active {
			if on {
				next = toggles[i].code
				break
			}
		}
		if next != open {
			out.WriteString(open + next)
			open = next
		}
	}

	if last < len(s) {
		out.WriteString(EscapeMarkdown(s[last:]))
	}
	out.WriteString(open)

	return out.String()
}
