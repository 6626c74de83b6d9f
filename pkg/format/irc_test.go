package format

import "testing"

func TestIRCToMarkdown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "hello world", want: "hello world"},
		{name: "bold span", in: "a \x02bold\x02 b", want: "a *bold* b"},
		{name: "unterminated bold closes", in: "\x02bold", want: "*bold*"},
		{name: "italic span", in: "\x1Dslanted\x1D", want: "_slanted_"},
		{name: "underline renders italic", in: "\x1Fu\x1F", want: "_u_"},
		{name: "reverse renders bold", in: "\x16r\x16", want: "*r*"},
		{name: "bold wins over italic", in: "\x1Di\x02bi\x02i\x1D", want: "_i_*bi*_i_"},
		{name: "color with code opens bold", in: "\x0304red\x03 plain", want: "*red* plain"},
		{name: "color with background", in: "\x0304,01red\x03", want: "*red*"},
		{name: "bare color without active color is noop", in: "\x03plain", want: "plain"},
		{name: "reset closes everything", in: "\x02\x1Dboth\x0Fnone", want: "*both*none"},
		{name: "reset after reset", in: "\x0F\x0Fx", want: "x"},
		{name: "special characters escaped", in: "a*b_c[d]", want: `a\*b\_c\[d]`},
		{name: "escaped inside span", in: "\x022*3\x02", want: `*2\*3*`},
		{name: "empty", in: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IRCToMarkdown(tt.in); got != tt.want {
				t.Fatalf("IRCToMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIRCToMarkdownResetReturnsToInactive(t *testing.T) {
	// After a reset a single bold toggle must open, not close, a span.
	got := IRCToMarkdown("\x02a\x0F\x02b\x02")
	if got != "*a**b*" {
		t.Fatalf("got %q, want %q", got, "*a**b*")
	}
}

func TestIRCToMarkdownDeterministic(t *testing.T) {
	in := "\x02x\x1Dy\x03"
	first := IRCToMarkdown(in)
	for range 5 {
		if got := IRCToMarkdown(in); got != first {
			t.Fatalf("non-deterministic output %q vs %q", got, first)
		}
	}
}

func TestHasIRCCodes(t *testing.T) {
	if HasIRCCodes("plain [text] *with* _markup_") {
		t.Fatal("plain text reported as formatted")
	}
	for _, s := range []string{"\x02", "a\x03", "\x0312,4x", "\x0F", "\x16", "\x1D", "\x1F"} {
		if !HasIRCCodes(s) {
			t.Fatalf("HasIRCCodes(%q) = false", s)
		}
	}
}

func TestEscapeMarkdown(t *testing.T) {
	if got := EscapeMarkdown("[*_]`"); got != `\[\*\_]`+"`" {
		t.Fatalf("EscapeMarkdown = %q", got)
	}
}
