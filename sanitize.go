package boxedr

import (
	"strings"
	"unicode"
)

var lineEndings = strings.NewReplacer(
	"\r\n", "\n",
	"\r", "\n",
	"\u0085", "\n",
	"\u2028", "\n",
	"\u2029", "\n",
)

// Sanitize cleans untrusted script text before it is parsed:
//
//   - a leading byte-order mark is removed
//   - CRLF, lone CR and the Unicode line terminators (NEL, LINE SEPARATOR,
//     PARAGRAPH SEPARATOR) become LF
//   - whitespace other than space, tab and newline (NBSP, thin spaces,
//     ideographic space, vertical tab...) becomes a plain space
//   - zero-width and other invisible format characters are removed
//   - control characters other than tab and newline, including NUL, are
//     removed, as are invalid UTF-8 bytes
func Sanitize(script string) string {
	script = strings.ToValidUTF8(script, "")
	script = strings.TrimPrefix(script, "\ufeff")
	script = lineEndings.Replace(script)

	var b strings.Builder
	b.Grow(len(script))
	for _, r := range script {
		switch {
		case r == '\n' || r == '\t' || r == ' ':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
