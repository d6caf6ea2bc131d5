package stamp

import (
	"fmt"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// pdfTextString encodes s as a PDF literal string, including the enclosing
// parentheses. ASCII-only strings are escaped in place; anything else is
// re-encoded as UTF-16BE with a byte order mark so viewers render accented
// names correctly.
func pdfTextString(s string) string {
	if isASCII(s) {
		escaped := make([]byte, 0, len(s)+2)
		escaped = append(escaped, '(')
		for i := 0; i < len(s); i++ {
			switch s[i] {
			case '\\', '(', ')':
				escaped = append(escaped, '\\', s[i])
			case '\n':
				escaped = append(escaped, '\\', 'n')
			case '\r':
				escaped = append(escaped, '\\', 'r')
			default:
				escaped = append(escaped, s[i])
			}
		}
		escaped = append(escaped, ')')
		return string(escaped)
	}

	enc := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewEncoder()
	utf16, _, err := transform.String(enc, s)
	if err != nil {
		// Unencodable runes should not occur for valid UTF-8 input; fall
		// back to a replacement-stripped ASCII rendering.
		return pdfTextString(toASCII(s))
	}

	escaped := make([]byte, 0, len(utf16)+2)
	escaped = append(escaped, '(')
	for i := 0; i < len(utf16); i++ {
		switch utf16[i] {
		case '\\', '(', ')':
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, utf16[i])
	}
	escaped = append(escaped, ')')
	return string(escaped)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf || s[i] < 0x20 && s[i] != '\n' && s[i] != '\r' {
			return false
		}
	}
	return true
}

func toASCII(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r < utf8.RuneSelf {
			out = append(out, r)
		} else {
			out = append(out, '?')
		}
	}
	return string(out)
}

// pdfDate formats t as a PDF date string, e.g. D:20250131150405+01'00'.
func pdfDate(t time.Time) string {
	_, offset := t.Zone()
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("D:%s%c%02d'%02d'", t.Format("20060102150405"), sign, offset/3600, (offset%3600)/60)
}
