package docindex

import (
	"fmt"
	"strings"

	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
)

// jsToJSON rewrites the object literal Sphinx emits into strict JSON. It
// quotes bare and numeric keys, converts single-quoted strings and drops
// trailing commas. Anything that is not plain data is rejected.
func jsToJSON(src string) ([]byte, error) {
	var out strings.Builder
	out.Grow(len(src) + len(src)/8)

	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '"' || c == '\'':
			end, err := copyString(&out, src, i)
			if err != nil {
				return nil, err
			}
			i = end
		case c == ',':
			if next := skipSpace(src, i+1); next < len(src) && (src[next] == ']' || src[next] == '}') {
				i++
				continue
			}
			out.WriteByte(c)
			i++
		case strings.IndexByte("{}[]:", c) >= 0 || isSpace(c):
			out.WriteByte(c)
			i++
		case c == '-' || c == '.' || isDigit(c):
			end := i + 1
			for end < len(src) && isNumberByte(src[end]) {
				end++
			}
			writeToken(&out, src[i:end], isKey(src, end))
			i = end
		case isIdentStart(c):
			end := i + 1
			for end < len(src) && isIdentByte(src[end]) {
				end++
			}
			word := src[i:end]
			switch {
			case isKey(src, end):
				writeToken(&out, word, true)
			case word == "true" || word == "false" || word == "null":
				out.WriteString(word)
			default:
				return nil, fmt.Errorf("unexpected identifier %q at offset %d: %w", word, i, apperrors.ErrInvalidInput)
			}
			i = end
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d: %w", c, i, apperrors.ErrInvalidInput)
		}
	}
	return []byte(out.String()), nil
}

// copyString writes the string literal starting at src[start] as a JSON
// string and returns the offset just past its closing quote.
func copyString(out *strings.Builder, src string, start int) (int, error) {
	quote := src[start]
	out.WriteByte('"')
	for i := start + 1; i < len(src); i++ {
		c := src[i]
		switch {
		case c == quote:
			out.WriteByte('"')
			return i + 1, nil
		case c == '\\':
			if i+1 >= len(src) {
				return 0, fmt.Errorf("unterminated escape at offset %d: %w", i, apperrors.ErrInvalidInput)
			}
			i++
			switch src[i] {
			case '\'':
				out.WriteByte('\'')
			case '\n':
				// line continuation
			default:
				out.WriteByte('\\')
				out.WriteByte(src[i])
			}
		case c == '"':
			out.WriteString(`\"`)
		case c == '\n':
			return 0, fmt.Errorf("newline in string at offset %d: %w", i, apperrors.ErrInvalidInput)
		default:
			out.WriteByte(c)
		}
	}
	return 0, fmt.Errorf("unterminated string at offset %d: %w", start, apperrors.ErrInvalidInput)
}

func writeToken(out *strings.Builder, tok string, quoted bool) {
	if !quoted {
		out.WriteString(tok)
		return
	}
	out.WriteByte('"')
	out.WriteString(tok)
	out.WriteByte('"')
}

func isKey(src string, end int) bool {
	next := skipSpace(src, end)
	return next < len(src) && src[next] == ':'
}

func skipSpace(src string, i int) int {
	for i < len(src) && isSpace(src[i]) {
		i++
	}
	return i
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isNumberByte(c byte) bool {
	return isDigit(c) || c == '.' || c == 'e' || c == 'E' || c == '+' || c == '-'
}

// Non-ASCII bytes are accepted so that UTF-8 identifiers pass through.
func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentByte(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}
