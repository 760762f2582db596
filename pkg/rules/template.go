package rules

import (
	"fmt"
	"strings"
)

// Back-reference sources inside a target template.
const (
	hostRef = '%' // %N: capture N of the host pattern
	pathRef = '$' // $N: capture N of the path pattern
)

type segment struct {
	literal string
	source  byte // 0 for literal segments
	index   int
}

// Template is a parsed target such as "http://localhost:5855/%1$1".
// Backslash escapes a following '%', '$' or '\'.
type Template struct {
	raw     string
	segs    []segment
	maxHost int // highest %N referenced, -1 if none
	maxPath int // highest $N referenced, -1 if none
}

// ParseTemplate splits s into literal text and back-references.
func ParseTemplate(s string) (*Template, error) {
	t := &Template{raw: s, maxHost: -1, maxPath: -1}

	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			t.segs = append(t.segs, segment{literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\':
			if i+1 >= len(s) {
				return nil, fmt.Errorf("template %q: trailing backslash", s)
			}
			next := s[i+1]
			if next != hostRef && next != pathRef && next != '\\' {
				return nil, fmt.Errorf("template %q: invalid escape \\%c", s, next)
			}
			lit.WriteByte(next)
			i++
		case (c == hostRef || c == pathRef) && i+1 < len(s) && isDigit(s[i+1]):
			flush()
			idx := int(s[i+1] - '0')
			t.segs = append(t.segs, segment{source: c, index: idx})
			if c == hostRef && idx > t.maxHost {
				t.maxHost = idx
			}
			if c == pathRef && idx > t.maxPath {
				t.maxPath = idx
			}
			i++
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return t, nil
}

// Expand substitutes captures into the template. Captures that didn't
// participate in the match expand to the empty string.
func (t *Template) Expand(hostCaptures, pathCaptures []string) string {
	var b strings.Builder
	b.Grow(len(t.raw))
	for _, seg := range t.segs {
		switch seg.source {
		case hostRef:
			b.WriteString(capture(hostCaptures, seg.index))
		case pathRef:
			b.WriteString(capture(pathCaptures, seg.index))
		default:
			b.WriteString(seg.literal)
		}
	}
	return b.String()
}

func (t *Template) String() string {
	return t.raw
}

func capture(caps []string, i int) string {
	if i < len(caps) {
		return caps[i]
	}
	return ""
}

func isDigit(c byte) bool {
	return '0' <= c && c <= '9'
}
