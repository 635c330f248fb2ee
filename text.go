package anchorage

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Text is an immutable snapshot of document content.
// Lengths and offsets are measured in runes.
type Text struct {
	s string
	n int
}

// NewText creates a Text from a string. Content containing a carriage
// return is rejected; callers normalize line endings to LF.
func NewText(s string) (Text, error) {
	if strings.IndexByte(s, '\r') >= 0 {
		return Text{}, fmt.Errorf("initial content: %w", ErrInvalidLineEnding)
	}
	return Text{s: s, n: utf8.RuneCountInString(s)}, nil
}

// MustText is like NewText but panics on invalid content.
func MustText(s string) Text {
	t, err := NewText(s)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the content.
func (t Text) String() string {
	return t.s
}

// Len returns the content length in runes.
func (t Text) Len() int {
	return t.n
}

// Slice returns the content between rune offsets from and to.
func (t Text) Slice(from, to int) (string, error) {
	if from < 0 || to < from || to > t.n {
		return "", ErrOutOfBounds
	}
	r := []rune(t.s)
	return string(r[from:to]), nil
}

// Apply produces the text that results from applying op.
// The receiver is not modified.
func (t Text) Apply(op Operation) (Text, error) {
	if op.baseLen != t.n {
		return Text{}, fmt.Errorf("%w: operation expects length %d, text has %d",
			ErrMalformedOperation, op.baseLen, t.n)
	}
	if op.IsIdentity() {
		return t, nil
	}

	src := []rune(t.s)
	var b strings.Builder
	b.Grow(len(t.s))
	pos := 0
	for i, sp := range op.spans {
		if sp.Kind != SpanInsert && sp.N > len(src)-pos {
			return Text{}, fmt.Errorf("%w: span %d runs past the end of the text", ErrMalformedOperation, i)
		}
		switch sp.Kind {
		case SpanRetain:
			b.WriteString(string(src[pos : pos+sp.N]))
			pos += sp.N
		case SpanInsert:
			b.WriteString(sp.Text)
		case SpanDelete:
			pos += sp.N
		}
	}
	return Text{s: b.String(), n: op.targetLen}, nil
}
