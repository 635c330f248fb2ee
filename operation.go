package anchorage

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// SpanKind identifies what a span does to its source text.
type SpanKind uint8

const (
	// SpanRetain copies N runes from the source.
	SpanRetain SpanKind = iota + 1

	// SpanInsert writes Text into the result.
	SpanInsert

	// SpanDelete skips N runes of the source.
	SpanDelete
)

// String returns the span kind name.
func (k SpanKind) String() string {
	switch k {
	case SpanRetain:
		return "retain"
	case SpanInsert:
		return "insert"
	case SpanDelete:
		return "delete"
	default:
		return "SpanKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Span is one step of an Operation.
type Span struct {
	Kind SpanKind
	N    int    // rune count for retain and delete
	Text string // content for insert
}

// Operation is an ordered list of retain, insert and delete spans that
// transforms a text of BaseLen runes into one of TargetLen runes.
//
// The zero value is the identity operation on empty text. Build operations
// with Retain, Insert and Delete; once built, treat them as values.
type Operation struct {
	spans     []Span
	baseLen   int
	targetLen int
}

// Identity returns an operation that retains all n runes.
func Identity(n int) Operation {
	var op Operation
	op.Retain(n)
	return op
}

// InsertAt returns an operation inserting s at offset at in a text of length n.
func InsertAt(n, at int, s string) Operation {
	return ReplaceRange(n, at, at, s)
}

// DeleteRange returns an operation deleting runes [from, to) in a text of length n.
func DeleteRange(n, from, to int) Operation {
	return ReplaceRange(n, from, to, "")
}

// ReplaceRange returns an operation replacing runes [from, to) with s in a
// text of length n. Offsets are clamped into the text.
func ReplaceRange(n, from, to int, s string) Operation {
	from = clamp(from, 0, n)
	to = clamp(to, from, n)

	var op Operation
	op.Retain(from)
	op.Insert(s)
	op.Delete(to - from)
	op.Retain(n - to)
	return op
}

// OperationFromSpans builds an operation from decoded spans, normalizing
// adjacent spans of the same kind.
func OperationFromSpans(spans []Span) (Operation, error) {
	var op Operation
	for i, sp := range spans {
		switch sp.Kind {
		case SpanRetain:
			if sp.N < 0 {
				return Operation{}, fmt.Errorf("%w: span %d has negative length", ErrMalformedOperation, i)
			}
			if sp.N > math.MaxInt-op.baseLen || sp.N > math.MaxInt-op.targetLen {
				return Operation{}, fmt.Errorf("%w: span %d overflows operation length", ErrMalformedOperation, i)
			}
			op.Retain(sp.N)
		case SpanDelete:
			if sp.N < 0 {
				return Operation{}, fmt.Errorf("%w: span %d has negative length", ErrMalformedOperation, i)
			}
			if sp.N > math.MaxInt-op.baseLen {
				return Operation{}, fmt.Errorf("%w: span %d overflows operation length", ErrMalformedOperation, i)
			}
			op.Delete(sp.N)
		case SpanInsert:
			if n := utf8.RuneCountInString(sp.Text); n > math.MaxInt-op.targetLen {
				return Operation{}, fmt.Errorf("%w: span %d overflows operation length", ErrMalformedOperation, i)
			}
			op.Insert(sp.Text)
		default:
			return Operation{}, fmt.Errorf("%w: span %d has kind %v", ErrMalformedOperation, i, sp.Kind)
		}
	}
	return op, nil
}

// BaseLen returns the length of text this operation applies to.
func (op Operation) BaseLen() int {
	return op.baseLen
}

// TargetLen returns the length of the text this operation produces.
func (op Operation) TargetLen() int {
	return op.targetLen
}

// Spans returns a copy of the operation's spans.
func (op Operation) Spans() []Span {
	out := make([]Span, len(op.spans))
	copy(out, op.spans)
	return out
}

// IsIdentity reports whether the operation has no insert or delete spans.
func (op Operation) IsIdentity() bool {
	for _, sp := range op.spans {
		if sp.Kind != SpanRetain {
			return false
		}
	}
	return true
}

// CheckLineEndings returns ErrInvalidLineEnding if any inserted text contains
// a carriage return.
func (op Operation) CheckLineEndings() error {
	for i, sp := range op.spans {
		if sp.Kind == SpanInsert && strings.IndexByte(sp.Text, '\r') >= 0 {
			return fmt.Errorf("%w: insert span %d contains CR", ErrInvalidLineEnding, i)
		}
	}
	return nil
}

// String renders the operation as a comma separated span list.
func (op Operation) String() string {
	if len(op.spans) == 0 {
		return "identity"
	}
	parts := make([]string, len(op.spans))
	for i, sp := range op.spans {
		if sp.Kind == SpanInsert {
			parts[i] = "insert " + strconv.Quote(sp.Text)
		} else {
			parts[i] = sp.Kind.String() + " " + strconv.Itoa(sp.N)
		}
	}
	return strings.Join(parts, ", ")
}

// Retain appends a retain span, merging with a preceding retain.
func (op *Operation) Retain(n int) {
	if n <= 0 {
		return
	}
	op.baseLen += n
	op.targetLen += n

	if last := len(op.spans) - 1; last >= 0 && op.spans[last].Kind == SpanRetain {
		op.spans[last].N += n
		return
	}
	op.spans = append(op.spans, Span{Kind: SpanRetain, N: n})
}

// Delete appends a delete span, merging with a preceding delete.
func (op *Operation) Delete(n int) {
	if n <= 0 {
		return
	}
	op.baseLen += n

	if last := len(op.spans) - 1; last >= 0 && op.spans[last].Kind == SpanDelete {
		op.spans[last].N += n
		return
	}
	op.spans = append(op.spans, Span{Kind: SpanDelete, N: n})
}

// Insert appends an insert span. An insert directly following a delete is
// placed before it so that equivalent operations share one canonical form.
func (op *Operation) Insert(s string) {
	if s == "" {
		return
	}
	op.targetLen += utf8.RuneCountInString(s)

	n := len(op.spans)
	if n > 0 && op.spans[n-1].Kind == SpanInsert {
		op.spans[n-1].Text += s
		return
	}
	if n > 0 && op.spans[n-1].Kind == SpanDelete {
		if n > 1 && op.spans[n-2].Kind == SpanInsert {
			op.spans[n-2].Text += s
			return
		}
		del := op.spans[n-1]
		op.spans[n-1] = Span{Kind: SpanInsert, Text: s}
		op.spans = append(op.spans, del)
		return
	}
	op.spans = append(op.spans, Span{Kind: SpanInsert, Text: s})
}

// TransformOffset maps an offset in the base text to the corresponding
// offset in the target text.
//
// An offset at an insertion point stays in front of the inserted text when
// stick is StickLeft and moves past it when stick is StickRight. An offset
// inside a deleted span collapses to the start of that span.
func (op Operation) TransformOffset(offset int, stick Stickiness) int {
	offset = clamp(offset, 0, op.baseLen)

	src, dst := 0, 0
	for _, sp := range op.spans {
		switch sp.Kind {
		case SpanRetain:
			if offset < src+sp.N {
				return dst + (offset - src)
			}
			src += sp.N
			dst += sp.N
		case SpanInsert:
			if offset == src {
				if stick == StickLeft {
					return dst
				}
			}
			dst += utf8.RuneCountInString(sp.Text)
		case SpanDelete:
			if offset < src+sp.N {
				return dst
			}
			src += sp.N
		}
	}
	return dst
}

// Compose returns a single operation equivalent to applying a and then b.
func Compose(a, b Operation) (Operation, error) {
	if a.targetLen != b.baseLen {
		return Operation{}, fmt.Errorf("%w: cannot compose target length %d with base length %d",
			ErrMalformedOperation, a.targetLen, b.baseLen)
	}

	var out Operation
	ai, bi := spanIter{spans: a.spans}, spanIter{spans: b.spans}
	x, xok := ai.next()
	y, yok := bi.next()

	for xok || yok {
		if xok && x.Kind == SpanDelete {
			out.Delete(x.N)
			x, xok = ai.next()
			continue
		}
		if yok && y.Kind == SpanInsert {
			out.Insert(y.Text)
			y, yok = bi.next()
			continue
		}
		if !xok || !yok {
			return Operation{}, fmt.Errorf("%w: operations ran out of spans", ErrMalformedOperation)
		}

		xn := spanLen(x)
		switch {
		case x.Kind == SpanRetain && y.Kind == SpanRetain:
			n := min(xn, y.N)
			out.Retain(n)
			x, xok = ai.consume(x, n)
			y, yok = bi.consume(y, n)
		case x.Kind == SpanRetain && y.Kind == SpanDelete:
			n := min(xn, y.N)
			out.Delete(n)
			x, xok = ai.consume(x, n)
			y, yok = bi.consume(y, n)
		case x.Kind == SpanInsert && y.Kind == SpanRetain:
			n := min(xn, y.N)
			head, _ := splitRunes(x.Text, n)
			out.Insert(head)
			x, xok = ai.consume(x, n)
			y, yok = bi.consume(y, n)
		case x.Kind == SpanInsert && y.Kind == SpanDelete:
			n := min(xn, y.N)
			x, xok = ai.consume(x, n)
			y, yok = bi.consume(y, n)
		}
	}
	return out, nil
}

// spanIter walks a span slice, handing out partially consumed spans.
type spanIter struct {
	spans []Span
	i     int
}

func (it *spanIter) next() (Span, bool) {
	if it.i >= len(it.spans) {
		return Span{}, false
	}
	sp := it.spans[it.i]
	it.i++
	return sp, true
}

// consume removes n runes from the front of sp, advancing when sp is used up.
func (it *spanIter) consume(sp Span, n int) (Span, bool) {
	if spanLen(sp) == n {
		return it.next()
	}
	if sp.Kind == SpanInsert {
		_, sp.Text = splitRunes(sp.Text, n)
	} else {
		sp.N -= n
	}
	return sp, true
}

func spanLen(sp Span) int {
	if sp.Kind == SpanInsert {
		return utf8.RuneCountInString(sp.Text)
	}
	return sp.N
}

// splitRunes splits s after its first n runes.
func splitRunes(s string, n int) (string, string) {
	i := 0
	for n > 0 && i < len(s) {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		n--
	}
	return s[:i], s[i:]
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
