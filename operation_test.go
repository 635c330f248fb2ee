package anchorage

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderMergesAndOrdersSpans(t *testing.T) {
	var op Operation
	op.Retain(1)
	op.Retain(2)
	op.Delete(3)
	op.Insert("x")
	op.Insert("y")
	op.Retain(0)
	op.Insert("")
	op.Retain(4)

	assert.Equal(t, []Span{
		{Kind: SpanRetain, N: 3},
		{Kind: SpanInsert, Text: "xy"},
		{Kind: SpanDelete, N: 3},
		{Kind: SpanRetain, N: 4},
	}, op.Spans())
	assert.Equal(t, 10, op.BaseLen())
	assert.Equal(t, 9, op.TargetLen())
	assert.False(t, op.IsIdentity())
}

func TestReplaceRangeIsCanonical(t *testing.T) {
	a := ReplaceRange(6, 1, 3, "Z")

	var b Operation
	b.Retain(1)
	b.Delete(2)
	b.Insert("Z")
	b.Retain(3)

	assert.Equal(t, a.Spans(), b.Spans())
}

func TestIdentity(t *testing.T) {
	assert.True(t, Identity(5).IsIdentity())
	assert.True(t, Operation{}.IsIdentity())
	assert.Equal(t, "identity", Operation{}.String())
	assert.True(t, InsertAt(3, 1, "").IsIdentity())
	assert.False(t, DeleteRange(3, 0, 1).IsIdentity())
}

func TestApply(t *testing.T) {
	text := MustText("hello world")

	var op Operation
	op.Retain(5)
	op.Insert("!!!")
	op.Retain(6)

	after, err := text.Apply(op)
	require.NoError(t, err)
	assert.Equal(t, "hello!!! world", after.String())
	assert.Equal(t, 14, after.Len())
	assert.Equal(t, "hello world", text.String(), "receiver must not change")
}

func TestApplyRunes(t *testing.T) {
	text := MustText("héllo wörld")
	require.Equal(t, 11, text.Len())

	after, err := text.Apply(ReplaceRange(text.Len(), 1, 2, "ē"))
	require.NoError(t, err)
	assert.Equal(t, "hēllo wörld", after.String())

	s, err := after.Slice(6, 11)
	require.NoError(t, err)
	assert.Equal(t, "wörld", s)
}

func TestApplyMalformed(t *testing.T) {
	_, err := MustText("abc").Apply(DeleteRange(4, 0, 1))
	assert.ErrorIs(t, err, ErrMalformedOperation)

	_, err = MustText("abc").Apply(Identity(2))
	assert.ErrorIs(t, err, ErrMalformedOperation)
}

func TestLineEndings(t *testing.T) {
	_, err := NewText("a\r\nb")
	assert.ErrorIs(t, err, ErrInvalidLineEnding)

	assert.ErrorIs(t, InsertAt(0, 0, "x\ry").CheckLineEndings(), ErrInvalidLineEnding)
	assert.NoError(t, InsertAt(0, 0, "x\ny").CheckLineEndings())
}

func TestOperationFromSpans(t *testing.T) {
	op, err := OperationFromSpans([]Span{
		{Kind: SpanRetain, N: 2},
		{Kind: SpanRetain, N: 1},
		{Kind: SpanDelete, N: 1},
		{Kind: SpanInsert, Text: "q"},
	})
	require.NoError(t, err)
	assert.Equal(t, []Span{
		{Kind: SpanRetain, N: 3},
		{Kind: SpanInsert, Text: "q"},
		{Kind: SpanDelete, N: 1},
	}, op.Spans())

	_, err = OperationFromSpans([]Span{{Kind: SpanDelete, N: -1}})
	assert.ErrorIs(t, err, ErrMalformedOperation)

	_, err = OperationFromSpans([]Span{{Kind: SpanKind(9), N: 1}})
	assert.ErrorIs(t, err, ErrMalformedOperation)
}

func TestTransformOffset(t *testing.T) {
	// "abcdef" -> "ab" + "XY" + delete "cd" + "ef"
	op := ReplaceRange(6, 2, 4, "XY")

	tests := []struct {
		name   string
		offset int
		stick  Stickiness
		want   int
	}{
		{"before edit", 1, StickLeft, 1},
		{"insertion point left", 2, StickLeft, 2},
		{"insertion point right", 2, StickRight, 4},
		{"inside deleted span", 3, StickRight, 4},
		{"end of deleted span", 4, StickLeft, 4},
		{"after edit", 5, StickLeft, 5},
		{"end of text", 6, StickRight, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, op.TransformOffset(tt.offset, tt.stick))
		})
	}
}

func TestTransformOffsetAtEnd(t *testing.T) {
	op := InsertAt(3, 3, "zz")
	assert.Equal(t, 3, op.TransformOffset(3, StickLeft))
	assert.Equal(t, 5, op.TransformOffset(3, StickRight))
}

func TestCompose(t *testing.T) {
	text := MustText("hello world")
	a := InsertAt(11, 5, "!!!")
	b := ReplaceRange(14, 0, 5, "HEY")

	ab, err := Compose(a, b)
	require.NoError(t, err)
	assert.Equal(t, a.BaseLen(), ab.BaseLen())
	assert.Equal(t, b.TargetLen(), ab.TargetLen())

	stepwise, err := text.Apply(a)
	require.NoError(t, err)
	stepwise, err = stepwise.Apply(b)
	require.NoError(t, err)

	composed, err := text.Apply(ab)
	require.NoError(t, err)
	assert.Equal(t, stepwise, composed)
	assert.Equal(t, "HEY!!! world", composed.String())
}

func TestComposeInsertThenDelete(t *testing.T) {
	a := InsertAt(3, 1, "XYZ") // aXYZbc
	b := DeleteRange(6, 2, 5)  // aXc
	ab, err := Compose(a, b)
	require.NoError(t, err)

	out, err := MustText("abc").Apply(ab)
	require.NoError(t, err)
	assert.Equal(t, "aXc", out.String())
}

func TestComposeMismatch(t *testing.T) {
	_, err := Compose(Identity(3), Identity(4))
	assert.ErrorIs(t, err, ErrMalformedOperation)
}

func TestApplyRejectsSpansPastEnd(t *testing.T) {
	// lengths wrap around to 5
	var op Operation
	op.Retain(math.MaxInt)
	op.Delete(math.MaxInt)
	op.Retain(7)
	require.Equal(t, 5, op.BaseLen())

	_, err := MustText("hello").Apply(op)
	assert.ErrorIs(t, err, ErrMalformedOperation)
}

func TestOperationFromSpansOverflow(t *testing.T) {
	tests := []struct {
		name  string
		spans []Span
	}{
		{"retain then delete", []Span{{Kind: SpanRetain, N: math.MaxInt}, {Kind: SpanDelete, N: math.MaxInt}, {Kind: SpanRetain, N: 7}}},
		{"retains", []Span{{Kind: SpanRetain, N: math.MaxInt}, {Kind: SpanRetain, N: 1}}},
		{"delete after retain", []Span{{Kind: SpanRetain, N: 1}, {Kind: SpanDelete, N: math.MaxInt}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OperationFromSpans(tt.spans)
			assert.ErrorIs(t, err, ErrMalformedOperation)
		})
	}
}
