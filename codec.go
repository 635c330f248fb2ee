package anchorage

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers. Instructions and log entries use the protobuf wire
// format so that other implementations can decode them with a .proto
// description:
//
//	message Span { uint32 kind = 1; uint64 n = 2; string text = 3; }
//	message Instruction {
//	  string document_uid = 1; string operation_id = 2; sint64 seed = 3;
//	  string origin = 4; int64 base_timestamp = 5; repeated Span spans = 6;
//	}
//	message LogEntry { string operation_id = 1; repeated Span spans = 2; }
const (
	spanKindField protowire.Number = 1
	spanNField    protowire.Number = 2
	spanTextField protowire.Number = 3

	instrUIDField    protowire.Number = 1
	instrOpIDField   protowire.Number = 2
	instrSeedField   protowire.Number = 3
	instrOriginField protowire.Number = 4
	instrBaseTSField protowire.Number = 5
	instrSpanField   protowire.Number = 6
	entryOpIDField   protowire.Number = 1
	entrySpanField   protowire.Number = 2
)

// EncodeInstruction encodes a shared instruction for the wire.
func EncodeInstruction(si SharedInstruction) []byte {
	var b []byte
	b = protowire.AppendTag(b, instrUIDField, protowire.BytesType)
	b = protowire.AppendString(b, si.DocumentUID)
	b = protowire.AppendTag(b, instrOpIDField, protowire.BytesType)
	b = protowire.AppendString(b, string(si.OperationID))
	b = protowire.AppendTag(b, instrSeedField, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(si.Seed))
	b = protowire.AppendTag(b, instrOriginField, protowire.BytesType)
	b = protowire.AppendString(b, si.Origin)
	b = protowire.AppendTag(b, instrBaseTSField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(si.BaseTimestamp))
	return appendSpans(b, instrSpanField, si.Operation)
}

// DecodeInstruction decodes a shared instruction. Malformed input yields
// ErrInvalidInstruction; spans that do not form a valid operation yield
// ErrMalformedOperation.
func DecodeInstruction(data []byte) (SharedInstruction, error) {
	var (
		si    SharedInstruction
		spans []Span
	)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return SharedInstruction{}, fmt.Errorf("%w: %v", ErrInvalidInstruction, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == instrUIDField && typ == protowire.BytesType:
			si.DocumentUID, n = protowire.ConsumeString(data)
		case num == instrOpIDField && typ == protowire.BytesType:
			var s string
			s, n = protowire.ConsumeString(data)
			si.OperationID = OperationID(s)
		case num == instrSeedField && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			si.Seed = protowire.DecodeZigZag(v)
		case num == instrOriginField && typ == protowire.BytesType:
			si.Origin, n = protowire.ConsumeString(data)
		case num == instrBaseTSField && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			si.BaseTimestamp = int64(v)
		case num == instrSpanField && typ == protowire.BytesType:
			var raw []byte
			raw, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				sp, err := decodeSpan(raw)
				if err != nil {
					return SharedInstruction{}, err
				}
				spans = append(spans, sp)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return SharedInstruction{}, fmt.Errorf("%w: field %d: %v", ErrInvalidInstruction, num, protowire.ParseError(n))
		}
		data = data[n:]
	}

	if si.DocumentUID == "" || si.OperationID == "" {
		return SharedInstruction{}, fmt.Errorf("%w: missing document uid or operation id", ErrInvalidInstruction)
	}
	op, err := OperationFromSpans(spans)
	if err != nil {
		return SharedInstruction{}, err
	}
	si.Operation = op
	return si, nil
}

// EncodeLogEntry encodes an edit log entry.
func EncodeLogEntry(e LogEntry) []byte {
	var b []byte
	b = protowire.AppendTag(b, entryOpIDField, protowire.BytesType)
	b = protowire.AppendString(b, string(e.ID))
	return appendSpans(b, entrySpanField, e.Op)
}

// DecodeLogEntry decodes an edit log entry.
func DecodeLogEntry(data []byte) (LogEntry, error) {
	var (
		e     LogEntry
		spans []Span
	)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return LogEntry{}, fmt.Errorf("%w: %v", ErrInvalidInstruction, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == entryOpIDField && typ == protowire.BytesType:
			var s string
			s, n = protowire.ConsumeString(data)
			e.ID = OperationID(s)
		case num == entrySpanField && typ == protowire.BytesType:
			var raw []byte
			raw, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				sp, err := decodeSpan(raw)
				if err != nil {
					return LogEntry{}, err
				}
				spans = append(spans, sp)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return LogEntry{}, fmt.Errorf("%w: field %d: %v", ErrInvalidInstruction, num, protowire.ParseError(n))
		}
		data = data[n:]
	}

	op, err := OperationFromSpans(spans)
	if err != nil {
		return LogEntry{}, err
	}
	e.Op = op
	return e, nil
}

func appendSpans(b []byte, field protowire.Number, op Operation) []byte {
	for _, sp := range op.spans {
		var m []byte
		m = protowire.AppendTag(m, spanKindField, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(sp.Kind))
		if sp.Kind == SpanInsert {
			m = protowire.AppendTag(m, spanTextField, protowire.BytesType)
			m = protowire.AppendString(m, sp.Text)
		} else {
			m = protowire.AppendTag(m, spanNField, protowire.VarintType)
			m = protowire.AppendVarint(m, uint64(sp.N))
		}
		b = protowire.AppendTag(b, field, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

func decodeSpan(data []byte) (Span, error) {
	var sp Span
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Span{}, fmt.Errorf("%w: span: %v", ErrInvalidInstruction, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == spanKindField && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			if n >= 0 && (v < uint64(SpanRetain) || v > uint64(SpanDelete)) {
				return Span{}, fmt.Errorf("%w: span kind %d", ErrInvalidInstruction, v)
			}
			sp.Kind = SpanKind(v)
		case num == spanNField && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			if n >= 0 && v > math.MaxInt {
				return Span{}, fmt.Errorf("%w: span length %d", ErrInvalidInstruction, v)
			}
			sp.N = int(v)
		case num == spanTextField && typ == protowire.BytesType:
			sp.Text, n = protowire.ConsumeString(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return Span{}, fmt.Errorf("%w: span field %d: %v", ErrInvalidInstruction, num, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return sp, nil
}
