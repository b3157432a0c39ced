package ingest

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"sensorpipe-go/internal/types"
)

func TestDecodeMessageFrame(t *testing.T) {
	msg := map[string]any{
		"type":      "frame",
		"stream":    "depth",
		"timestamp": 1234,
		"sequence":  7,
		"exposure":  500,
		"pixels": cbor.Tag{
			Number: tagMultiDimArray,
			Content: []any{
				[]any{1, 2},
				cbor.Tag{Number: tagUint16LE, Content: []byte{10, 0, 20, 0}},
			},
		},
		"aux": map[string]any{"gain": 2},
	}

	payload, err := cbor.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	raw, ok := decodeMessage(payload, 1)
	if !ok {
		t.Fatalf("decodeMessage returned ok=false")
	}
	if raw.Type != "frame" || raw.Stream != types.Depth {
		t.Fatalf("unexpected header: %q %v", raw.Type, raw.Stream)
	}
	if raw.Info.Timestamp != 1234 || raw.Info.Sequence != 7 || raw.Info.Exposure != 500 {
		t.Fatalf("unexpected info: %+v", raw.Info)
	}
	if !bytes.Equal(raw.Pixels, []byte{10, 0, 20, 0}) {
		t.Fatalf("unexpected pixels: %v", raw.Pixels)
	}

	var aux map[string]int
	if err := cbor.Unmarshal(raw.Info.Aux, &aux); err != nil {
		t.Fatalf("aux decode error: %v", err)
	}
	if aux["gain"] != 2 {
		t.Fatalf("unexpected aux: %v", aux)
	}
}

func TestDecodeMessageMeta(t *testing.T) {
	payload, err := cbor.Marshal(map[string]any{"type": "start", "series": 3})
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	raw, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("DecodeMessage error: %v", err)
	}
	if raw.Type != "start" || raw.Stream != 0 {
		t.Fatalf("unexpected message: %+v", raw)
	}
	if raw.Meta["series"] != uint64(3) {
		t.Fatalf("unexpected meta: %v", raw.Meta)
	}
}

func TestDecodeMessageUnknownStream(t *testing.T) {
	payload, err := cbor.Marshal(map[string]any{
		"type":      "frame",
		"stream":    "thermal",
		"timestamp": 1,
		"pixels":    []byte{1},
	})
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	_, err = DecodeMessage(payload)
	if !errors.Is(err, types.ErrUnrecognizedStream) {
		t.Fatalf("expected unrecognized stream, got %v", err)
	}
}

func TestDecodeMessageCountsFailures(t *testing.T) {
	before := DecodeFailures()
	countBefore, _ := DecodeTiming()

	if _, ok := decodeMessage([]byte{0xff, 0x00}, 1000); ok {
		t.Fatalf("expected failure for garbage payload")
	}
	payload, _ := cbor.Marshal(map[string]any{"type": "frame", "stream": "color", "timestamp": 1})
	if _, ok := decodeMessage(payload, 1000); ok {
		t.Fatalf("expected failure for missing pixels")
	}
	payload, _ = cbor.Marshal(map[string]any{"stream": "color"})
	if _, ok := decodeMessage(payload, 1000); ok {
		t.Fatalf("expected failure for missing type")
	}

	if got := DecodeFailures() - before; got != 3 {
		t.Fatalf("expected 3 new failures, got %d", got)
	}
	if count, _ := DecodeTiming(); count-countBefore != 3 {
		t.Fatalf("expected 3 timed decodes, got %d", count-countBefore)
	}
}

func TestDecodeMessageFullRangeSequence(t *testing.T) {
	payload, err := cbor.Marshal(map[string]any{
		"type":      "frame",
		"stream":    "depth",
		"timestamp": 5,
		"sequence":  uint64(math.MaxUint64),
		"pixels":    []byte{0, 0},
	})
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	raw, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("DecodeMessage error: %v", err)
	}
	if raw.Info.Sequence != math.MaxUint64 {
		t.Fatalf("unexpected sequence: %d", raw.Info.Sequence)
	}
}

func TestDecodeMessageRejectsOutOfRangeNumbers(t *testing.T) {
	for name, fields := range map[string]map[string]any{
		"timestamp above int64": {"timestamp": uint64(math.MaxInt64) + 1},
		"timestamp NaN":         {"timestamp": math.NaN()},
		"timestamp infinite":    {"timestamp": math.Inf(1)},
		"timestamp fractional":  {"timestamp": 1.5},
		"sequence negative":     {"timestamp": 1, "sequence": -1},
		"exposure above int64":  {"timestamp": 1, "exposure": uint64(math.MaxUint64)},
	} {
		msg := map[string]any{"type": "frame", "stream": "depth", "pixels": []byte{0, 0}}
		for k, v := range fields {
			msg[k] = v
		}
		payload, err := cbor.Marshal(msg)
		if err != nil {
			t.Fatalf("%s: marshal error: %v", name, err)
		}
		if _, err := DecodeMessage(payload); !errors.Is(err, errIntRange) {
			t.Fatalf("%s: expected range error, got %v", name, err)
		}
	}
}

func TestToInt64Bounds(t *testing.T) {
	if n, err := toInt64(float64(-1 << 63)); err != nil || n != math.MinInt64 {
		t.Fatalf("min int64 as float: %d %v", n, err)
	}
	if _, err := toInt64(float64(1 << 63)); !errors.Is(err, errIntRange) {
		t.Fatalf("expected range error for 2^63, got %v", err)
	}
	if n, err := toInt64(uint64(math.MaxInt64)); err != nil || n != math.MaxInt64 {
		t.Fatalf("max int64 as uint64: %d %v", n, err)
	}
}
