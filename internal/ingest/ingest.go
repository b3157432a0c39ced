package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"

	"sensorpipe-go/internal/types"
)

// RawRecorder receives every message before it is decoded.
type RawRecorder interface {
	Record(payload []byte) error
}

var (
	decodeFailures atomic.Uint64
	decodeCount    atomic.Uint64
	decodeNanos    atomic.Uint64
	logCounter     atomic.Uint64
)

// DecodeFailures counts messages that could not be decoded since start.
func DecodeFailures() uint64 {
	return decodeFailures.Load()
}

// DecodeTiming returns the number of decoded messages and the total time spent.
func DecodeTiming() (uint64, uint64) {
	return decodeCount.Load(), decodeNanos.Load()
}

// Stream returns a channel of messages from a ZeroMQ PUSH frame source.
// Expects CBOR messages shaped like
// { "type": "frame", "stream": "fisheye", "timestamp": <int>, "sequence": <int>, "exposure": <int>, "pixels": <bytes | tag 40/64/69>, "aux": <any> }
func Stream(ctx context.Context, endpoint string) (<-chan types.RawMessage, error) {
	return streamWithConfig(ctx, endpoint, 1, nil)
}

func StreamWithLogEvery(ctx context.Context, endpoint string, logEvery int) (<-chan types.RawMessage, error) {
	return StreamWithLogEveryAndRecorder(ctx, endpoint, logEvery, nil)
}

func StreamWithLogEveryAndRecorder(ctx context.Context, endpoint string, logEvery int, recorder RawRecorder) (<-chan types.RawMessage, error) {
	if logEvery < 1 {
		logEvery = 1
	}
	return streamWithConfig(ctx, endpoint, logEvery, recorder)
}

func streamWithConfig(ctx context.Context, endpoint string, logEvery int, recorder RawRecorder) (<-chan types.RawMessage, error) {
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, err
	}
	// Bounded receive so cancellation is noticed without a message arriving.
	if err := socket.SetRcvtimeo(250 * time.Millisecond); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}
	slog.Info("ingest connected", "endpoint", endpoint)

	out := make(chan types.RawMessage, 128)
	go func() {
		defer close(out)
		defer socket.Close()

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msg, err := socket.RecvBytes(0)
			if err != nil {
				if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
					continue
				}
				logEveryN(logEvery, "ingest recv error", "err", err)
				continue
			}
			if recorder != nil {
				if err := recorder.Record(msg); err != nil {
					logEveryN(logEvery, "raw log write failed", "err", err)
				}
			}

			raw, ok := decodeMessage(msg, logEvery)
			if !ok {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case out <- raw:
			}
		}
	}()

	return out, nil
}

func decodeMessage(msg []byte, logEvery int) (types.RawMessage, bool) {
	start := time.Now()
	raw, err := decodeEnvelope(msg)
	decodeCount.Add(1)
	decodeNanos.Add(uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		decodeFailures.Add(1)
		logEveryN(logEvery, "ingest decode skipped message", "err", err)
		return types.RawMessage{}, false
	}
	return raw, true
}

// DecodeMessage decodes one frame source message.
func DecodeMessage(msg []byte) (types.RawMessage, error) {
	return decodeEnvelope(msg)
}

func decodeEnvelope(msg []byte) (types.RawMessage, error) {
	var payload map[string]any
	if err := cbor.Unmarshal(msg, &payload); err != nil {
		return types.RawMessage{}, fmt.Errorf("CBOR decode: %w", err)
	}

	msgType, _ := payload["type"].(string)
	if msgType == "" {
		return types.RawMessage{}, errors.New("missing message type")
	}
	if msgType != "frame" {
		return types.RawMessage{Type: msgType, Meta: payload}, nil
	}

	name, _ := payload["stream"].(string)
	kind, err := types.ParseStreamKind(name)
	if err != nil {
		return types.RawMessage{}, err
	}
	timestamp, err := toInt64(payload["timestamp"])
	if err != nil {
		return types.RawMessage{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	info := types.FrameInfo{Timestamp: timestamp}
	if v, ok := payload["sequence"]; ok {
		seq, err := toUint64(v)
		if err != nil {
			return types.RawMessage{}, fmt.Errorf("invalid sequence: %w", err)
		}
		info.Sequence = seq
	}
	if v, ok := payload["exposure"]; ok {
		if info.Exposure, err = toInt64(v); err != nil {
			return types.RawMessage{}, fmt.Errorf("invalid exposure: %w", err)
		}
	}
	if v, ok := payload["aux"]; ok && v != nil {
		aux, err := cbor.Marshal(v)
		if err != nil {
			return types.RawMessage{}, fmt.Errorf("invalid aux: %w", err)
		}
		info.Aux = aux
	}

	pixels, err := decodePixels(payload["pixels"])
	if err != nil {
		return types.RawMessage{}, fmt.Errorf("%s pixels: %w", kind, err)
	}

	return types.RawMessage{
		Type:   msgType,
		Stream: kind,
		Pixels: pixels,
		Info:   info,
	}, nil
}

var errIntRange = errors.New("integer out of range")

func toInt(v any) (int, error) {
	n, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	if n < math.MinInt || n > math.MaxInt {
		return 0, fmt.Errorf("%w: %d", errIntRange, n)
	}
	return int(n), nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d", errIntRange, n)
		}
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case float64:
		// float64(math.MaxInt64) rounds up to 2^63, which does not fit.
		if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, fmt.Errorf("%w: %v", errIntRange, n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}

func toUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case float64:
		if n != math.Trunc(n) || n < 0 || n >= math.MaxUint64 {
			return 0, fmt.Errorf("%w: %v", errIntRange, n)
		}
		return uint64(n), nil
	default:
		i, err := toInt64(v)
		if err != nil {
			return 0, err
		}
		if i < 0 {
			return 0, fmt.Errorf("%w: %d", errIntRange, i)
		}
		return uint64(i), nil
	}
}

func logEveryN(n int, msg string, args ...any) {
	if n < 1 {
		n = 1
	}
	if logCounter.Add(1)%uint64(n) == 0 {
		slog.Warn(msg, args...)
	}
}
