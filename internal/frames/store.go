// Package frames holds the per-stream frame windows: ingestion of raw
// hardware frames and read access for the tracker, preview and publishers.
//
// Ingest for a given stream must be called by one goroutine at a time (the
// hardware delivers one frame per stream at a time); different streams may be
// ingested concurrently. All read methods are safe from any goroutine and
// return snapshots taken at call time.
package frames

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"

	"sensorpipe-go/internal/ring"
	"sensorpipe-go/internal/types"
)

var (
	// ErrShortBuffer is returned when a payload is smaller than the stream's frame size.
	ErrShortBuffer = errors.New("frame payload too short")
	// ErrBufferEmpty marks a stream that has not received a frame yet. Newest
	// never returns it; it substitutes a placeholder.
	ErrBufferEmpty = errors.New("no frame received")
)

// DefaultCapacity is the number of frames kept per stream.
const DefaultCapacity = 30

const streamCount = len(types.Streams)

// Store is the owned frame state of one pipeline run.
type Store struct {
	rings    [streamCount]*ring.Buffer[*types.Frame]
	pending  [streamCount]atomic.Int64
	seq      [streamCount]atomic.Uint64
	rejected atomic.Uint64
	corr     atomic.Pointer[types.Correspondence]
}

// StreamStats is a per-stream snapshot.
type StreamStats struct {
	Ingested uint64 `json:"ingested"`
	Buffered int    `json:"buffered"`
	Pending  int64  `json:"pending"`
}

// Stats is a snapshot of the whole store.
type Stats struct {
	Streams  map[types.StreamKind]StreamStats `json:"streams"`
	Rejected uint64                           `json:"rejected"`
	Points   int                              `json:"points"`
}

// NewStore creates a store keeping capacity frames per stream.
func NewStore(capacity int) (*Store, error) {
	s := &Store{}
	for i := range s.rings {
		buf, err := ring.New[*types.Frame](capacity, true)
		if err != nil {
			return nil, err
		}
		s.rings[i] = buf
	}
	s.corr.Store(&types.Correspondence{})
	return s, nil
}

// Ingest decodes raw into a Frame of kind, makes it the stream's newest frame
// and bumps the stream's pending counter. raw is copied; the caller may reuse
// it once Ingest returns. A rejected frame leaves every stream unchanged.
func (s *Store) Ingest(kind types.StreamKind, raw []byte, info types.FrameInfo) (*types.Frame, error) {
	idx, err := kind.Index()
	if err != nil {
		s.rejected.Add(1)
		return nil, err
	}
	format, err := FormatFor(kind)
	if err != nil {
		s.rejected.Add(1)
		return nil, err
	}
	size := format.Size()
	if len(raw) < size {
		s.rejected.Add(1)
		return nil, fmt.Errorf("%w: %s frame needs %d bytes, got %d", ErrShortBuffer, kind, size, len(raw))
	}

	pix := make([]byte, size)
	copy(pix, raw[:size])
	info.Aux = bytes.Clone(info.Aux)

	frame := &types.Frame{
		Kind:   kind,
		Format: format.Pixel,
		Width:  format.Width,
		Height: format.Height,
		Pix:    pix,
		Info:   info,
		Seq:    s.seq[idx].Add(1),
	}
	s.rings[idx].Enqueue(frame)
	s.pending[idx].Add(1)
	return frame, nil
}

// Pending returns the number of frames ingested for kind since the counter
// was last taken. Unknown kinds report 0.
func (s *Store) Pending(kind types.StreamKind) int64 {
	idx, err := kind.Index()
	if err != nil {
		return 0
	}
	return s.pending[idx].Load()
}

// TakePending returns the pending count for kind and resets it to zero.
func (s *Store) TakePending(kind types.StreamKind) int64 {
	idx, err := kind.Index()
	if err != nil {
		return 0
	}
	return s.pending[idx].Swap(0)
}

// Peek returns the frame offset positions back from the newest of kind.
func (s *Store) Peek(kind types.StreamKind, offset int) (*types.Frame, bool) {
	idx, err := kind.Index()
	if err != nil {
		return nil, false
	}
	return s.rings[idx].Peek(offset)
}

// SetCorrespondence replaces the correspondence shown on annotated frames.
// Inconsistent values are refused so readers never observe them.
func (s *Store) SetCorrespondence(c types.Correspondence) bool {
	if !c.Consistent() {
		return false
	}
	s.corr.Store(&c)
	return true
}

// Correspondence returns the last stored correspondence.
func (s *Store) Correspondence() types.Correspondence {
	return *s.corr.Load()
}

// Stats returns counters for every stream.
func (s *Store) Stats() Stats {
	out := Stats{
		Streams:  make(map[types.StreamKind]StreamStats, streamCount),
		Rejected: s.rejected.Load(),
		Points:   s.Correspondence().Len(),
	}
	for i, kind := range types.Streams {
		out.Streams[kind] = StreamStats{
			Ingested: s.seq[i].Load(),
			Buffered: s.rings[i].Len(),
			Pending:  s.pending[i].Load(),
		}
	}
	return out
}
