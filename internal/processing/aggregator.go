package processing

import (
	"sync"

	"sensorpipe-go/internal/types"
)

// StreamStats is the running view of one stream as seen by the publish loop.
type StreamStats struct {
	Frames        uint64  `json:"frames"`
	Observed      uint64  `json:"observed"`
	LastSeq       uint64  `json:"last_seq"`
	LastTimestamp int64   `json:"last_timestamp"`
	Rate          float64 `json:"rate_hz"`
	Last          Summary `json:"last"`
}

// rateSmoothing weights the newest rate sample in the moving average.
const rateSmoothing = 0.2

// Aggregator keeps StreamStats per stream. Frames are sampled: gaps in Seq
// count towards Frames and the rate, only sampled frames are summarised.
type Aggregator struct {
	mu   sync.Mutex
	data map[types.StreamKind]*StreamStats
}

func NewAggregator() *Aggregator {
	return &Aggregator{data: make(map[types.StreamKind]*StreamStats)}
}

// AddFrame records f. Frames not newer than the last recorded one are
// ignored and reported as false.
func (a *Aggregator) AddFrame(f *types.Frame) bool {
	if f == nil {
		return false
	}
	summary := Summarize(f)

	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.data[f.Kind]
	if !ok {
		st = &StreamStats{}
		a.data[f.Kind] = st
	}
	if f.Seq <= st.LastSeq {
		return false
	}

	if st.Observed > 0 {
		frames := float64(f.Seq - st.LastSeq)
		elapsed := float64(f.Info.Timestamp-st.LastTimestamp) / 1e9
		if elapsed > 0 {
			sample := frames / elapsed
			if st.Rate == 0 {
				st.Rate = sample
			} else {
				st.Rate += rateSmoothing * (sample - st.Rate)
			}
		}
	}
	st.Frames = f.Seq
	st.Observed++
	st.LastSeq = f.Seq
	st.LastTimestamp = f.Info.Timestamp
	st.Last = summary
	return true
}

func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data = make(map[types.StreamKind]*StreamStats)
}

// Snapshot copies the stats keyed by stream name.
func (a *Aggregator) Snapshot() map[string]StreamStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]StreamStats, len(a.data))
	for kind, st := range a.data {
		out[kind.String()] = *st
	}
	return out
}
