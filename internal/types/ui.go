package types

// FrameNotice describes a published frame without its pixels.
type FrameNotice struct {
	Stream    StreamKind `json:"stream"`
	Seq       uint64     `json:"seq"`
	Width     int        `json:"width"`
	Height    int        `json:"height"`
	Format    string     `json:"format"`
	Timestamp int64      `json:"timestamp"`
	Sequence  uint64     `json:"sequence"`
}

// FrameMessage is broadcast to websocket clients on every publish tick with new frames.
type FrameMessage struct {
	Type    string        `json:"type"`
	Frames  []FrameNotice `json:"frames"`
	Entries []TimeEntry   `json:"entries,omitempty"`
	Points  int           `json:"points"`
}

// MotionMessage carries the image-motion estimate for one correlated timestamp.
type MotionMessage struct {
	Type     string  `json:"type"`
	Local    int64   `json:"local"`
	External int64   `json:"external"`
	DX       float64 `json:"dx"`
	DY       float64 `json:"dy"`
	Spread   float64 `json:"spread"`
	Points   int     `json:"points"`
}

// NoticeFor builds the pixel-free description of f.
func NoticeFor(f *Frame) FrameNotice {
	return FrameNotice{
		Stream:    f.Kind,
		Seq:       f.Seq,
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format.String(),
		Timestamp: f.Info.Timestamp,
		Sequence:  f.Info.Sequence,
	}
}
