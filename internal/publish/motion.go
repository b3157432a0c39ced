package publish

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/stat"

	"sensorpipe-go/internal/types"
)

// ErrClockNotReady is returned by MotionPublisher.Start while the middleware
// clock has not been synchronised.
var ErrClockNotReady = errors.New("middleware clock not ready")

// Motion is the image-motion estimate of one correspondence.
type Motion struct {
	DX, DY float64 // mean displacement in pixels
	Spread float64 // standard deviation of displacement magnitudes
	Points int
}

// EstimateMotion summarises corr. An empty or inconsistent correspondence
// yields the zero Motion.
func EstimateMotion(corr types.Correspondence) Motion {
	n := corr.Len()
	if n == 0 {
		return Motion{}
	}
	dx := make([]float64, n)
	dy := make([]float64, n)
	mag := make([]float64, n)
	for i := 0; i < n; i++ {
		dx[i] = corr.Curr[i].X - corr.Prev[i].X
		dy[i] = corr.Curr[i].Y - corr.Prev[i].Y
		mag[i] = math.Hypot(dx[i], dy[i])
	}
	m := Motion{DX: stat.Mean(dx, nil), DY: stat.Mean(dy, nil), Points: n}
	if n > 1 {
		m.Spread = stat.StdDev(mag, nil)
	}
	return m
}

// MotionPublisher emits one motion message per correlated time entry, so
// consumers on the middleware clock can place the current image motion on
// their own timeline.
type MotionPublisher struct {
	node *Node
}

func NewMotionPublisher() *MotionPublisher { return &MotionPublisher{} }

func (p *MotionPublisher) Name() string { return "motion" }

func (p *MotionPublisher) NodeStarted(node *Node) { p.node = node }

func (p *MotionPublisher) Start() error {
	if p.node == nil || p.node.Messages == nil {
		return ErrNodeNotReady
	}
	if p.node.Clock == nil || !p.node.Clock.Ready() {
		return ErrClockNotReady
	}
	return nil
}

func (p *MotionPublisher) Publish(b Bundle) error {
	if len(b.Entries) == 0 {
		return nil
	}
	m := EstimateMotion(b.Correspondence)
	for _, e := range b.Entries {
		p.node.Send(types.MotionMessage{
			Type:     "motion",
			Local:    e.Local,
			External: e.External,
			DX:       m.DX,
			DY:       m.DY,
			Spread:   m.Spread,
			Points:   m.Points,
		})
	}
	return nil
}
