// Package simulator produces synthetic frames for all three streams so the
// pipeline can run without hardware.
package simulator

import (
	"context"
	"encoding/binary"
	"math"
	"math/rand"
	"time"

	"sensorpipe-go/internal/frames"
	"sensorpipe-go/internal/types"
)

const (
	textureBlock  = 8
	orbitRadius   = 40.0
	orbitPeriod   = 240 // frames per revolution
	noiseSigma    = 2.0
	fishExposure  = int64(8 * time.Millisecond)
	depthPlaneMin = 800.0 // millimetres
)

// Stream emits one frame per stream on every tick at fps frames per second.
// The fisheye image is a block texture moving on a circle, so a tracker sees
// steady motion; depth is a tilted plane with a few dropout pixels.
func Stream(ctx context.Context, fps float64) <-chan types.RawMessage {
	if fps <= 0 {
		fps = 30
	}
	out := make(chan types.RawMessage, len(types.Streams))
	go func() {
		defer close(out)

		ticker := time.NewTicker(time.Duration(float64(time.Second) / fps))
		defer ticker.Stop()

		g := newGenerator(rand.New(rand.NewSource(1)))
		var seq uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				seq++
				now := time.Now().UnixNano()
				for _, msg := range g.frames(seq, now) {
					select {
					case <-ctx.Done():
						return
					case out <- msg:
					}
				}
			}
		}
	}()
	return out
}

type generator struct {
	rng     *rand.Rand
	fish    frames.Format
	color   frames.Format
	depth   frames.Format
	texture []byte
	texW    int
	texH    int
}

func newGenerator(rng *rand.Rand) *generator {
	fish, _ := frames.FormatFor(types.FishEye)
	color, _ := frames.FormatFor(types.Color)
	depth, _ := frames.FormatFor(types.Depth)

	g := &generator{rng: rng, fish: fish, color: color, depth: depth}
	g.texW = fish.Width + 2*int(orbitRadius) + 2
	g.texH = fish.Height + 2*int(orbitRadius) + 2
	g.texture = make([]byte, g.texW*g.texH)
	blocksX := (g.texW + textureBlock - 1) / textureBlock
	blocks := make([]byte, blocksX*((g.texH+textureBlock-1)/textureBlock))
	for i := range blocks {
		blocks[i] = byte(30 + rng.Intn(190))
	}
	for y := 0; y < g.texH; y++ {
		for x := 0; x < g.texW; x++ {
			g.texture[y*g.texW+x] = blocks[(y/textureBlock)*blocksX+x/textureBlock]
		}
	}
	return g
}

func (g *generator) frames(seq uint64, now int64) []types.RawMessage {
	return []types.RawMessage{
		g.message(types.FishEye, g.fishEye(seq), seq, now, fishExposure),
		g.message(types.Color, g.colorFrame(seq), seq, now, 0),
		g.message(types.Depth, g.depthFrame(seq), seq, now, 0),
	}
}

func (g *generator) message(kind types.StreamKind, pix []byte, seq uint64, now, exposure int64) types.RawMessage {
	return types.RawMessage{
		Type:   "frame",
		Stream: kind,
		Pixels: pix,
		Info:   types.FrameInfo{Timestamp: now, Sequence: seq, Exposure: exposure},
	}
}

// origin is the texture offset of frame seq.
func origin(seq uint64) (int, int) {
	angle := 2 * math.Pi * float64(seq%orbitPeriod) / orbitPeriod
	x := orbitRadius + 1 + orbitRadius*math.Cos(angle)
	y := orbitRadius + 1 + orbitRadius*math.Sin(angle)
	return int(math.Round(x)), int(math.Round(y))
}

func (g *generator) fishEye(seq uint64) []byte {
	ox, oy := origin(seq)
	w, h := g.fish.Width, g.fish.Height
	pix := make([]byte, g.fish.Size())
	for y := 0; y < h; y++ {
		row := g.texture[(y+oy)*g.texW+ox:]
		for x := 0; x < w; x++ {
			v := float64(row[x]) + g.rng.NormFloat64()*noiseSigma
			pix[y*w+x] = clampByte(v)
		}
	}
	return pix
}

func (g *generator) colorFrame(seq uint64) []byte {
	w, h := g.color.Width, g.color.Height
	pix := make([]byte, g.color.Size())
	shift := int(seq % 256)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 4
			pix[i] = byte((x + shift) * 255 / (w + 255))
			pix[i+1] = byte(y * 255 / h)
			pix[i+2] = byte(255 - shift)
			pix[i+3] = 0xff
		}
	}
	return pix
}

func (g *generator) depthFrame(seq uint64) []byte {
	w, h := g.depth.Width, g.depth.Height
	pix := make([]byte, g.depth.Size())
	tilt := 2 + math.Sin(float64(seq)/30)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var v uint16
			// Roughly one pixel in a hundred has no return.
			if g.rng.Intn(100) != 0 {
				d := depthPlaneMin + tilt*float64(y) + 0.5*float64(x) + g.rng.NormFloat64()*noiseSigma
				v = uint16(math.Max(1, math.Min(d, math.MaxUint16-1)))
			}
			binary.LittleEndian.PutUint16(pix[(y*w+x)*2:], v)
		}
	}
	return pix
}

func clampByte(v float64) byte {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return byte(v)
	}
}
