package tracking

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"sensorpipe-go/internal/types"
)

// PatchConfig tunes PatchTracker. Zero fields take the defaults below.
type PatchConfig struct {
	MaxCorners   int     // keypoints per cycle
	CellSize     int     // at most one keypoint per CellSize x CellSize cell
	PatchRadius  int     // SAD window is (2r+1)^2
	SearchRadius int     // max displacement in pixels per axis
	MinScore     float64 // min Shi-Tomasi eigenvalue, per window pixel
	MaxMeanDiff  float64 // max mean absolute difference of an accepted match
	OutlierSigma float64 // displacement outliers beyond mean +- k*stddev are dropped
}

// DefaultPatchConfig returns the configuration used by the service.
func DefaultPatchConfig() PatchConfig {
	return PatchConfig{
		MaxCorners:   200,
		CellSize:     32,
		PatchRadius:  3,
		SearchRadius: 12,
		MinScore:     25,
		MaxMeanDiff:  12,
		OutlierSigma: 2.5,
	}
}

func (c PatchConfig) withDefaults() PatchConfig {
	d := DefaultPatchConfig()
	if c.MaxCorners <= 0 {
		c.MaxCorners = d.MaxCorners
	}
	if c.CellSize <= 0 {
		c.CellSize = d.CellSize
	}
	if c.PatchRadius <= 0 {
		c.PatchRadius = d.PatchRadius
	}
	if c.SearchRadius <= 0 {
		c.SearchRadius = d.SearchRadius
	}
	if c.MinScore <= 0 {
		c.MinScore = d.MinScore
	}
	if c.MaxMeanDiff <= 0 {
		c.MaxMeanDiff = d.MaxMeanDiff
	}
	if c.OutlierSigma <= 0 {
		c.OutlierSigma = d.OutlierSigma
	}
	return c
}

// PatchTracker finds Shi-Tomasi corners in the previous gray frame and
// locates each in the current frame by block matching. It keeps no state
// between calls.
type PatchTracker struct {
	cfg PatchConfig
}

// NewPatchTracker returns a tracker for cfg.
func NewPatchTracker(cfg PatchConfig) *PatchTracker {
	return &PatchTracker{cfg: cfg.withDefaults()}
}

type corner struct {
	x, y  int
	score float64
}

// Track implements Tracker. The first call (prev == nil) yields an empty
// correspondence.
func (t *PatchTracker) Track(prev, curr *types.Frame) (types.Correspondence, error) {
	if err := t.checkGray(curr); err != nil {
		return types.Correspondence{}, err
	}
	if prev == nil {
		return types.Correspondence{}, nil
	}
	if err := t.checkGray(prev); err != nil {
		return types.Correspondence{}, err
	}
	if prev.Width != curr.Width || prev.Height != curr.Height {
		return types.Correspondence{}, fmt.Errorf("%w: frame size changed from %dx%d to %dx%d",
			ErrTrackingDegenerate, prev.Width, prev.Height, curr.Width, curr.Height)
	}

	corners := t.corners(prev)
	out := types.Correspondence{
		Prev: make([]types.Point, 0, len(corners)),
		Curr: make([]types.Point, 0, len(corners)),
	}
	for _, c := range corners {
		p, ok := t.match(prev, curr, c)
		if !ok {
			continue
		}
		out.Prev = append(out.Prev, types.Point{X: float64(c.x), Y: float64(c.y)})
		out.Curr = append(out.Curr, p)
	}
	return t.rejectOutliers(out), nil
}

func (t *PatchTracker) checkGray(f *types.Frame) error {
	if f == nil {
		return fmt.Errorf("%w: no frame", ErrTrackingDegenerate)
	}
	if f.Format != types.Gray8 {
		return fmt.Errorf("%w: need %s frame, got %s", ErrTrackingDegenerate, types.Gray8, f.Format)
	}
	if len(f.Pix) < f.Width*f.Height {
		return fmt.Errorf("%w: %d bytes for %dx%d", ErrTrackingDegenerate, len(f.Pix), f.Width, f.Height)
	}
	return nil
}

// corners returns the strongest corner of each grid cell, best first.
func (t *PatchTracker) corners(f *types.Frame) []corner {
	w, h := f.Width, f.Height
	margin := t.cfg.PatchRadius + 2
	if w <= 2*margin || h <= 2*margin {
		return nil
	}

	gx := make([]float64, w*h)
	gy := make([]float64, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			gx[i] = (float64(f.Pix[i+1]) - float64(f.Pix[i-1])) / 2
			gy[i] = (float64(f.Pix[i+w]) - float64(f.Pix[i-w])) / 2
		}
	}

	const win = 2
	area := float64((2*win + 1) * (2*win + 1))
	cell := t.cfg.CellSize
	var found []corner
	for cy := 0; cy < h; cy += cell {
		for cx := 0; cx < w; cx += cell {
			best := corner{score: t.cfg.MinScore}
			ok := false
			for y := max(cy, margin); y < min(cy+cell, h-margin); y += 2 {
				for x := max(cx, margin); x < min(cx+cell, w-margin); x += 2 {
					var a, b, c float64
					for dy := -win; dy <= win; dy++ {
						row := (y + dy) * w
						for dx := -win; dx <= win; dx++ {
							ix, iy := gx[row+x+dx], gy[row+x+dx]
							a += ix * ix
							b += ix * iy
							c += iy * iy
						}
					}
					a, b, c = a/area, b/area, c/area
					score := (a+c)/2 - math.Sqrt((a-c)*(a-c)/4+b*b)
					if score > best.score {
						best = corner{x: x, y: y, score: score}
						ok = true
					}
				}
			}
			if ok {
				found = append(found, best)
			}
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].score > found[j].score })
	if len(found) > t.cfg.MaxCorners {
		found = found[:t.cfg.MaxCorners]
	}
	return found
}

// match searches curr around c for the patch of prev centred on c. The
// integer best is refined to sub-pixel precision with a parabola fit.
func (t *PatchTracker) match(prev, curr *types.Frame, c corner) (types.Point, bool) {
	r, s := t.cfg.PatchRadius, t.cfg.SearchRadius
	w, h := curr.Width, curr.Height

	lo := func(v int) int { return max(-s, r-v) }
	hiX, hiY := min(s, w-1-r-c.x), min(s, h-1-r-c.y)
	loX, loY := lo(c.x), lo(c.y)
	if loX > hiX || loY > hiY {
		return types.Point{}, false
	}

	sad := func(ox, oy int) float64 {
		var sum int
		for dy := -r; dy <= r; dy++ {
			pr := (c.y+dy)*w + c.x
			cr := (c.y+oy+dy)*w + c.x + ox
			for dx := -r; dx <= r; dx++ {
				d := int(prev.Pix[pr+dx]) - int(curr.Pix[cr+dx])
				if d < 0 {
					d = -d
				}
				sum += d
			}
		}
		return float64(sum)
	}

	best, bx, by := math.Inf(1), 0, 0
	for oy := loY; oy <= hiY; oy++ {
		for ox := loX; ox <= hiX; ox++ {
			if v := sad(ox, oy); v < best {
				best, bx, by = v, ox, oy
			}
		}
	}
	area := float64((2*r + 1) * (2*r + 1))
	if best/area > t.cfg.MaxMeanDiff {
		return types.Point{}, false
	}

	fx, fy := float64(bx), float64(by)
	if bx > loX && bx < hiX {
		fx += vertex(sad(bx-1, by), best, sad(bx+1, by))
	}
	if by > loY && by < hiY {
		fy += vertex(sad(bx, by-1), best, sad(bx, by+1))
	}
	return types.Point{X: float64(c.x) + fx, Y: float64(c.y) + fy}, true
}

// vertex is the offset in [-0.5, 0.5] of the minimum of the parabola through
// (-1, l), (0, m), (1, r).
func vertex(l, m, r float64) float64 {
	den := l - 2*m + r
	if den <= 0 {
		return 0
	}
	off := (l - r) / (2 * den)
	return math.Max(-0.5, math.Min(0.5, off))
}

// rejectOutliers drops pairs whose displacement magnitude is further than
// OutlierSigma standard deviations from the mean.
func (t *PatchTracker) rejectOutliers(c types.Correspondence) types.Correspondence {
	if len(c.Prev) < 3 {
		return c
	}
	mags := make([]float64, len(c.Prev))
	for i := range c.Prev {
		mags[i] = math.Hypot(c.Curr[i].X-c.Prev[i].X, c.Curr[i].Y-c.Prev[i].Y)
	}
	mean, std := stat.MeanStdDev(mags, nil)
	if std == 0 || math.IsNaN(std) {
		return c
	}
	limit := t.cfg.OutlierSigma * std
	out := types.Correspondence{
		Prev: make([]types.Point, 0, len(c.Prev)),
		Curr: make([]types.Point, 0, len(c.Curr)),
	}
	for i, m := range mags {
		if math.Abs(m-mean) > limit {
			continue
		}
		out.Prev = append(out.Prev, c.Prev[i])
		out.Curr = append(out.Curr, c.Curr[i])
	}
	return out
}
