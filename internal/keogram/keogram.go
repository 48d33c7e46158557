// Package keogram accumulates the centre column of every processed frame
// into a time-vs-elevation strip, one column per frame, flushed once per
// night (and optionally per day).
package keogram

import (
	"fmt"
	goimage "image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/allsky/internal/config"
	"github.com/mikeyg42/allsky/internal/image"
)

var tickColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// Keogram collects centre columns. Accept never fails upstream; an internal
// error resets the strip and logs.
type Keogram struct {
	cfg config.KeogramConfig
	dir string
	log *zap.Logger

	mu      sync.Mutex
	strip   gocv.Mat // height x maxFrames, CV_8UC3, preallocated on first frame
	col     int
	stamps  []time.Time
	dropped int
}

func New(cfg config.KeogramConfig, outputDir string, log *zap.Logger) *Keogram {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = 5760
	}
	return &Keogram{cfg: cfg, dir: outputDir, log: log.Named("keogram")}
}

func (k *Keogram) Name() string { return "keogram" }

// Accept appends the centre column of img. With a configured rotation the
// image is rotated about its centre first, so the sampled column follows the
// local meridian instead of the sensor's vertical.
func (k *Keogram) Accept(f *image.Frame, img gocv.Mat) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.strip.Ptr() == nil || k.strip.Rows() != img.Rows() {
		if k.strip.Ptr() != nil {
			k.log.Warn("frame geometry changed, resetting strip",
				zap.Int("old_rows", k.strip.Rows()), zap.Int("new_rows", img.Rows()))
			k.strip.Close()
		}
		k.strip = gocv.NewMatWithSize(img.Rows(), k.cfg.MaxFrames, gocv.MatTypeCV8UC3)
		k.col = 0
		k.stamps = k.stamps[:0]
	}

	if k.col >= k.cfg.MaxFrames {
		k.dropped++
		return
	}

	src := img
	if k.cfg.AngleDeg != 0 {
		centre := goimage.Pt(img.Cols()/2, img.Rows()/2)
		rot := gocv.GetRotationMatrix2D(centre, k.cfg.AngleDeg, 1.0)
		defer rot.Close()
		rotated := gocv.NewMat()
		defer rotated.Close()
		gocv.WarpAffine(img, &rotated, rot, goimage.Pt(img.Cols(), img.Rows()))
		src = rotated
	}

	column := src.ColRange(src.Cols()/2, src.Cols()/2+1)
	defer column.Close()
	dst := k.strip.ColRange(k.col, k.col+1)
	defer dst.Close()
	column.CopyTo(&dst)

	k.col++
	k.stamps = append(k.stamps, f.CapturedAt)
}

// Columns reports how many frames the strip currently holds.
func (k *Keogram) Columns() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.col
}

// Flush trims the strip to the accepted columns, draws hour ticks, applies
// the cosmetic resize and writes the image. night names the phase of the
// closed interval and keeps the two strips of one dayDate from colliding.
// The strip is reset afterwards.
func (k *Keogram) Flush(dayDate time.Time, night bool) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.col == 0 {
		return "", nil
	}
	if k.dropped > 0 {
		k.log.Warn("keogram frame budget exceeded", zap.Int("dropped", k.dropped))
	}

	out := k.strip.ColRange(0, k.col)
	defer out.Close()

	final := gocv.NewMat()
	defer final.Close()
	if k.cfg.OutputWidth > 0 && k.cfg.OutputWidth != k.col {
		gocv.Resize(out, &final, goimage.Pt(k.cfg.OutputWidth, out.Rows()), 0, 0, gocv.InterpolationLinear)
	} else {
		out.CopyTo(&final)
	}

	k.drawHourTicks(&final)

	phase := "day"
	if night {
		phase = "night"
	}
	dir := filepath.Join(k.dir, dayDate.Format("20060102"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		k.reset()
		return "", fmt.Errorf("creating keogram dir: %w", err)
	}
	path := filepath.Join(dir,
		fmt.Sprintf("allsky-keogram-%s-%s.jpg", dayDate.Format("20060102"), phase))
	if ok := gocv.IMWrite(path, final); !ok {
		k.reset()
		return "", fmt.Errorf("writing keogram %s failed", path)
	}

	cols := k.col
	k.reset()
	k.log.Info("keogram written", zap.String("path", path), zap.Int("columns", cols))
	return path, nil
}

// drawHourTicks marks each wall-clock hour boundary along the bottom edge.
func (k *Keogram) drawHourTicks(strip *gocv.Mat) {
	if len(k.stamps) < 2 {
		return
	}
	scale := float64(strip.Cols()) / float64(k.col)
	h := strip.Rows()
	for i := 1; i < len(k.stamps); i++ {
		if k.stamps[i].Hour() == k.stamps[i-1].Hour() {
			continue
		}
		x := int(float64(i) * scale)
		gocv.Line(strip, goimage.Pt(x, h-12), goimage.Pt(x, h-1), tickColor, 1)
		gocv.PutText(strip, fmt.Sprintf("%02d", k.stamps[i].Hour()),
			goimage.Pt(x+2, h-3), gocv.FontHersheyPlain, 0.8, tickColor, 1)
	}
}

func (k *Keogram) reset() {
	if k.strip.Ptr() != nil {
		k.strip.Close()
		k.strip = gocv.Mat{}
	}
	k.col = 0
	k.dropped = 0
	k.stamps = k.stamps[:0]
}

// Close releases the strip.
func (k *Keogram) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.reset()
}
