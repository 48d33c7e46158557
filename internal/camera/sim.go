package camera

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// SimConfig configures the synthetic backend.
type SimConfig struct {
	Width    uint32
	Height   uint32
	BitDepth uint8
	Bayer    BayerPattern
	Seed     int64
	// Stars is the number of synthetic stars rendered per frame.
	Stars int
	// SkyADU maps an exposure to the mean sky level the sensor would see.
	// Nil defaults to a linear response with full well at the max exposure.
	SkyADU func(exposureSec float32) float64
	// Temp is the reported sensor temperature.
	Temp float32
}

// Sim is a deterministic synthetic camera used by tests and dry runs. Frames
// contain a radial gradient sky, Poisson-ish noise and a seeded star field,
// so the downstream statistics and star detection have something real to
// chew on.
type Sim struct {
	cfg SimConfig
	rng *rand.Rand

	mu        sync.Mutex
	connected bool
	gain      int32
	binning   int32
	frameType FrameType
	pending   *Blob
	shotAt    time.Time
}

// NewSim creates the synthetic backend.
func NewSim(cfg SimConfig) *Sim {
	if cfg.Width == 0 {
		cfg.Width = 640
	}
	if cfg.Height == 0 {
		cfg.Height = 480
	}
	if cfg.BitDepth == 0 {
		cfg.BitDepth = 16
	}
	if cfg.Stars == 0 {
		cfg.Stars = 40
	}
	return &Sim{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		binning: 1,
	}
}

func (s *Sim) Connect(endpoint string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return Info{
		Name:           "sim",
		PixelSizeUm:    2.9,
		MinExposureSec: 0.000001,
		MaxExposureSec: 60.0,
		DefExposureSec: 1.0,
		BitDepth:       s.cfg.BitDepth,
		Width:          s.cfg.Width,
		Height:         s.cfg.Height,
		Bayer:          s.cfg.Bayer,
		HasTempSensor:  true,
	}, nil
}

func (s *Sim) SetGain(gain int32) error {
	if gain < 0 || gain > 600 {
		return fmt.Errorf("gain %d: %w", gain, ErrOutOfRange)
	}
	s.mu.Lock()
	s.gain = gain
	s.mu.Unlock()
	return nil
}

func (s *Sim) SetBinning(bin int32) error {
	if bin < 1 || bin > 4 {
		return fmt.Errorf("binning %d: %w", bin, ErrOutOfRange)
	}
	s.mu.Lock()
	s.binning = bin
	s.mu.Unlock()
	return nil
}

func (s *Sim) SetFrameType(ft FrameType) error {
	s.mu.Lock()
	s.frameType = ft
	s.mu.Unlock()
	return nil
}

func (s *Sim) SensorTemp() (float32, error) {
	return s.cfg.Temp, nil
}

// Shoot renders the frame immediately; the synthetic sensor has no readout
// latency, which keeps tests fast.
func (s *Sim) Shoot(ctx context.Context, exposureSec float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return ErrNotConnected
	}
	if s.pending != nil {
		return ErrShootPending
	}

	s.pending = s.render(exposureSec)
	s.shotAt = time.Now().UTC()
	return nil
}

func (s *Sim) WaitBlob(ctx context.Context) (*Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return nil, ErrNoShootActive
	}
	select {
	case <-ctx.Done():
		s.pending = nil
		return nil, ErrTimeout
	default:
	}

	blob := s.pending
	blob.CapturedAt = s.shotAt
	s.pending = nil
	return blob, nil
}

func (s *Sim) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.pending = nil
	return nil
}

// render builds one synthetic frame at the configured depth.
func (s *Sim) render(exposureSec float32) *Blob {
	w := int(s.cfg.Width) / int(s.binning)
	h := int(s.cfg.Height) / int(s.binning)
	maxVal := float64(uint64(1)<<s.cfg.BitDepth - 1)

	var sky float64
	if s.cfg.SkyADU != nil {
		sky = s.cfg.SkyADU(exposureSec)
	} else {
		sky = maxVal * float64(exposureSec) / 60.0 * (1.0 + float64(s.gain)/200.0)
	}
	if s.frameType == FrameDark {
		sky = maxVal * 0.002 // read noise floor only
	}

	cx, cy := float64(w)/2, float64(h)/2
	maxR := math.Hypot(cx, cy)

	samples := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// Vignetted sky: brighter at the zenith (centre).
			r := math.Hypot(float64(x)-cx, float64(y)-cy) / maxR
			v := sky * (1.0 - 0.35*r*r)
			v += s.rng.NormFloat64() * math.Sqrt(math.Max(v, 1.0)) * 0.05
			samples[y*w+x] = v
		}
	}

	if s.frameType == FrameLight {
		starPeak := maxVal * 0.85
		for i := 0; i < s.cfg.Stars; i++ {
			sx := s.rng.Intn(w)
			sy := s.rng.Intn(h)
			// A 5x5 Gaussian-ish PSF.
			for dy := -2; dy <= 2; dy++ {
				for dx := -2; dx <= 2; dx++ {
					x, y := sx+dx, sy+dy
					if x < 0 || y < 0 || x >= w || y >= h {
						continue
					}
					fall := math.Exp(-float64(dx*dx+dy*dy) / 2.0)
					samples[y*w+x] += starPeak * fall
				}
			}
		}
	}

	if s.cfg.BitDepth <= 8 {
		data := make([]byte, w*h)
		for i, v := range samples {
			data[i] = byte(clampF(v, 0, maxVal))
		}
		return &Blob{
			Data: data, BitDepth: s.cfg.BitDepth,
			Width: uint32(w), Height: uint32(h),
			Bayer: s.cfg.Bayer, ExposureSec: exposureSec,
			Gain: s.gain, Binning: s.binning,
		}
	}

	data := make([]byte, w*h*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(clampF(v, 0, maxVal)))
	}
	return &Blob{
		Data: data, BitDepth: s.cfg.BitDepth,
		Width: uint32(w), Height: uint32(h),
		Bayer: s.cfg.Bayer, ExposureSec: exposureSec,
		Gain: s.gain, Binning: s.binning,
	}
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
