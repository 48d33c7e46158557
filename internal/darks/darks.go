// Package darks manages the on-disk dark-frame library and its in-memory
// cache. Darks are keyed by bit depth, binning, gain, an exposure bucket and
// a sensor-temperature bucket; the image worker subtracts a matching dark
// with saturating arithmetic before any other processing.
package darks

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Key identifies one dark frame.
type Key struct {
	BitDepth   uint8
	Binning    int32
	Gain       int32
	ExposureS  int // bucketised exposure, seconds
	TempBucket int
}

func (k Key) String() string {
	return fmt.Sprintf("%ds/%dbit/gain%d/bin%d/t%d",
		k.ExposureS, k.BitDepth, k.Gain, k.Binning, k.TempBucket)
}

// Filename returns the canonical library filename for the key (temperature
// bucket 0 omits the suffix for compatibility with older libraries).
func (k Key) Filename(ext string) string {
	base := fmt.Sprintf("dark_%ds_%dbit_gain%d_bin%d", k.ExposureS, k.BitDepth, k.Gain, k.Binning)
	if k.TempBucket != 0 {
		base += fmt.Sprintf("_t%d", k.TempBucket)
	}
	return base + "." + ext
}

var darkFileRe = regexp.MustCompile(
	`^dark_(\d+)s_(\d+)bit_gain(\d+)_bin(\d+)(?:_t(-?\d+))?\.(png|tif|tiff)$`)

// Cache is the in-memory view of the library for the current regime.
type Cache struct {
	dir           string
	bucketSeconds float64
	tempBucketC   float64
	log           *zap.Logger

	mu     sync.Mutex
	frames map[Key]gocv.Mat
	missed map[Key]bool // log-once bookkeeping for missing darks
}

// NewCache creates a cache over a library directory.
func NewCache(dir string, bucketSeconds, tempBucketC float64, log *zap.Logger) *Cache {
	if bucketSeconds < 1 {
		bucketSeconds = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		dir:           dir,
		bucketSeconds: bucketSeconds,
		tempBucketC:   tempBucketC,
		log:           log.Named("darks"),
		frames:        make(map[Key]gocv.Mat),
		missed:        make(map[Key]bool),
	}
}

// BucketExposure rounds an exposure up to its library bucket; the library
// starts at 1 second.
func (c *Cache) BucketExposure(exposureSec float64) int {
	if exposureSec <= 1 {
		return 1
	}
	return int(math.Ceil(exposureSec/c.bucketSeconds) * c.bucketSeconds)
}

// BucketTemp maps a sensor temperature to its bucket index.
func (c *Cache) BucketTemp(tempC float64) int {
	if c.tempBucketC <= 0 {
		return 0
	}
	return int(math.Round(tempC / c.tempBucketC))
}

// KeyFor builds the lookup key for a capture.
func (c *Cache) KeyFor(bitDepth uint8, bin, gain int32, exposureSec float64, tempC float64) Key {
	return Key{
		BitDepth:   bitDepth,
		Binning:    bin,
		Gain:       gain,
		ExposureS:  c.BucketExposure(exposureSec),
		TempBucket: c.BucketTemp(tempC),
	}
}

// Reload scans the library directory, dropping any previously cached Mats.
// Called at startup and on regime reconfigure.
func (c *Cache) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, m := range c.frames {
		m.Close()
	}
	c.frames = make(map[Key]gocv.Mat)
	c.missed = make(map[Key]bool)

	entries, err := os.ReadDir(c.dir)
	if os.IsNotExist(err) {
		c.log.Info("dark library directory missing, calibration disabled",
			zap.String("dir", c.dir))
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading dark library %s: %w", c.dir, err)
	}

	loaded := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := darkFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		expS, _ := strconv.Atoi(m[1])
		bits, _ := strconv.Atoi(m[2])
		gain, _ := strconv.Atoi(m[3])
		bin, _ := strconv.Atoi(m[4])
		tempBucket := 0
		if m[5] != "" {
			tempBucket, _ = strconv.Atoi(m[5])
		}

		path := filepath.Join(c.dir, e.Name())
		mat := gocv.IMRead(path, gocv.IMReadAnyDepth)
		if mat.Empty() {
			c.log.Warn("unreadable dark frame", zap.String("path", path))
			continue
		}

		key := Key{
			BitDepth:   uint8(bits),
			Binning:    int32(bin),
			Gain:       int32(gain),
			ExposureS:  expS,
			TempBucket: tempBucket,
		}
		c.frames[key] = mat
		loaded++
	}

	c.log.Info("dark library loaded", zap.Int("frames", loaded), zap.String("dir", c.dir))
	return nil
}

// Subtract applies the matching dark to light in place with saturating
// arithmetic. Returns false when no dark matches; the first miss per key is
// logged, later misses are silent.
func (c *Cache) Subtract(light *gocv.Mat, key Key) bool {
	c.mu.Lock()
	dark, ok := c.frames[key]
	if !ok {
		// Fall back to the nearest temperature bucket for the same settings.
		best := 0
		for k, m := range c.frames {
			if k.BitDepth != key.BitDepth || k.Binning != key.Binning ||
				k.Gain != key.Gain || k.ExposureS != key.ExposureS {
				continue
			}
			dist := k.TempBucket - key.TempBucket
			if dist < 0 {
				dist = -dist
			}
			if !ok || dist < best {
				dark, ok, best = m, true, dist
			}
		}
	}
	if !ok {
		first := !c.missed[key]
		c.missed[key] = true
		c.mu.Unlock()
		if first {
			c.log.Info("no dark frame for capture settings", zap.String("key", key.String()))
		}
		return false
	}
	c.mu.Unlock()

	if dark.Rows() != light.Rows() || dark.Cols() != light.Cols() || dark.Type() != light.Type() {
		c.log.Warn("dark frame geometry mismatch",
			zap.String("key", key.String()),
			zap.Int("dark_rows", dark.Rows()),
			zap.Int("light_rows", light.Rows()))
		return false
	}

	// cv::subtract saturates on unsigned types; values never wrap.
	gocv.Subtract(*light, dark, light)
	return true
}

// Store writes a captured dark into the library and the cache.
func (c *Cache) Store(dark gocv.Mat, key Key, ext string) (string, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating dark library dir: %w", err)
	}
	path := filepath.Join(c.dir, key.Filename(ext))
	if ok := gocv.IMWrite(path, dark); !ok {
		return "", fmt.Errorf("writing dark frame %s failed", path)
	}

	kept := gocv.NewMat()
	dark.CopyTo(&kept)

	c.mu.Lock()
	if old, ok := c.frames[key]; ok {
		old.Close()
	}
	c.frames[key] = kept
	delete(c.missed, key)
	c.mu.Unlock()

	return path, nil
}

// Close releases all cached Mats.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.frames {
		m.Close()
	}
	c.frames = make(map[Key]gocv.Mat)
}
