// Package config loads and validates the allsky daemon configuration. A
// config is fully validated before it is handed to any component; a reload
// that fails validation is discarded and the previous config stays live.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the complete daemon configuration.
type Config struct {
	Location   LocationConfig   `json:"location"`
	Camera     CameraConfig     `json:"camera"`
	Capture    CaptureConfig    `json:"capture"`
	CCD        CCDConfig        `json:"ccd"`
	Image      ImageConfig      `json:"image"`
	Darks      DarksConfig      `json:"darks"`
	Keogram    KeogramConfig    `json:"keogram"`
	StarTrails StarTrailsConfig `json:"startrails"`
	Lightgraph LightgraphConfig `json:"lightgraph"`
	Timelapse  TimelapseConfig  `json:"timelapse"`
	Database   DatabaseConfig   `json:"database"`
	Upload     UploadConfig     `json:"upload"`
	Hooks      HooksConfig      `json:"hooks"`
}

// LocationConfig describes the observer.
type LocationConfig struct {
	LatitudeDeg  float64 `json:"latitude_deg"`
	LongitudeDeg float64 `json:"longitude_deg"`
	ElevationM   float64 `json:"elevation_m"`
	Timezone     string  `json:"timezone"` // display only; all decisions are UTC
}

// CameraConfig selects and addresses the camera backend.
type CameraConfig struct {
	ID       int    `json:"id"`
	Backend  string `json:"backend"` // "libcamera" or "sim"
	Endpoint string `json:"endpoint"`
}

// CaptureConfig drives the capture loop cadence and the auto-exposure
// controller.
type CaptureConfig struct {
	PeriodSec            float64 `json:"period_sec"`
	DaytimeCapture       bool    `json:"daytime_capture"`
	DaytimeIdlePeriodSec float64 `json:"daytime_idle_period_sec"`

	ExposureMinSec float64 `json:"exposure_min_sec"`
	ExposureMaxSec float64 `json:"exposure_max_sec"`
	ExposureDefSec float64 `json:"exposure_def_sec"`

	// ADU targets are on the 8-bit scale; observations from deeper
	// sensors are rescaled before comparison.
	TargetADUDay   float64 `json:"target_adu_day"`
	TargetADUNight float64 `json:"target_adu_night"`
	TargetADUDev   float64 `json:"target_adu_dev"`

	// Regime thresholds.
	NightSunAltDeg       float64 `json:"night_sun_alt_deg"`
	MoonModeAltDeg       float64 `json:"night_moonmode_alt_deg"`
	MoonModePhasePct     float64 `json:"night_moonmode_phase_pct"`
	ShootTimeoutMinSec   float64 `json:"shoot_timeout_min_sec"`
	GenerateDayTimelapse bool    `json:"generate_day_timelapse"`
}

// RegimeCCD is the per-regime camera configuration.
type RegimeCCD struct {
	Gain    int32 `json:"gain"`
	Binning int32 `json:"binning"`
}

// CCDConfig holds per-regime camera settings.
type CCDConfig struct {
	Day      RegimeCCD `json:"day"`
	Night    RegimeCCD `json:"night"`
	MoonMode RegimeCCD `json:"moonmode"`
}

// ROI is a pixel rectangle; a zero ROI means "use the central quarter".
type ROI struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// IsZero reports whether the ROI is unset.
func (r ROI) IsZero() bool { return r.Width == 0 || r.Height == 0 }

// ImageConfig controls the per-frame processing pipeline.
type ImageConfig struct {
	OutputDir string `json:"output_dir"`
	Format    string `json:"format"` // jpg, png, webp
	Quality   int    `json:"quality"`

	StretchMode int     `json:"stretch_mode"` // 0 off, 1 stddev cutoff, 2 MTF
	Gamma       float64 `json:"gamma"`
	StdDevK     float64 `json:"stddev_k"`
	MTFShadows  float64 `json:"mtf_shadows"`
	MTFMidtones float64 `json:"mtf_midtones"`
	MTFHighs    float64 `json:"mtf_highlights"`
	MTFBlack    float64 `json:"mtf_black_clip"`

	SCNR bool `json:"scnr"`

	SQMRegion ROI `json:"sqm_region"`

	DetectStars       bool    `json:"detect_stars"`
	StarMatchScore    float64 `json:"star_match_score"`
	StarDedupDistance int     `json:"star_dedup_distance"`

	Annotate       bool    `json:"annotate"`
	CardinalDirs   bool    `json:"cardinal_dirs"`
	LensAzimuthDeg float64 `json:"lens_azimuth_deg"`
	FlipHorizontal bool    `json:"flip_horizontal"`
	FlipVertical   bool    `json:"flip_vertical"`
	LabelMarginPx  int     `json:"label_margin_px"`
}

// DarksConfig controls the dark-frame library.
type DarksConfig struct {
	Enabled       bool    `json:"enabled"`
	Dir           string  `json:"dir"`
	BucketSeconds float64 `json:"bucket_seconds"`
	TempBucketC   float64 `json:"temp_bucket_c"`
}

// KeogramConfig controls the keogram aggregator.
type KeogramConfig struct {
	Enabled     bool    `json:"enabled"`
	AngleDeg    float64 `json:"angle_deg"`
	OutputWidth int     `json:"output_width"` // 0 = no cosmetic resize
	MaxFrames   int     `json:"max_frames"`
}

// StarTrailsConfig holds the star-trail acceptance gate.
type StarTrailsConfig struct {
	Enabled            bool    `json:"enabled"`
	MaxADU             float64 `json:"max_adu"`
	SunAltThresholdDeg float64 `json:"sun_alt_threshold_deg"`
	MoonAltThreshold   float64 `json:"moon_alt_threshold_deg"`
	MoonPhaseThreshold float64 `json:"moon_phase_threshold_pct"`
	MaskThreshold      float64 `json:"mask_threshold"`
	PixelCutoffPct     float64 `json:"pixel_cutoff_pct"`
	MinStars           uint32  `json:"min_stars"`
	MinBackgroundADU   float64 `json:"min_background_adu"`
}

// LightgraphConfig controls the sun-altitude colour strip.
type LightgraphConfig struct {
	Enabled bool `json:"enabled"`
	Height  int  `json:"height"`
}

// TimelapseConfig controls the timelapse preprocessor and encoder.
type TimelapseConfig struct {
	Enabled     bool   `json:"enabled"`
	FFmpegBin   string `json:"ffmpeg_bin"`
	FrameRate   int    `json:"frame_rate"`
	Bitrate     string `json:"bitrate"`
	Codec       string `json:"codec"`
	KeogramWrap bool   `json:"keogram_wrap"`
	ScratchDir  string `json:"scratch_dir"`
}

// DatabaseConfig selects the metadata store.
type DatabaseConfig struct {
	Driver string `json:"driver"` // "sqlite" or "postgres"
	DSN    string `json:"dsn"`
}

// UploadConfig configures the optional object-store uploader.
type UploadConfig struct {
	Enabled         bool   `json:"enabled"`
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	UseSSL          bool   `json:"use_ssl"`
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix"`
	Workers         int    `json:"workers"`
}

// HooksConfig names the optional pre/post save hook scripts.
type HooksConfig struct {
	PreSave    string  `json:"pre_save"`
	PostSave   string  `json:"post_save"`
	TimeoutSec float64 `json:"timeout_sec"`
}

// Default returns a config populated with workable defaults for a 1x binned
// colour camera at a temperate site.
func Default() *Config {
	return &Config{
		Location: LocationConfig{LatitudeDeg: 33.0, LongitudeDeg: -84.0, Timezone: "UTC"},
		Camera:   CameraConfig{Backend: "sim"},
		Capture: CaptureConfig{
			PeriodSec:            15.0,
			DaytimeCapture:       true,
			DaytimeIdlePeriodSec: 60.0,
			ExposureMinSec:       0.001,
			ExposureMaxSec:       15.0,
			ExposureDefSec:       1.0,
			TargetADUDay:         75,
			TargetADUNight:       75,
			TargetADUDev:         10,
			NightSunAltDeg:       -6.0,
			MoonModeAltDeg:       0.0,
			MoonModePhasePct:     50.0,
			ShootTimeoutMinSec:   10.0,
			GenerateDayTimelapse: true,
		},
		CCD: CCDConfig{
			Day:      RegimeCCD{Gain: 0, Binning: 1},
			Night:    RegimeCCD{Gain: 100, Binning: 1},
			MoonMode: RegimeCCD{Gain: 50, Binning: 1},
		},
		Image: ImageConfig{
			OutputDir:         "images",
			Format:            "jpg",
			Quality:           90,
			StretchMode:       1,
			Gamma:             2.2,
			StdDevK:           3.0,
			MTFShadows:        0.0,
			MTFMidtones:       0.35,
			MTFHighs:          1.0,
			MTFBlack:          -2.8,
			DetectStars:       true,
			StarMatchScore:    0.6,
			StarDedupDistance: 10,
			Annotate:          true,
			CardinalDirs:      true,
			LabelMarginPx:     12,
		},
		Darks: DarksConfig{Enabled: true, Dir: "images/darks", BucketSeconds: 5.0, TempBucketC: 5.0},
		Keogram: KeogramConfig{
			Enabled:   true,
			AngleDeg:  0,
			MaxFrames: 5760, // 24h at the 15s default cadence
		},
		StarTrails: StarTrailsConfig{
			Enabled:            true,
			MaxADU:             65,
			SunAltThresholdDeg: -15.0,
			MoonAltThreshold:   0.0,
			MoonPhaseThreshold: 25.0,
			MaskThreshold:      190,
			PixelCutoffPct:     1.0,
			MinStars:           10,
			MinBackgroundADU:   10,
		},
		Lightgraph: LightgraphConfig{Enabled: true, Height: 30},
		Timelapse: TimelapseConfig{
			Enabled:   true,
			FFmpegBin: "ffmpeg",
			FrameRate: 25,
			Bitrate:   "5000k",
			Codec:     "libx264",
		},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "allsky.sqlite"},
		Upload:   UploadConfig{Workers: 2},
		Hooks:    HooksConfig{TimeoutSec: 10.0},
	}
}

// Load reads, parses and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the whole config; a non-nil error means the config must not
// be used.
func (c *Config) Validate() error {
	if c.Location.LatitudeDeg < -90 || c.Location.LatitudeDeg > 90 {
		return fmt.Errorf("latitude %.2f out of range", c.Location.LatitudeDeg)
	}
	if c.Location.LongitudeDeg < -180 || c.Location.LongitudeDeg > 180 {
		return fmt.Errorf("longitude %.2f out of range", c.Location.LongitudeDeg)
	}

	switch c.Camera.Backend {
	case "libcamera", "sim":
	default:
		return fmt.Errorf("unknown camera backend %q", c.Camera.Backend)
	}

	if c.Capture.ExposureMinSec <= 0 {
		return fmt.Errorf("exposure_min_sec must be positive")
	}
	if c.Capture.ExposureMaxSec < c.Capture.ExposureMinSec {
		return fmt.Errorf("exposure_max_sec %.3f below exposure_min_sec %.3f",
			c.Capture.ExposureMaxSec, c.Capture.ExposureMinSec)
	}
	if c.Capture.ExposureDefSec < c.Capture.ExposureMinSec ||
		c.Capture.ExposureDefSec > c.Capture.ExposureMaxSec {
		return fmt.Errorf("exposure_def_sec %.3f outside [min, max]", c.Capture.ExposureDefSec)
	}
	if c.Capture.PeriodSec <= 0 {
		return fmt.Errorf("period_sec must be positive")
	}
	if c.Capture.TargetADUDev <= 0 {
		return fmt.Errorf("target_adu_dev must be positive")
	}
	if c.Capture.NightSunAltDeg > 0 || c.Capture.NightSunAltDeg < -18 {
		return fmt.Errorf("night_sun_alt_deg %.1f outside [-18, 0]", c.Capture.NightSunAltDeg)
	}

	for _, rc := range []struct {
		name string
		ccd  RegimeCCD
	}{{"day", c.CCD.Day}, {"night", c.CCD.Night}, {"moonmode", c.CCD.MoonMode}} {
		if rc.ccd.Binning < 1 || rc.ccd.Binning > 4 {
			return fmt.Errorf("ccd.%s binning %d outside [1, 4]", rc.name, rc.ccd.Binning)
		}
		if rc.ccd.Gain < 0 {
			return fmt.Errorf("ccd.%s gain %d negative", rc.name, rc.ccd.Gain)
		}
	}

	switch c.Image.Format {
	case "jpg", "jpeg", "png", "webp":
	default:
		return fmt.Errorf("unknown image format %q", c.Image.Format)
	}
	if c.Image.OutputDir == "" {
		return fmt.Errorf("image output_dir is required")
	}
	if c.Image.StretchMode < 0 || c.Image.StretchMode > 2 {
		return fmt.Errorf("stretch_mode %d outside [0, 2]", c.Image.StretchMode)
	}
	if c.Image.StretchMode == 1 && c.Image.Gamma <= 0 {
		return fmt.Errorf("gamma must be positive for stddev stretch")
	}
	if c.Image.StretchMode == 2 {
		if c.Image.MTFMidtones <= 0 || c.Image.MTFMidtones >= 1 {
			return fmt.Errorf("mtf_midtones %.3f outside (0, 1)", c.Image.MTFMidtones)
		}
		if c.Image.MTFHighs <= c.Image.MTFShadows {
			return fmt.Errorf("mtf_highlights must exceed mtf_shadows")
		}
	}

	if c.Darks.Enabled && c.Darks.BucketSeconds < 1 {
		return fmt.Errorf("darks bucket_seconds %.1f below 1", c.Darks.BucketSeconds)
	}

	if c.Timelapse.Enabled {
		if c.Timelapse.FrameRate <= 0 {
			return fmt.Errorf("timelapse frame_rate must be positive")
		}
		if c.Timelapse.FFmpegBin == "" {
			return fmt.Errorf("timelapse ffmpeg_bin is required")
		}
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}

	if c.Upload.Enabled {
		if c.Upload.Endpoint == "" || c.Upload.Bucket == "" {
			return fmt.Errorf("upload endpoint and bucket are required when upload is enabled")
		}
	}

	return nil
}

// ShootTimeout returns the watchdog bound for a given exposure.
func (c *CaptureConfig) ShootTimeout(exposureSec float64) time.Duration {
	t := 2*exposureSec + 5
	if t < c.ShootTimeoutMinSec {
		t = c.ShootTimeoutMinSec
	}
	return time.Duration(t * float64(time.Second))
}

// TargetADU returns the auto-exposure target for the given regime.
func (c *CaptureConfig) TargetADU(night bool) float64 {
	if night {
		return c.TargetADUNight
	}
	return c.TargetADUDay
}

// CCDFor returns the camera settings for a regime.
func (c *CCDConfig) CCDFor(night, moonMode bool) RegimeCCD {
	switch {
	case night && moonMode:
		return c.MoonMode
	case night:
		return c.Night
	default:
		return c.Day
	}
}
