// Package timelapse turns a closed day or night of frames into a video. The
// preprocessor lays out an ffmpeg-friendly %05d sequence of symlinks in a
// scratch directory, then hands the sequence to an ffmpeg child process.
package timelapse

import (
	"context"
	"errors"
	"fmt"
	goimage "image"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/allsky/internal/config"
)

// ErrBusy means an encode is already queued or running; the caller skips
// this boundary and tries again at the next one.
var ErrBusy = errors.New("timelapse: encoder busy")

// ErrNoFrames means neither the database nor the filesystem produced any
// frames for the interval.
var ErrNoFrames = errors.New("timelapse: no frames for interval")

var frameFileRe = regexp.MustCompile(`^\d{8}_\d{6}\.(jpg|jpeg|png|webp)$`)

// FrameLister enumerates the stored frame paths for an interval; the
// metadata store implements it.
type FrameLister interface {
	FramePaths(dayDate time.Time, night bool) ([]string, error)
}

// Job names one interval to encode.
type Job struct {
	DayDate     time.Time
	Night       bool
	KeogramPath string // optional trailing card
}

// Runner owns the single-slot encode queue.
type Runner struct {
	cfg      config.TimelapseConfig
	imageDir string
	lister   FrameLister
	log      *zap.Logger

	mu     sync.Mutex
	active bool

	jobs chan Job
	done chan struct{}
}

func NewRunner(cfg config.TimelapseConfig, imageDir string, lister FrameLister, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		cfg:      cfg,
		imageDir: imageDir,
		lister:   lister,
		log:      log.Named("timelapse"),
		jobs:     make(chan Job, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue queues one encode. Only one job may be queued or running at a
// time: an encode can take longer than a capture period and stacking encodes
// would starve the host, so any request arriving while one is in flight is
// refused rather than buffered.
func (r *Runner) Enqueue(job Job) error {
	r.mu.Lock()
	busy := r.active
	r.mu.Unlock()
	if busy {
		return ErrBusy
	}
	select {
	case r.jobs <- job:
		return nil
	default:
		return ErrBusy
	}
}

func (r *Runner) setActive(v bool) {
	r.mu.Lock()
	r.active = v
	r.mu.Unlock()
}

// Run consumes jobs until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case job := <-r.jobs:
			r.setActive(true)
			err := r.encode(ctx, job)
			r.setActive(false)
			if err != nil {
				r.log.Error("timelapse failed",
					zap.String("day_date", job.DayDate.Format("20060102")),
					zap.Bool("night", job.Night),
					zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Done is closed when Run has returned.
func (r *Runner) Done() <-chan struct{} { return r.done }

func (r *Runner) encode(ctx context.Context, job Job) error {
	start := time.Now()

	frames, err := r.listFrames(job)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return fmt.Errorf("%w: %s", ErrNoFrames, job.DayDate.Format("20060102"))
	}

	scratch, err := r.prepare(frames, job)
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	phase := "day"
	if job.Night {
		phase = "night"
	}
	outDir := filepath.Join(r.imageDir, job.DayDate.Format("20060102"))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("creating timelapse dir: %w", err)
	}
	out := filepath.Join(outDir,
		fmt.Sprintf("allsky-timelapse-%s-%s.mp4", job.DayDate.Format("20060102"), phase))

	if err := r.runFFmpeg(ctx, scratch, out); err != nil {
		// A half-written mp4 confuses players and downstream uploads.
		os.Remove(out)
		r.markFailed(outDir, job, err)
		return err
	}

	r.log.Info("timelapse written",
		zap.String("path", out),
		zap.Int("frames", len(frames)),
		zap.Duration("took", time.Since(start)))
	return nil
}

// listFrames asks the store first and falls back to a directory scan, so a
// lost or rebuilt database never blocks the nightly video.
func (r *Runner) listFrames(job Job) ([]string, error) {
	if r.lister != nil {
		paths, err := r.lister.FramePaths(job.DayDate, job.Night)
		if err == nil && len(paths) > 0 {
			return paths, nil
		}
		if err != nil {
			r.log.Warn("frame listing from store failed, scanning disk", zap.Error(err))
		}
	}
	return r.scanDisk(job)
}

func (r *Runner) scanDisk(job Job) ([]string, error) {
	phase := "day"
	if job.Night {
		phase = "night"
	}
	root := filepath.Join(r.imageDir, job.DayDate.Format("20060102"), phase)

	var frames []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && frameFileRe.MatchString(d.Name()) {
			frames = append(frames, path)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	// Filenames embed the capture timestamp, so name order is time order.
	sort.Strings(frames)
	return frames, nil
}

// prepare builds the %05d symlink sequence in a scratch directory; with
// keogram wrap enabled the keogram is rescaled to frame geometry and held
// for a few trailing frames.
func (r *Runner) prepare(frames []string, job Job) (string, error) {
	scratchRoot := r.cfg.ScratchDir
	if scratchRoot == "" {
		scratchRoot = os.TempDir()
	}
	scratch := filepath.Join(scratchRoot, "timelapse-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return "", fmt.Errorf("creating scratch dir: %w", err)
	}

	n := 0
	for _, frame := range frames {
		abs, err := filepath.Abs(frame)
		if err != nil {
			continue
		}
		if err := os.Symlink(abs, filepath.Join(scratch, fmt.Sprintf("%05d.jpg", n))); err != nil {
			os.RemoveAll(scratch)
			return "", fmt.Errorf("linking frame %d: %w", n, err)
		}
		n++
	}

	if r.cfg.KeogramWrap && job.KeogramPath != "" {
		if err := r.appendKeogramCard(scratch, frames[0], job.KeogramPath, n); err != nil {
			r.log.Warn("keogram card skipped", zap.Error(err))
		}
	}
	return scratch, nil
}

// appendKeogramCard holds the keogram as the closing seconds of the video,
// rescaled to the frame geometry so ffmpeg sees a uniform sequence.
func (r *Runner) appendKeogramCard(scratch, firstFrame, keogramPath string, n int) error {
	first := gocv.IMRead(firstFrame, gocv.IMReadColor)
	if first.Empty() {
		return fmt.Errorf("probing frame geometry from %s failed", firstFrame)
	}
	defer first.Close()

	keo := gocv.IMRead(keogramPath, gocv.IMReadColor)
	if keo.Empty() {
		return fmt.Errorf("reading keogram %s failed", keogramPath)
	}
	defer keo.Close()

	card := gocv.NewMat()
	defer card.Close()
	gocv.Resize(keo, &card, goimage.Pt(first.Cols(), first.Rows()), 0, 0, gocv.InterpolationLinear)

	holdFrames := 3 * r.cfg.FrameRate
	for i := 0; i < holdFrames; i++ {
		path := filepath.Join(scratch, fmt.Sprintf("%05d.jpg", n+i))
		if ok := gocv.IMWrite(path, card); !ok {
			return fmt.Errorf("writing keogram card %s failed", path)
		}
	}
	return nil
}

func (r *Runner) runFFmpeg(ctx context.Context, scratch, out string) error {
	args := []string{
		"-y",
		"-f", "image2",
		"-r", fmt.Sprintf("%d", r.cfg.FrameRate),
		"-i", filepath.Join(scratch, "%05d.jpg"),
		"-vcodec", r.cfg.Codec,
		"-b:v", r.cfg.Bitrate,
		// Odd dimensions are rejected by yuv420p encoders.
		"-vf", "crop=trunc(iw/2)*2:trunc(ih/2)*2",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		out,
	}

	cmd := exec.CommandContext(ctx, r.cfg.FFmpegBin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, tail(output, 512))
	}
	return nil
}

// markFailed drops a marker file next to where the video would have been,
// so operators can tell a failed encode from one that never ran.
func (r *Runner) markFailed(outDir string, job Job, encodeErr error) {
	phase := "day"
	if job.Night {
		phase = "night"
	}
	marker := filepath.Join(outDir,
		fmt.Sprintf("allsky-timelapse-%s-%s.failed", job.DayDate.Format("20060102"), phase))
	msg := fmt.Sprintf("%s: %v\n", time.Now().UTC().Format(time.RFC3339), encodeErr)
	if err := os.WriteFile(marker, []byte(msg), 0o644); err != nil {
		r.log.Warn("failure marker not written", zap.Error(err))
	}
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
