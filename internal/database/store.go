// Package database persists per-frame metadata in SQLite (default) or
// PostgreSQL. The store is the system of record for timelapse frame
// enumeration and for the uploader's bookkeeping.
package database

import (
	"database/sql"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/mikeyg42/allsky/internal/config"
	"github.com/mikeyg42/allsky/internal/daynight"
	"github.com/mikeyg42/allsky/internal/image"
)

const schema = `
CREATE TABLE IF NOT EXISTS cameras (
	id           INTEGER PRIMARY KEY,
	model        TEXT NOT NULL,
	registered_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS frames (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	filename  TEXT NOT NULL UNIQUE,
	datetime  TIMESTAMP NOT NULL,
	day_date  TEXT NOT NULL,
	exposure  REAL NOT NULL,
	gain      INTEGER NOT NULL,
	bin       INTEGER NOT NULL,
	temp      REAL NOT NULL,
	night     INTEGER NOT NULL,
	adu       REAL NOT NULL,
	stable    INTEGER NOT NULL,
	moonmode  INTEGER NOT NULL,
	moonphase REAL NOT NULL,
	sqm       REAL NOT NULL,
	stars     INTEGER NOT NULL,
	camera_id INTEGER NOT NULL,
	uploaded  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_frames_interval ON frames(day_date, night, datetime);
CREATE INDEX IF NOT EXISTS idx_frames_uploaded ON frames(uploaded);
`

// postgresSchema swaps the SQLite autoincrement idiom; the rest is shared.
var postgresSchema = strings.ReplaceAll(schema,
	"INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")

// frameRow is the frames table shape.
type frameRow struct {
	ID        int64     `db:"id"`
	Filename  string    `db:"filename"`
	Datetime  time.Time `db:"datetime"`
	DayDate   string    `db:"day_date"`
	Exposure  float64   `db:"exposure"`
	Gain      int32     `db:"gain"`
	Bin       int32     `db:"bin"`
	Temp      float64   `db:"temp"`
	Night     bool      `db:"night"`
	ADU       float64   `db:"adu"`
	Stable    bool      `db:"stable"`
	Moonmode  bool      `db:"moonmode"`
	Moonphase float64   `db:"moonphase"`
	SQM       float64   `db:"sqm"`
	Stars     int64     `db:"stars"`
	CameraID  int32     `db:"camera_id"`
	Uploaded  bool      `db:"uploaded"`
}

// Store wraps the connection.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects, pings and applies the schema.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}

	db, err := sqlx.Connect(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	ddl := schema
	if driver == "postgres" {
		ddl = postgresSchema
	}
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, driver: driver}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// RegisterCamera upserts the camera row at startup.
func (s *Store) RegisterCamera(id int32, model string) error {
	q := s.db.Rebind(`
		INSERT INTO cameras (id, model, registered_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET model = excluded.model`)
	if _, err := s.db.Exec(q, id, model, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to register camera %d: %w", id, err)
	}
	return nil
}

// RecordFrame inserts one processed frame.
func (s *Store) RecordFrame(f *image.Frame) error {
	row := frameRow{
		Filename:  f.Path,
		Datetime:  f.CapturedAt,
		DayDate:   f.DayDate.Format("2006-01-02"),
		Exposure:  float64(f.ExposureSec),
		Gain:      f.Gain,
		Bin:       f.Binning,
		Temp:      float64(f.SensorTemp),
		Night:     f.Night(),
		ADU:       float64(f.MeanADU),
		Stable:    f.Stable,
		Moonmode:  f.Regime == daynight.RegimeNightMoon,
		Moonphase: float64(f.MoonPhasePct),
		SQM:       float64(f.SQM),
		Stars:     int64(f.Stars),
		CameraID:  f.CameraID,
		Uploaded:  f.Uploaded,
	}

	_, err := s.db.NamedExec(`
		INSERT INTO frames (filename, datetime, day_date, exposure, gain, bin,
			temp, night, adu, stable, moonmode, moonphase, sqm, stars,
			camera_id, uploaded)
		VALUES (:filename, :datetime, :day_date, :exposure, :gain, :bin,
			:temp, :night, :adu, :stable, :moonmode, :moonphase, :sqm, :stars,
			:camera_id, :uploaded)`, row)
	if err != nil {
		return fmt.Errorf("failed to record frame %s: %w", f.Path, err)
	}
	return nil
}

// FramePaths returns the stored frame files for one interval in capture
// order; the timelapse preprocessor builds its sequence from this.
func (s *Store) FramePaths(dayDate time.Time, night bool) ([]string, error) {
	var paths []string
	q := s.db.Rebind(`
		SELECT filename FROM frames
		WHERE day_date = ? AND night = ?
		ORDER BY datetime ASC`)
	if err := s.db.Select(&paths, q, dayDate.Format("2006-01-02"), night); err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	return paths, nil
}

// PendingUploads returns frames not yet pushed to the object store.
func (s *Store) PendingUploads(limit int) ([]string, error) {
	var paths []string
	q := s.db.Rebind(`
		SELECT filename FROM frames
		WHERE uploaded = ? ORDER BY datetime ASC LIMIT ?`)
	if err := s.db.Select(&paths, q, false, limit); err != nil {
		return nil, fmt.Errorf("failed to list pending uploads: %w", err)
	}
	return paths, nil
}

// MarkUploaded flags one frame as pushed.
func (s *Store) MarkUploaded(path string) error {
	q := s.db.Rebind(`UPDATE frames SET uploaded = ? WHERE filename = ?`)
	res, err := s.db.Exec(q, true, path)
	if err != nil {
		return fmt.Errorf("failed to mark %s uploaded: %w", path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// FrameCount reports rows for one interval.
func (s *Store) FrameCount(dayDate time.Time, night bool) (int64, error) {
	var n int64
	q := s.db.Rebind(`SELECT COUNT(*) FROM frames WHERE day_date = ? AND night = ?`)
	if err := s.db.Get(&n, q, dayDate.Format("2006-01-02"), night); err != nil {
		return 0, fmt.Errorf("failed to count frames: %w", err)
	}
	return n, nil
}

var importFileRe = regexp.MustCompile(`^(\d{8})_(\d{6})\.(jpg|jpeg|png|webp)$`)

// ImportImages walks an image tree and inserts rows for files the store has
// never seen, recovering metadata from the directory layout and filenames.
// Telemetry columns that only exist at capture time are zeroed. Returns the
// number of rows added.
func (s *Store) ImportImages(root string, cameraID int32) (int, error) {
	existing := make(map[string]bool)
	var known []string
	if err := s.db.Select(&known, `SELECT filename FROM frames`); err != nil {
		return 0, fmt.Errorf("failed to load known frames: %w", err)
	}
	for _, k := range known {
		existing[k] = true
	}

	added := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || existing[path] {
			return nil
		}
		m := importFileRe.FindStringSubmatch(d.Name())
		if m == nil {
			return nil
		}

		captured, perr := time.Parse("20060102_150405", m[1]+"_"+m[2])
		if perr != nil {
			return nil
		}

		dayDate, night := intervalFromPath(path, captured)

		row := frameRow{
			Filename: path,
			Datetime: captured.UTC(),
			DayDate:  dayDate,
			Night:    night,
			CameraID: cameraID,
		}
		if _, ierr := s.db.NamedExec(`
			INSERT INTO frames (filename, datetime, day_date, exposure, gain,
				bin, temp, night, adu, stable, moonmode, moonphase, sqm,
				stars, camera_id, uploaded)
			VALUES (:filename, :datetime, :day_date, :exposure, :gain, :bin,
				:temp, :night, :adu, :stable, :moonmode, :moonphase, :sqm,
				:stars, :camera_id, :uploaded)`, row); ierr != nil {
			return fmt.Errorf("failed to import %s: %w", path, ierr)
		}
		added++
		return nil
	})
	if err != nil {
		return added, fmt.Errorf("import walk: %w", err)
	}
	return added, nil
}

var dayDirRe = regexp.MustCompile(`(^|/)(\d{8})/(day|night)(/|$)`)

// intervalFromPath recovers day_date and the night flag from the
// <root>/<YYYYMMDD>/<day|night>/ layout, falling back to the capture date.
func intervalFromPath(path string, captured time.Time) (string, bool) {
	if m := dayDirRe.FindStringSubmatch(filepath.ToSlash(path)); m != nil {
		if d, err := time.Parse("20060102", m[2]); err == nil {
			return d.Format("2006-01-02"), m[3] == "night"
		}
	}
	return captured.Format("2006-01-02"), false
}
