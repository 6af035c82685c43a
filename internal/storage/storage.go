package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite-backed run ledger. The sentinel files remain the
// source of truth for project state; the ledger only records history.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS batch_runs (
            id TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            root TEXT NOT NULL,
            status TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            summary_json TEXT,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS projects (
            folder TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            status TEXT NOT NULL,
            run_id TEXT,
            photos INTEGER,
            geotagged INTEGER,
            camera_models TEXT,
            assigned_markers INTEGER,
            avg_yaw REAL,
            avg_pitch REAL,
            avg_roll REAL,
            removed_pitch REAL,
            raster_path TEXT,
            reason TEXT,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS stage_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT,
            folder TEXT NOT NULL,
            stage TEXT NOT NULL,
            status TEXT NOT NULL,
            detail TEXT,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_stage_events_run ON stage_events(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_projects_name ON projects(name);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// ErrNotFound is returned by lookups that match nothing.
var ErrNotFound = errors.New("not found")

// RunRecord captures one batch invocation.
type RunRecord struct {
	ID          string         `json:"id" yaml:"id"`
	Kind        string         `json:"kind" yaml:"kind"` // run, reortho
	Root        string         `json:"root" yaml:"root"`
	Status      string         `json:"status" yaml:"status"`
	Summary     map[string]any `json:"summary,omitempty" yaml:"summary,omitempty"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at" yaml:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// ProjectRecord is the latest known state of one project folder.
type ProjectRecord struct {
	Folder          string    `json:"folder" yaml:"folder" parquet:"folder"`
	Name            string    `json:"name" yaml:"name" parquet:"name"`
	Status          string    `json:"status" yaml:"status" parquet:"status"`
	RunID           string    `json:"run_id" yaml:"run_id" parquet:"run_id"`
	Photos          int       `json:"photos" yaml:"photos" parquet:"photos"`
	Geotagged       int       `json:"geotagged" yaml:"geotagged" parquet:"geotagged"`
	CameraModels    []string  `json:"camera_models,omitempty" yaml:"camera_models,omitempty" parquet:"camera_models,list"`
	AssignedMarkers int       `json:"assigned_markers" yaml:"assigned_markers" parquet:"assigned_markers"`
	AvgYaw          float64   `json:"avg_yaw" yaml:"avg_yaw" parquet:"avg_yaw"`
	AvgPitch        float64   `json:"avg_pitch" yaml:"avg_pitch" parquet:"avg_pitch"`
	AvgRoll         float64   `json:"avg_roll" yaml:"avg_roll" parquet:"avg_roll"`
	RemovedPitch    float64   `json:"removed_pitch" yaml:"removed_pitch" parquet:"removed_pitch"`
	RasterPath      string    `json:"raster_path,omitempty" yaml:"raster_path,omitempty" parquet:"raster_path"`
	Reason          string    `json:"reason,omitempty" yaml:"reason,omitempty" parquet:"reason"`
	UpdatedAt       time.Time `json:"updated_at" yaml:"updated_at" parquet:"updated_at,timestamp"`
}

// StageEvent is one pipeline stage transition.
type StageEvent struct {
	RunID     string    `json:"run_id"`
	Folder    string    `json:"folder"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = "queued"
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO batch_runs (id, kind, root, status, created_at) VALUES (?, ?, ?, ?, ?);`,
		rec.ID, rec.Kind, rec.Root, rec.Status, rec.CreatedAt)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE batch_runs SET status='running', started_at=? WHERE id=?;`, time.Now().UTC(), id)
	return err
}

// RecordRunResult finalizes a run with status and summary.
func (s *Store) RecordRunResult(id, status string, summary map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = s.DB.Exec(`UPDATE batch_runs SET status=?, completed_at=?, summary_json=?, error_message=? WHERE id=?;`,
		status, time.Now().UTC(), string(summaryJSON), errMsg, id)
	return err
}

const runColumns = `id, kind, root, status, created_at, started_at, completed_at, summary_json, error_message`

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM batch_runs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run fetches one run by id.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	rec, err := scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM batch_runs WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var started, completed sql.NullTime
	var summaryJSON, errorMsg sql.NullString
	if err := row.Scan(&rec.ID, &rec.Kind, &rec.Root, &rec.Status, &rec.CreatedAt, &started, &completed, &summaryJSON, &errorMsg); err != nil {
		return rec, err
	}
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if errorMsg.Valid {
		rec.Error = errorMsg.String
	}
	if summaryJSON.Valid && summaryJSON.String != "" && summaryJSON.String != "null" {
		if err := json.Unmarshal([]byte(summaryJSON.String), &rec.Summary); err != nil {
			return rec, fmt.Errorf("unmarshal summary: %w", err)
		}
	}
	return rec, nil
}

// RecordProject upserts the latest state of a project folder.
func (s *Store) RecordProject(rec ProjectRecord) error {
	if s == nil {
		return nil
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.DB.Exec(`INSERT INTO projects (folder, name, status, run_id, photos, geotagged, camera_models, assigned_markers, avg_yaw, avg_pitch, avg_roll, removed_pitch, raster_path, reason, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(folder) DO UPDATE SET
            name=excluded.name, status=excluded.status, run_id=excluded.run_id, photos=excluded.photos,
            geotagged=excluded.geotagged, camera_models=excluded.camera_models, assigned_markers=excluded.assigned_markers,
            avg_yaw=excluded.avg_yaw, avg_pitch=excluded.avg_pitch, avg_roll=excluded.avg_roll,
            removed_pitch=excluded.removed_pitch, raster_path=excluded.raster_path, reason=excluded.reason,
            updated_at=excluded.updated_at;`,
		rec.Folder, rec.Name, rec.Status, rec.RunID, rec.Photos, rec.Geotagged, strings.Join(rec.CameraModels, ","),
		rec.AssignedMarkers, rec.AvgYaw, rec.AvgPitch, rec.AvgRoll, rec.RemovedPitch, rec.RasterPath, rec.Reason, rec.UpdatedAt)
	return err
}

const projectColumns = `folder, name, status, run_id, photos, geotagged, camera_models, assigned_markers, avg_yaw, avg_pitch, avg_roll, removed_pitch, raster_path, reason, updated_at`

// Projects returns every recorded project ordered by name.
func (s *Store) Projects() ([]ProjectRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT ` + projectColumns + ` FROM projects ORDER BY name, folder;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ProjectRecord
	for rows.Next() {
		rec, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Project looks a project up by folder path or, failing that, by name.
func (s *Store) Project(key string) (ProjectRecord, error) {
	if s == nil {
		return ProjectRecord{}, errors.New("store not initialized")
	}
	rec, err := scanProject(s.DB.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE folder=? OR name=? ORDER BY folder=? DESC, updated_at DESC LIMIT 1;`, key, key, key))
	if errors.Is(err, sql.ErrNoRows) {
		return ProjectRecord{}, fmt.Errorf("project %s: %w", key, ErrNotFound)
	}
	return rec, err
}

func scanProject(row scanner) (ProjectRecord, error) {
	var rec ProjectRecord
	var runID, models, raster, reason sql.NullString
	if err := row.Scan(&rec.Folder, &rec.Name, &rec.Status, &runID, &rec.Photos, &rec.Geotagged, &models,
		&rec.AssignedMarkers, &rec.AvgYaw, &rec.AvgPitch, &rec.AvgRoll, &rec.RemovedPitch, &raster, &reason, &rec.UpdatedAt); err != nil {
		return rec, err
	}
	rec.RunID = runID.String
	rec.RasterPath = raster.String
	rec.Reason = reason.String
	if models.String != "" {
		rec.CameraModels = strings.Split(models.String, ",")
	}
	return rec, nil
}

// RecordStageEvent appends a stage transition.
func (s *Store) RecordStageEvent(ev StageEvent) error {
	if s == nil {
		return nil
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.Exec(`INSERT INTO stage_events (run_id, folder, stage, status, detail, created_at) VALUES (?, ?, ?, ?, ?, ?);`,
		ev.RunID, ev.Folder, ev.Stage, ev.Status, ev.Detail, ev.CreatedAt)
	return err
}

// StageEvents returns the events of one run in insertion order.
func (s *Store) StageEvents(runID string) ([]StageEvent, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, folder, stage, status, detail, created_at FROM stage_events WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StageEvent
	for rows.Next() {
		var ev StageEvent
		var runIDCol, detail sql.NullString
		if err := rows.Scan(&runIDCol, &ev.Folder, &ev.Stage, &ev.Status, &detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.RunID = runIDCol.String
		ev.Detail = detail.String
		out = append(out, ev)
	}
	return out, rows.Err()
}
