package sqlite

import (
	"bytes"
	"database/sql"
	"fmt"
	"time"

	"github.com/letsconnect/flowkit/model"
	"github.com/letsconnect/flowkit/persistence"
	"github.com/letsconnect/flowkit/util"

	_ "modernc.org/sqlite"
)

var _ persistence.Storage = new(Storage)

// Storage is a sqlite-backed persistence.Storage. Runs are stored as JSON
// documents; wakes and cron marks as rows. The pure-Go driver keeps the
// binary free of cgo.
type Storage struct {
	db             *sql.DB
	encoderDecoder util.EncoderDecoder[model.Run]
}

func NewStorage(path string) (*Storage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single writer avoids SQLITE_BUSY under concurrent run advances
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &Storage{
		db:             db,
		encoderDecoder: util.NewJsonEncoderDecoder[model.Run](),
	}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS wakes (
			run_id TEXT NOT NULL,
			wake_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, wake_at)
		);`,
		`CREATE TABLE IF NOT EXISTS cron_marks (
			function_id TEXT PRIMARY KEY,
			mark TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) GetOrCreate(run *model.Run) (*model.Run, bool, error) {
	now := time.Now()
	run.CreatedAt = now
	run.UpdatedAt = now
	data, err := s.encoderDecoder.Encode(*run)
	if err != nil {
		return nil, false, err
	}
	res, err := s.db.Exec(`INSERT OR IGNORE INTO runs (id, data) VALUES (?, ?)`, run.Id, string(data))
	if err != nil {
		return nil, false, persistence.StorageLayerError{Message: err.Error()}
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, persistence.StorageLayerError{Message: err.Error()}
	}
	if inserted > 0 {
		return run, true, nil
	}
	existing, err := s.Get(run.Id)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Storage) Get(runId string) (*model.Run, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM runs WHERE id = ?`, runId).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, persistence.RunNotFoundError{RunId: runId}
	}
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return s.encoderDecoder.Decode([]byte(data))
}

func (s *Storage) save(run *model.Run) error {
	run.UpdatedAt = time.Now()
	data, err := s.encoderDecoder.Encode(*run)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE runs SET data = ? WHERE id = ?`, string(data), run.Id)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Storage) RecordStepResult(runId string, memo model.StepMemo, cursor int) error {
	run, err := s.Get(runId)
	if err != nil {
		return err
	}
	if existing, ok := run.Memos[memo.StepName]; ok {
		if !sameMemo(existing, memo) {
			return persistence.StepAlreadyRecordedError{RunId: runId, StepName: memo.StepName}
		}
		return nil
	}
	memo.RecordedAt = time.Now()
	if run.Memos == nil {
		run.Memos = make(map[string]model.StepMemo)
	}
	run.Memos[memo.StepName] = memo
	if cursor > run.Cursor {
		run.Cursor = cursor
	}
	return s.save(run)
}

func sameMemo(a, b model.StepMemo) bool {
	if !bytes.Equal(a.Result, b.Result) {
		return false
	}
	if (a.WakeAt == nil) != (b.WakeAt == nil) {
		return false
	}
	if a.WakeAt != nil && !a.WakeAt.Equal(*b.WakeAt) {
		return false
	}
	return true
}

func (s *Storage) SetRunning(runId string) error {
	return s.transition(runId, func(run *model.Run) {
		run.Status = model.RUN_STATUS_RUNNING
		run.WakeAt = nil
	})
}

func (s *Storage) SetSleeping(runId string, wakeAt time.Time) error {
	return s.transition(runId, func(run *model.Run) {
		run.Status = model.RUN_STATUS_SLEEPING
		run.WakeAt = &wakeAt
	})
}

func (s *Storage) SetCompleted(runId string) error {
	return s.transition(runId, func(run *model.Run) {
		run.Status = model.RUN_STATUS_COMPLETED
		run.WakeAt = nil
	})
}

func (s *Storage) SetFailed(runId string, reason string) error {
	return s.transition(runId, func(run *model.Run) {
		run.Status = model.RUN_STATUS_FAILED
		run.Error = reason
		run.WakeAt = nil
	})
}

func (s *Storage) transition(runId string, fn func(*model.Run)) error {
	run, err := s.Get(runId)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	fn(run)
	return s.save(run)
}

func (s *Storage) Push(runId string, wakeAt time.Time) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO wakes (run_id, wake_at) VALUES (?, ?)`,
		runId, wakeAt.UnixMilli())
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Storage) PollDue(now time.Time) ([]persistence.Wake, error) {
	rows, err := s.db.Query(`SELECT run_id, wake_at FROM wakes WHERE wake_at <= ?`, now.UnixMilli())
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	defer rows.Close()
	var due []persistence.Wake
	for rows.Next() {
		var runId string
		var wakeMillis int64
		if err := rows.Scan(&runId, &wakeMillis); err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		due = append(due, persistence.Wake{RunId: runId, WakeAt: time.UnixMilli(wakeMillis)})
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return due, nil
}

func (s *Storage) Remove(wake persistence.Wake) error {
	_, err := s.db.Exec(`DELETE FROM wakes WHERE run_id = ? AND wake_at = ?`,
		wake.RunId, wake.WakeAt.UnixMilli())
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Storage) GetMark(functionId string) (time.Time, bool, error) {
	var markStr string
	err := s.db.QueryRow(`SELECT mark FROM cron_marks WHERE function_id = ?`, functionId).Scan(&markStr)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, persistence.StorageLayerError{Message: err.Error()}
	}
	mark, err := time.Parse(time.RFC3339Nano, markStr)
	if err != nil {
		return time.Time{}, false, err
	}
	return mark, true, nil
}

func (s *Storage) SetMark(functionId string, t time.Time) error {
	_, err := s.db.Exec(`INSERT INTO cron_marks (function_id, mark) VALUES (?, ?)
		ON CONFLICT(function_id) DO UPDATE SET mark = excluded.mark`,
		functionId, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}
