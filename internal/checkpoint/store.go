package checkpoint

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sgoodwin/foreman/pkg/models"
)

// ErrNotFound indicates no matching run or checkpoint exists.
var ErrNotFound = errors.New("not found")

// Store persists runs, checkpoints and cost records.
type Store struct {
	db *DB
}

// NewStore creates a Store over an opened, migrated database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// SaveRun upserts the run's row. Called when a run starts and whenever
// its status changes.
func (s *Store) SaveRun(run *models.Run) error {
	var completedAt any
	if run.CompletedAt != nil {
		completedAt = formatTime(*run.CompletedAt)
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, goal, status, workdir, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at
	`, run.ID, run.Goal, string(run.Status), run.Workdir, formatTime(run.StartedAt), completedAt)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// Save appends a snapshot for the run and returns its assigned seq.
// Seq numbers increase monotonically; an identical snapshot saved twice
// simply occupies two seqs and loading the latest yields the same
// state either way.
func (s *Store) Save(snap *Snapshot) (int64, error) {
	if snap.Run == nil {
		return 0, fmt.Errorf("snapshot has no run")
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	var seq int64
	err = s.db.Transaction(func(tx *sql.Tx) error {
		row := tx.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM checkpoints WHERE run_id = ?", snap.Run.ID)
		var maxSeq int64
		if err := row.Scan(&maxSeq); err != nil {
			return fmt.Errorf("next seq: %w", err)
		}
		seq = maxSeq + 1

		_, err := tx.Exec(`
			INSERT INTO checkpoints (run_id, seq, payload, created_at)
			VALUES (?, ?, ?, ?)
		`, snap.Run.ID, seq, string(payload), formatTime(time.Now()))
		if err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	snap.Seq = seq
	return seq, nil
}

// Load returns the checkpoint with the given seq.
func (s *Store) Load(runID string, seq int64) (*Snapshot, error) {
	row := s.db.QueryRow("SELECT payload FROM checkpoints WHERE run_id = ? AND seq = ?", runID, seq)
	return scanSnapshot(row, seq)
}

// LoadLatest returns the highest-seq checkpoint for the run.
func (s *Store) LoadLatest(runID string) (*Snapshot, error) {
	row := s.db.QueryRow(`
		SELECT payload, seq FROM checkpoints
		WHERE run_id = ? ORDER BY seq DESC LIMIT 1
	`, runID)

	var payload string
	var seq int64
	if err := row.Scan(&payload, &seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	return unmarshalSnapshot(payload, seq)
}

func scanSnapshot(row *sql.Row, seq int64) (*Snapshot, error) {
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return unmarshalSnapshot(payload, seq)
}

func unmarshalSnapshot(payload string, seq int64) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	snap.Seq = seq
	return &snap, nil
}

// Checkpoints returns the seq numbers recorded for a run, ascending.
func (s *Store) Checkpoints(runID string) ([]int64, error) {
	rows, err := s.db.Query("SELECT seq FROM checkpoints WHERE run_id = ? ORDER BY seq", runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("scan checkpoint seq: %w", err)
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

// Runs returns all known runs, most recent first.
func (s *Store) Runs() ([]*models.Run, error) {
	rows, err := s.db.Query(`
		SELECT id, goal, status, workdir, started_at, completed_at
		FROM runs ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		var run models.Run
		var status, startedAt string
		var workdir, completedAt sql.NullString
		if err := rows.Scan(&run.ID, &run.Goal, &status, &workdir, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Status = models.RunStatus(status)
		run.Workdir = workdir.String
		if t, err := parseTime(startedAt); err == nil {
			run.StartedAt = t
		}
		run.CompletedAt = parseNullableTime(completedAt)
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// LatestRunID returns the ID of the most recently started run that can
// still be resumed, for resume without an explicit run ID. Both runs
// interrupted mid-flight and runs stopped gracefully qualify.
func (s *Store) LatestRunID() (string, error) {
	row := s.db.QueryRow(`
		SELECT id FROM runs WHERE status IN (?, ?) ORDER BY started_at DESC LIMIT 1
	`, string(models.RunStatusRunning), string(models.RunStatusCancelled))

	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("no resumable run: %w", ErrNotFound)
		}
		return "", fmt.Errorf("find latest run: %w", err)
	}
	return id, nil
}

// WriteCostRecord appends one cost record. Satisfies cost.Sink.
func (s *Store) WriteCostRecord(rec models.CostRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO cost_records
			(run_id, cycle_index, task_id, role, backend, model, bucket,
			 input_tokens, output_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.RunID, rec.CycleIndex, rec.TaskID, rec.Role, rec.Backend, rec.Model,
		string(rec.Bucket), rec.InputTokens, rec.OutputTokens, rec.CostUSD,
		formatTime(rec.Timestamp))
	if err != nil {
		return fmt.Errorf("write cost record: %w", err)
	}
	return nil
}

// CostRecords returns every cost record for a run in insertion order.
func (s *Store) CostRecords(runID string) ([]models.CostRecord, error) {
	rows, err := s.db.Query(`
		SELECT run_id, cycle_index, task_id, role, backend, model, bucket,
		       input_tokens, output_tokens, cost_usd, created_at
		FROM cost_records WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list cost records: %w", err)
	}
	defer rows.Close()

	var records []models.CostRecord
	for rows.Next() {
		var rec models.CostRecord
		var taskID, model sql.NullString
		var bucket, createdAt string
		if err := rows.Scan(&rec.RunID, &rec.CycleIndex, &taskID, &rec.Role,
			&rec.Backend, &model, &bucket, &rec.InputTokens, &rec.OutputTokens,
			&rec.CostUSD, &createdAt); err != nil {
			return nil, fmt.Errorf("scan cost record: %w", err)
		}
		rec.TaskID = taskID.String
		rec.Model = model.String
		rec.Bucket = models.CostBucket(bucket)
		if t, err := parseTime(createdAt); err == nil {
			rec.Timestamp = t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
