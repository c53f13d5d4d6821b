package checkpoint

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/sgoodwin/foreman/internal/session"
	"github.com/sgoodwin/foreman/pkg/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return NewStore(db)
}

func testRun(id string) *models.Run {
	return &models.Run{
		ID:        id,
		Goal:      "build the thing",
		Status:    models.RunStatusRunning,
		Workdir:   "/tmp/proj",
		StartedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func testSnapshot(run *models.Run) *Snapshot {
	return &Snapshot{
		Run: run,
		Tasks: []*models.Task{
			{ID: "t1", Title: "first", Role: "builder", Status: models.TaskStatusSucceeded, Output: "done"},
			{ID: "t2", Title: "second", Role: "builder", Status: models.TaskStatusRunning, DependsOn: []string{"t1"}},
			{ID: "t3", Title: "third", Role: "reviewer", Status: models.TaskStatusPending, DependsOn: []string{"t2"}},
		},
		Sessions: []SessionState{
			{Role: "builder", Backend: "cli", ConversationID: "conv-9", Stats: session.Stats{InputTokens: 500, Turns: 3}},
		},
		FailureContext: []string{"cycle 0: task x failed: boom"},
		PriorSummary:   "made progress on the thing",
	}
}

func TestSaveAssignsMonotonicSeq(t *testing.T) {
	store := testStore(t)
	run := testRun("r1")
	if err := store.SaveRun(run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	for want := int64(1); want <= 3; want++ {
		seq, err := store.Save(testSnapshot(run))
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
		if seq != want {
			t.Errorf("seq = %d, want %d", seq, want)
		}
	}

	seqs, err := store.Checkpoints("r1")
	if err != nil {
		t.Fatalf("Checkpoints: %v", err)
	}
	if !reflect.DeepEqual(seqs, []int64{1, 2, 3}) {
		t.Errorf("Checkpoints = %v", seqs)
	}
}

func TestLoadLatestRoundTrip(t *testing.T) {
	store := testStore(t)
	run := testRun("r1")
	snap := testSnapshot(run)
	if _, err := store.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.LoadLatest("r1")
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if loaded.Run.ID != "r1" || loaded.Run.Goal != run.Goal {
		t.Errorf("run = %+v", loaded.Run)
	}
	if len(loaded.Tasks) != 3 {
		t.Fatalf("tasks = %d, want 3", len(loaded.Tasks))
	}
	if loaded.Tasks[0].Output != "done" {
		t.Errorf("succeeded task output lost: %+v", loaded.Tasks[0])
	}
	if len(loaded.Sessions) != 1 || loaded.Sessions[0].ConversationID != "conv-9" {
		t.Errorf("sessions = %+v", loaded.Sessions)
	}
	if loaded.PriorSummary != snap.PriorSummary {
		t.Errorf("PriorSummary = %q", loaded.PriorSummary)
	}

	// Loading again yields the same state; restore has no side effects.
	again, err := store.LoadLatest("r1")
	if err != nil {
		t.Fatalf("LoadLatest again: %v", err)
	}
	if !reflect.DeepEqual(loaded, again) {
		t.Error("repeated LoadLatest returned different snapshots")
	}
}

func TestLoadLatestPicksHighestSeq(t *testing.T) {
	store := testStore(t)
	run := testRun("r1")

	first := testSnapshot(run)
	if _, err := store.Save(first); err != nil {
		t.Fatalf("Save: %v", err)
	}

	second := testSnapshot(run)
	second.Tasks[1].Status = models.TaskStatusSucceeded
	second.Tasks[2].Status = models.TaskStatusRunning
	second.PriorSummary = "almost there"
	if _, err := store.Save(second); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.LoadLatest("r1")
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if loaded.Seq != 2 {
		t.Errorf("Seq = %d, want 2", loaded.Seq)
	}
	if loaded.PriorSummary != "almost there" {
		t.Errorf("PriorSummary = %q", loaded.PriorSummary)
	}

	incomplete := loaded.IncompleteTasks()
	if len(incomplete) != 1 || incomplete[0].ID != "t3" {
		t.Errorf("IncompleteTasks = %+v, want only t3", incomplete)
	}
}

func TestLoadLatestMissingRun(t *testing.T) {
	store := testStore(t)
	if _, err := store.LoadLatest("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSnapshotIncompleteTasks(t *testing.T) {
	snap := testSnapshot(testRun("r1"))
	incomplete := snap.IncompleteTasks()
	// Running and pending tasks need re-dispatch; succeeded does not.
	if len(incomplete) != 2 || incomplete[0].ID != "t2" || incomplete[1].ID != "t3" {
		t.Errorf("IncompleteTasks = %+v", incomplete)
	}
}

func TestRunsAndLatestRunID(t *testing.T) {
	store := testStore(t)

	old := testRun("r-old")
	old.StartedAt = time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	old.Status = models.RunStatusDone
	now := time.Now().UTC().Truncate(time.Second)
	old.CompletedAt = &now
	if err := store.SaveRun(old); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	current := testRun("r-new")
	if err := store.SaveRun(current); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	runs, err := store.Runs()
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "r-new" {
		t.Errorf("Runs = %+v, want r-new first", runs)
	}

	id, err := store.LatestRunID()
	if err != nil {
		t.Fatalf("LatestRunID: %v", err)
	}
	if id != "r-new" {
		t.Errorf("LatestRunID = %q, want r-new", id)
	}

	// A gracefully stopped run is still resumable.
	current.Status = models.RunStatusCancelled
	current.CompletedAt = &now
	if err := store.SaveRun(current); err != nil {
		t.Fatalf("SaveRun update: %v", err)
	}
	id, err = store.LatestRunID()
	if err != nil {
		t.Fatalf("LatestRunID after cancel: %v", err)
	}
	if id != "r-new" {
		t.Errorf("LatestRunID after cancel = %q, want r-new", id)
	}

	// Status updates persist via upsert.
	current.Status = models.RunStatusDone
	if err := store.SaveRun(current); err != nil {
		t.Fatalf("SaveRun update: %v", err)
	}
	if _, err := store.LatestRunID(); !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestRunID after completion = %v, want ErrNotFound", err)
	}
}

func TestCostRecordsRoundTrip(t *testing.T) {
	store := testStore(t)

	recs := []models.CostRecord{
		{RunID: "r1", CycleIndex: 0, TaskID: "t1", Role: "builder", Backend: "cli",
			Bucket: models.BucketFlatRate, InputTokens: 100, OutputTokens: 20,
			Timestamp: time.Now().UTC().Truncate(time.Second)},
		{RunID: "r1", CycleIndex: 1, Role: "planner", Backend: "api",
			Model: "claude-sonnet-4-20250514", Bucket: models.BucketMetered,
			InputTokens: 2000, OutputTokens: 150, CostUSD: 0.00825,
			Timestamp: time.Now().UTC().Truncate(time.Second)},
	}
	for _, rec := range recs {
		if err := store.WriteCostRecord(rec); err != nil {
			t.Fatalf("WriteCostRecord: %v", err)
		}
	}

	got, err := store.CostRecords("r1")
	if err != nil {
		t.Fatalf("CostRecords: %v", err)
	}
	if !reflect.DeepEqual(got, recs) {
		t.Errorf("CostRecords = %+v, want %+v", got, recs)
	}
}
