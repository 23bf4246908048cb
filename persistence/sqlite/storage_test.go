package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/letsconnect/flowkit/model"
	"github.com/letsconnect/flowkit/persistence"
	"github.com/stretchr/testify/require"
)

func TestStorage(t *testing.T) {
	for scenario, fn := range map[string]func(
		t *testing.T, storage *Storage,
	){
		"get or create is idempotent":     testGetOrCreate,
		"record step result":              testRecordStepResult,
		"terminal transitions are no-ops": testTerminalTransitions,
		"wake queue polls due wakes":      testWakeQueue,
		"cron marks round trip":           testCronMarks,
	} {
		t.Run(scenario, func(t *testing.T) {
			storage, err := NewStorage(filepath.Join(t.TempDir(), "flowkit.db"))
			require.NoError(t, err)
			defer storage.Close()
			fn(t, storage)
		})
	}
}

func newRun(id string) *model.Run {
	return &model.Run{
		Id:         id,
		FunctionId: "fn",
		Status:     model.RUN_STATUS_RUNNING,
		Input:      map[string]any{"k": "v"},
		Memos:      make(map[string]model.StepMemo),
	}
}

func testGetOrCreate(t *testing.T, storage *Storage) {
	run, created, err := storage.GetOrCreate(newRun("r1"))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "r1", run.Id)

	persisted, err := storage.Get("r1")
	require.NoError(t, err)
	require.False(t, persisted.CreatedAt.IsZero())
	require.False(t, persisted.UpdatedAt.IsZero())

	require.NoError(t, storage.RecordStepResult("r1", model.StepMemo{StepName: "s1", Result: []byte(`"done"`)}, 1))

	again, created, err := storage.GetOrCreate(newRun("r1"))
	require.NoError(t, err)
	require.False(t, created)
	require.Contains(t, again.Memos, "s1")
}

func testRecordStepResult(t *testing.T, storage *Storage) {
	_, _, err := storage.GetOrCreate(newRun("r1"))
	require.NoError(t, err)

	memo := model.StepMemo{StepName: "s1", Result: []byte(`1`)}
	require.NoError(t, storage.RecordStepResult("r1", memo, 1))
	require.NoError(t, storage.RecordStepResult("r1", memo, 1))

	err = storage.RecordStepResult("r1", model.StepMemo{StepName: "s1", Result: []byte(`2`)}, 1)
	require.IsType(t, persistence.StepAlreadyRecordedError{}, err)

	err = storage.RecordStepResult("missing", memo, 1)
	require.IsType(t, persistence.RunNotFoundError{}, err)

	run, err := storage.Get("r1")
	require.NoError(t, err)
	require.Equal(t, 1, run.Cursor)
	require.Equal(t, []byte(`1`), run.Memos["s1"].Result)
}

func testTerminalTransitions(t *testing.T, storage *Storage) {
	_, _, err := storage.GetOrCreate(newRun("r1"))
	require.NoError(t, err)

	require.NoError(t, storage.SetCompleted("r1"))
	require.NoError(t, storage.SetFailed("r1", "boom"))

	run, err := storage.Get("r1")
	require.NoError(t, err)
	require.Equal(t, model.RUN_STATUS_COMPLETED, run.Status)
	require.Empty(t, run.Error)
}

func testWakeQueue(t *testing.T, storage *Storage) {
	now := time.Now()
	require.NoError(t, storage.Push("early", now.Add(-time.Minute)))
	require.NoError(t, storage.Push("late", now.Add(time.Hour)))
	require.NoError(t, storage.Push("early", now.Add(-time.Minute)))

	due, err := storage.PollDue(now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "early", due[0].RunId)

	// an unacknowledged wake stays queued for redelivery
	due, err = storage.PollDue(now)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, storage.Remove(due[0]))
	due, err = storage.PollDue(now)
	require.NoError(t, err)
	require.Empty(t, due)

	due, err = storage.PollDue(now.Add(2 * time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "late", due[0].RunId)
}

func TestWakeSurvivesRestartBeforeDelivery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowkit.db")
	storage, err := NewStorage(path)
	require.NoError(t, err)

	_, _, err = storage.GetOrCreate(newRun("r1"))
	require.NoError(t, err)
	wakeAt := time.Now().Add(-time.Minute)
	require.NoError(t, storage.SetSleeping("r1", wakeAt))
	require.NoError(t, storage.Push("r1", wakeAt))

	// poll without acknowledging, then go down mid-delivery
	due, err := storage.PollDue(time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.NoError(t, storage.Close())

	reopened, err := NewStorage(path)
	require.NoError(t, err)
	defer reopened.Close()

	due, err = reopened.PollDue(time.Now().Add(48 * time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "r1", due[0].RunId)

	run, err := reopened.Get("r1")
	require.NoError(t, err)
	require.Equal(t, model.RUN_STATUS_SLEEPING, run.Status)
}

func testCronMarks(t *testing.T, storage *Storage) {
	_, ok, err := storage.GetMark("fn")
	require.NoError(t, err)
	require.False(t, ok)

	mark := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, storage.SetMark("fn", mark))

	got, ok, err := storage.GetMark("fn")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Equal(mark))

	later := mark.Add(24 * time.Hour)
	require.NoError(t, storage.SetMark("fn", later))
	got, ok, err = storage.GetMark("fn")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Equal(later))
}
