package services

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/fableforge/fableforge-backend/internal/clients/bookforge"
	"github.com/fableforge/fableforge-backend/internal/clients/modeltrain"
	redisclient "github.com/fableforge/fableforge-backend/internal/clients/redis"
	"github.com/fableforge/fableforge-backend/internal/logger"
	"github.com/fableforge/fableforge-backend/internal/types"
)

type reconcilerFixture struct {
	rec       *Reconciler
	runRepo   *fakeRunRepo
	eventRepo *fakeEventRepo
	bookRepo  *fakeBookRepo
	forge     *fakeForge
	notifier  *fakeNotifier
	run       *types.AutomationRun
}

// newReconcilerFixture seeds one run mid-training, the shape a run has when
// the first provider notification arrives.
func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}

	f := &reconcilerFixture{
		runRepo:   newFakeRunRepo(),
		eventRepo: &fakeEventRepo{},
		bookRepo:  newFakeBookRepo(),
		forge:     &fakeForge{},
		notifier:  &fakeNotifier{},
	}

	book := &types.Book{ID: uuid.New(), Title: "The Moon Garden", ReaderName: "Maya"}
	if _, err := f.bookRepo.Create(context.Background(), nil, []*types.Book{book}); err != nil {
		t.Fatalf("seed book: %v", err)
	}

	userID := uuid.New()
	trainingID := "train-1"
	f.run = &types.AutomationRun{
		ID:               uuid.New(),
		BookID:           book.ID,
		UserID:           &userID,
		TrainingID:       &trainingID,
		Status:           types.RunStatusTraining,
		Progress:         20,
		TrainingSnapshot: types.MarshalSnapshot(types.TrainingSnapshotData{Status: "starting"}),
	}
	if _, err := f.runRepo.Create(context.Background(), nil, []*types.AutomationRun{f.run}); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	f.rec = NewReconciler(log, f.runRepo, f.eventRepo, f.bookRepo, f.forge, f.notifier, nil)
	return f
}

func TestApplyTrainingProgressFoldsSnapshot(t *testing.T) {
	f := newReconcilerFixture(t)

	err := f.rec.ApplyTrainingUpdate(context.Background(), modeltrain.TrainingUpdate{
		TrainingID: "train-1", Status: "processing", Progress: 50,
	})
	if err != nil {
		t.Fatalf("ApplyTrainingUpdate: %v", err)
	}

	stored := f.runRepo.get(f.run.ID)
	if stored.Status != types.RunStatusTraining {
		t.Fatalf("run status: want=%s got=%s", types.RunStatusTraining, stored.Status)
	}
	if stored.Progress != 40 {
		t.Fatalf("run progress: want=40 got=%d", stored.Progress)
	}
	snap := stored.TrainingState()
	if snap.Status != "processing" || snap.Progress != 50 {
		t.Fatalf("training snapshot mismatch: got=%+v", snap)
	}
	if f.forge.callCount() != 0 {
		t.Fatalf("assembly must not dispatch on mid-training progress")
	}
}

func TestApplyTrainingProgressNeverRegresses(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	if err := f.rec.ApplyTrainingUpdate(ctx, modeltrain.TrainingUpdate{TrainingID: "train-1", Status: "processing", Progress: 80}); err != nil {
		t.Fatalf("ApplyTrainingUpdate: %v", err)
	}
	if got := f.runRepo.get(f.run.ID).Progress; got != 52 {
		t.Fatalf("run progress: want=52 got=%d", got)
	}

	// A stale notification with lower sub-progress updates the snapshot but
	// never pulls the score back.
	if err := f.rec.ApplyTrainingUpdate(ctx, modeltrain.TrainingUpdate{TrainingID: "train-1", Status: "processing", Progress: 30}); err != nil {
		t.Fatalf("ApplyTrainingUpdate: %v", err)
	}
	stored := f.runRepo.get(f.run.ID)
	if stored.Progress != 52 {
		t.Fatalf("run progress regressed: want=52 got=%d", stored.Progress)
	}
	if snap := stored.TrainingState(); snap.Progress != 30 {
		t.Fatalf("training snapshot progress: want=30 got=%d", snap.Progress)
	}
}

func TestTrainingSucceededDispatchesAssembly(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	upd := modeltrain.TrainingUpdate{TrainingID: "train-1", Status: types.JobStatusSucceeded, Progress: 100, ModelVersion: "v3"}
	if err := f.rec.ApplyTrainingUpdate(ctx, upd); err != nil {
		t.Fatalf("ApplyTrainingUpdate: %v", err)
	}

	stored := f.runRepo.get(f.run.ID)
	if stored.Status != types.RunStatusStorybook {
		t.Fatalf("run status: want=%s got=%s", types.RunStatusStorybook, stored.Status)
	}
	if stored.StorybookJobID == nil || *stored.StorybookJobID != "job-1" {
		t.Fatalf("storybook job id: got=%v", stored.StorybookJobID)
	}
	if stored.Progress != 80 {
		t.Fatalf("run progress: want=80 got=%d", stored.Progress)
	}
	if f.forge.callCount() != 1 {
		t.Fatalf("assembly dispatch count: want=1 got=%d", f.forge.callCount())
	}
	if f.forge.last.TrainingID != "train-1" || f.forge.last.ReaderName != "Maya" {
		t.Fatalf("assembly request mismatch: got=%+v", f.forge.last)
	}
	if got := f.eventRepo.countOfType(f.run.ID, types.EventTypeTrainingCompleted); got != 1 {
		t.Fatalf("training_completed event count: want=1 got=%d", got)
	}
	if got := f.eventRepo.countOfType(f.run.ID, types.EventTypeStorybookDispatched); got != 1 {
		t.Fatalf("storybook_dispatched event count: want=1 got=%d", got)
	}

	// Provider redelivery of the same terminal notification is a no-op.
	if err := f.rec.ApplyTrainingUpdate(ctx, upd); err != nil {
		t.Fatalf("ApplyTrainingUpdate redelivery: %v", err)
	}
	if f.forge.callCount() != 1 {
		t.Fatalf("assembly dispatch after redelivery: want=1 got=%d", f.forge.callCount())
	}
	if got := f.eventRepo.countOfType(f.run.ID, types.EventTypeTrainingCompleted); got != 1 {
		t.Fatalf("training_completed after redelivery: want=1 got=%d", got)
	}
}

func TestConcurrentTrainingSuccessSingleDispatch(t *testing.T) {
	f := newReconcilerFixture(t)
	upd := modeltrain.TrainingUpdate{TrainingID: "train-1", Status: types.JobStatusSucceeded, Progress: 100}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.rec.ApplyTrainingUpdate(context.Background(), upd)
		}()
	}
	wg.Wait()

	if f.forge.callCount() != 1 {
		t.Fatalf("assembly dispatch count under race: want=1 got=%d", f.forge.callCount())
	}
	stored := f.runRepo.get(f.run.ID)
	if stored.StorybookJobID == nil || *stored.StorybookJobID != "job-1" {
		t.Fatalf("storybook job id: got=%v", stored.StorybookJobID)
	}
	if stored.Status != types.RunStatusStorybook {
		t.Fatalf("run status: want=%s got=%s", types.RunStatusStorybook, stored.Status)
	}
	// Racing appends hit the (run_id, type) uniqueness backstop.
	if got := f.eventRepo.countOfType(f.run.ID, types.EventTypeTrainingCompleted); got != 1 {
		t.Fatalf("training_completed events under race: want=1 got=%d", got)
	}
}

// replayJobBus hands every queued event to the consumer synchronously, the
// shape of one drain of the redis channel.
type replayJobBus struct {
	events []redisclient.JobEvent
}

func (b *replayJobBus) Publish(ctx context.Context, event redisclient.JobEvent) error {
	b.events = append(b.events, event)
	return nil
}

func (b *replayJobBus) StartConsumer(ctx context.Context, onEvent func(event redisclient.JobEvent)) error {
	for _, e := range b.events {
		onEvent(e)
	}
	return nil
}

func (b *replayJobBus) Close() error { return nil }

func TestStartDecodesBusPayloads(t *testing.T) {
	f := newReconcilerFixture(t)

	trainingPayload, err := json.Marshal(modeltrain.TrainingUpdate{
		TrainingID: "train-1", Status: types.JobStatusSucceeded, Progress: 100, ModelVersion: "v3",
	})
	if err != nil {
		t.Fatalf("marshal training update: %v", err)
	}
	assemblyPayload, err := json.Marshal(bookforge.AssemblyUpdate{
		JobID: "job-1", Status: "rendering", Progress: 40,
	})
	if err != nil {
		t.Fatalf("marshal assembly update: %v", err)
	}

	bus := &replayJobBus{events: []redisclient.JobEvent{
		{Kind: redisclient.JobEventTrainingUpdated, Payload: trainingPayload},
		{Kind: redisclient.JobEventAssemblyUpdated, Payload: assemblyPayload},
		{Kind: "unrelated", Payload: []byte(`{}`)},
	}}
	if err := f.rec.Start(context.Background(), bus); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stored := f.runRepo.get(f.run.ID)
	if stored.Status != types.RunStatusStorybook {
		t.Fatalf("run status after drain: want=%s got=%s", types.RunStatusStorybook, stored.Status)
	}
	if snap := stored.TrainingState(); snap.ModelVersion != "v3" {
		t.Fatalf("training snapshot model version: want=v3 got=%q", snap.ModelVersion)
	}
	if snap := stored.StorybookState(); snap.Status != "rendering" || snap.Progress != 40 {
		t.Fatalf("storybook snapshot mismatch: got=%+v", snap)
	}
}

func TestTrainingFailedFreezesRun(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	if err := f.rec.ApplyTrainingUpdate(ctx, modeltrain.TrainingUpdate{TrainingID: "train-1", Status: "processing", Progress: 50}); err != nil {
		t.Fatalf("ApplyTrainingUpdate: %v", err)
	}
	if err := f.rec.ApplyTrainingUpdate(ctx, modeltrain.TrainingUpdate{TrainingID: "train-1", Status: types.JobStatusFailed, Error: "gpu meltdown"}); err != nil {
		t.Fatalf("ApplyTrainingUpdate failure: %v", err)
	}

	stored := f.runRepo.get(f.run.ID)
	if stored.Status != types.RunStatusFailed {
		t.Fatalf("run status: want=%s got=%s", types.RunStatusFailed, stored.Status)
	}
	if stored.Error != "gpu meltdown" {
		t.Fatalf("run error: got=%q", stored.Error)
	}
	// Failure freezes the score where observers last saw it.
	if stored.Progress != 40 {
		t.Fatalf("run progress after failure: want=40 got=%d", stored.Progress)
	}
	if got := f.eventRepo.countOfType(f.run.ID, types.EventTypeError); got != 1 {
		t.Fatalf("error event count: want=1 got=%d", got)
	}

	// Anything arriving after the terminal fold is dropped.
	if err := f.rec.ApplyTrainingUpdate(ctx, modeltrain.TrainingUpdate{TrainingID: "train-1", Status: "processing", Progress: 90}); err != nil {
		t.Fatalf("ApplyTrainingUpdate after terminal: %v", err)
	}
	stored = f.runRepo.get(f.run.ID)
	if stored.Status != types.RunStatusFailed || stored.Progress != 40 {
		t.Fatalf("terminal run mutated: status=%s progress=%d", stored.Status, stored.Progress)
	}
}

func TestLateFailureAfterSuccessDropped(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	if err := f.rec.ApplyTrainingUpdate(ctx, modeltrain.TrainingUpdate{TrainingID: "train-1", Status: types.JobStatusSucceeded, Progress: 100}); err != nil {
		t.Fatalf("ApplyTrainingUpdate: %v", err)
	}
	if err := f.rec.ApplyTrainingUpdate(ctx, modeltrain.TrainingUpdate{TrainingID: "train-1", Status: types.JobStatusFailed, Error: "late"}); err != nil {
		t.Fatalf("ApplyTrainingUpdate late failure: %v", err)
	}

	stored := f.runRepo.get(f.run.ID)
	if stored.Status != types.RunStatusStorybook {
		t.Fatalf("late failure must be dropped: status=%s", stored.Status)
	}
	if stored.Error != "" {
		t.Fatalf("run error: want empty got=%q", stored.Error)
	}
}

func TestUnknownTrainingJobDropped(t *testing.T) {
	f := newReconcilerFixture(t)

	if err := f.rec.ApplyTrainingUpdate(context.Background(), modeltrain.TrainingUpdate{TrainingID: "someone-elses-job", Status: types.JobStatusSucceeded}); err != nil {
		t.Fatalf("ApplyTrainingUpdate: %v", err)
	}
	if f.forge.callCount() != 0 {
		t.Fatalf("assembly must not dispatch for unknown job")
	}
	if got := f.runRepo.get(f.run.ID); got.Status != types.RunStatusTraining {
		t.Fatalf("seeded run mutated: status=%s", got.Status)
	}

	if err := f.rec.ApplyTrainingUpdate(context.Background(), modeltrain.TrainingUpdate{}); err == nil {
		t.Fatalf("expected error for update without training id")
	}
}

func TestAssemblyDispatchFailureFailsRun(t *testing.T) {
	f := newReconcilerFixture(t)
	f.forge.err = context.DeadlineExceeded

	if err := f.rec.ApplyTrainingUpdate(context.Background(), modeltrain.TrainingUpdate{TrainingID: "train-1", Status: types.JobStatusSucceeded, Progress: 100}); err != nil {
		t.Fatalf("ApplyTrainingUpdate: %v", err)
	}

	stored := f.runRepo.get(f.run.ID)
	if stored.Status != types.RunStatusFailed {
		t.Fatalf("run status: want=%s got=%s", types.RunStatusFailed, stored.Status)
	}
	if !strings.Contains(stored.Error, "dispatch storybook assembly") {
		t.Fatalf("run error: got=%q", stored.Error)
	}
	if stored.StorybookJobID != nil {
		t.Fatalf("storybook job id must stay empty: got=%v", stored.StorybookJobID)
	}
	// The succeeded training snapshot survives the failure.
	if snap := stored.TrainingState(); snap.Status != types.JobStatusSucceeded {
		t.Fatalf("training snapshot: want=%s got=%+v", types.JobStatusSucceeded, snap)
	}
}

func seedAssemblyRun(t *testing.T, f *reconcilerFixture) {
	t.Helper()
	jobID := "job-1"
	f.runRepo.mu.Lock()
	run := f.runRepo.runs[f.run.ID]
	run.Status = types.RunStatusStorybook
	run.Progress = 80
	run.StorybookJobID = &jobID
	run.TrainingSnapshot = types.MarshalSnapshot(types.TrainingSnapshotData{Status: types.JobStatusSucceeded, Progress: 100})
	run.StorybookSnapshot = types.MarshalSnapshot(types.StorybookSnapshotData{Status: "starting"})
	f.runRepo.mu.Unlock()
}

func TestAssemblySucceededCompletesRun(t *testing.T) {
	f := newReconcilerFixture(t)
	seedAssemblyRun(t, f)
	ctx := context.Background()

	upd := bookforge.AssemblyUpdate{
		JobID:    "job-1",
		Status:   types.JobStatusSucceeded,
		Progress: 100,
		PDFAsset: &types.PDFAsset{Key: "books/run/final.pdf", URL: "https://cdn.test/final.pdf", Pages: 24},
	}
	if err := f.rec.ApplyAssemblyUpdate(ctx, upd); err != nil {
		t.Fatalf("ApplyAssemblyUpdate: %v", err)
	}

	stored := f.runRepo.get(f.run.ID)
	if stored.Status != types.RunStatusCompleted {
		t.Fatalf("run status: want=%s got=%s", types.RunStatusCompleted, stored.Status)
	}
	if stored.Progress != 100 {
		t.Fatalf("run progress: want=100 got=%d", stored.Progress)
	}
	snap := stored.StorybookState()
	if snap.PDFAsset == nil || snap.PDFAsset.Pages != 24 {
		t.Fatalf("pdf asset not recorded: got=%+v", snap.PDFAsset)
	}
	if got := f.eventRepo.countOfType(f.run.ID, types.EventTypeStorybookCompleted); got != 1 {
		t.Fatalf("storybook_completed event count: want=1 got=%d", got)
	}

	// Redelivery hits a terminal run and is dropped.
	if err := f.rec.ApplyAssemblyUpdate(ctx, upd); err != nil {
		t.Fatalf("ApplyAssemblyUpdate redelivery: %v", err)
	}
	if got := f.eventRepo.countOfType(f.run.ID, types.EventTypeStorybookCompleted); got != 1 {
		t.Fatalf("storybook_completed after redelivery: want=1 got=%d", got)
	}
}

func TestAssemblyProgressFoldsSnapshot(t *testing.T) {
	f := newReconcilerFixture(t)
	seedAssemblyRun(t, f)

	if err := f.rec.ApplyAssemblyUpdate(context.Background(), bookforge.AssemblyUpdate{JobID: "job-1", Status: "rendering", Progress: 40}); err != nil {
		t.Fatalf("ApplyAssemblyUpdate: %v", err)
	}
	stored := f.runRepo.get(f.run.ID)
	// 65 + 0.35*40 = 79 stays below the stored 80; the max fold holds.
	if stored.Progress != 80 {
		t.Fatalf("run progress: want=80 got=%d", stored.Progress)
	}
	if snap := stored.StorybookState(); snap.Status != "rendering" || snap.Progress != 40 {
		t.Fatalf("storybook snapshot mismatch: got=%+v", snap)
	}

	if err := f.rec.ApplyAssemblyUpdate(context.Background(), bookforge.AssemblyUpdate{JobID: "job-1", Status: "rendering", Progress: 80}); err != nil {
		t.Fatalf("ApplyAssemblyUpdate: %v", err)
	}
	// 65 + 0.35*80 = 93 overtakes it.
	if got := f.runRepo.get(f.run.ID).Progress; got != 93 {
		t.Fatalf("run progress: want=93 got=%d", got)
	}
}

func TestAssemblyFailedFreezesProgress(t *testing.T) {
	f := newReconcilerFixture(t)
	seedAssemblyRun(t, f)

	if err := f.rec.ApplyAssemblyUpdate(context.Background(), bookforge.AssemblyUpdate{JobID: "job-1", Status: types.JobStatusFailed, Error: "render crash"}); err != nil {
		t.Fatalf("ApplyAssemblyUpdate: %v", err)
	}
	stored := f.runRepo.get(f.run.ID)
	if stored.Status != types.RunStatusFailed {
		t.Fatalf("run status: want=%s got=%s", types.RunStatusFailed, stored.Status)
	}
	if stored.Progress != 80 {
		t.Fatalf("run progress after failure: want=80 got=%d", stored.Progress)
	}
	if stored.Error != "render crash" {
		t.Fatalf("run error: got=%q", stored.Error)
	}
}
