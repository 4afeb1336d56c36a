package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fableforge/fableforge-backend/internal/clients/bookforge"
	"github.com/fableforge/fableforge-backend/internal/clients/modeltrain"
	redisclient "github.com/fableforge/fableforge-backend/internal/clients/redis"
	"github.com/fableforge/fableforge-backend/internal/logger"
	"github.com/fableforge/fableforge-backend/internal/observability"
	"github.com/fableforge/fableforge-backend/internal/repos"
	"github.com/fableforge/fableforge-backend/internal/types"
)

type AssemblyDispatcher interface {
	Dispatch(ctx context.Context, req bookforge.AssemblyRequest) (string, error)
}

// Reconciler folds asynchronous provider notifications into runs. It is the
// only writer of a run after training dispatch. Folds for different runs may
// interleave; the job bus consumer delivers events one at a time, and the
// dispatch guard serializes racing webhook deliveries down to at most one
// assembly dispatch per run.
type Reconciler struct {
	log *logger.Logger

	runRepo   repos.AutomationRunRepo
	eventRepo repos.AutomationEventRepo
	bookRepo  repos.BookRepo

	forge    AssemblyDispatcher
	notifier RunNotifier
	metrics  *observability.Metrics

	mu          sync.Mutex
	dispatching map[uuid.UUID]struct{}
}

func NewReconciler(
	baseLog *logger.Logger,
	runRepo repos.AutomationRunRepo,
	eventRepo repos.AutomationEventRepo,
	bookRepo repos.BookRepo,
	forge AssemblyDispatcher,
	notifier RunNotifier,
	metrics *observability.Metrics,
) *Reconciler {
	return &Reconciler{
		log:         baseLog.With("service", "Reconciler"),
		runRepo:     runRepo,
		eventRepo:   eventRepo,
		bookRepo:    bookRepo,
		forge:       forge,
		notifier:    notifier,
		metrics:     metrics,
		dispatching: make(map[uuid.UUID]struct{}),
	}
}

// Start subscribes to the provider job bus. A failed fold is logged and the
// notification dropped; the provider's redelivery is what makes the pipeline
// converge, which is why every fold must be idempotent.
func (r *Reconciler) Start(ctx context.Context, bus redisclient.JobBus) error {
	return bus.StartConsumer(ctx, func(event redisclient.JobEvent) {
		switch event.Kind {
		case redisclient.JobEventTrainingUpdated:
			var upd modeltrain.TrainingUpdate
			if err := json.Unmarshal(event.Payload, &upd); err != nil {
				r.log.Warn("Bad training update payload", "error", err)
				return
			}
			if err := r.ApplyTrainingUpdate(ctx, upd); err != nil {
				r.log.Error("Failed to apply training update", "trainingID", upd.TrainingID, "error", err)
			}
		case redisclient.JobEventAssemblyUpdated:
			var upd bookforge.AssemblyUpdate
			if err := json.Unmarshal(event.Payload, &upd); err != nil {
				r.log.Warn("Bad assembly update payload", "error", err)
				return
			}
			if err := r.ApplyAssemblyUpdate(ctx, upd); err != nil {
				r.log.Error("Failed to apply assembly update", "jobID", upd.JobID, "error", err)
			}
		default:
			r.log.Debug("Ignoring job event of unknown kind", "kind", event.Kind)
		}
	})
}

func (r *Reconciler) ApplyTrainingUpdate(ctx context.Context, upd modeltrain.TrainingUpdate) error {
	if upd.TrainingID == "" {
		return fmt.Errorf("training update missing training id")
	}
	run, err := r.runRepo.GetByTrainingID(ctx, nil, upd.TrainingID)
	if err != nil {
		return fmt.Errorf("lookup run by training id: %w", err)
	}
	if run == nil {
		// A job this orchestrator never dispatched.
		r.log.Debug("Dropping training update for unknown job", "trainingID", upd.TrainingID)
		return nil
	}
	if types.IsTerminalRunStatus(run.Status) {
		r.log.Debug("Dropping training update for terminal run", "runID", run.ID, "status", run.Status)
		return nil
	}

	prev := run.TrainingState()
	if prev.Status == types.JobStatusSucceeded || prev.Status == types.JobStatusFailed {
		// The provider already finished; anything else is late or redelivered.
		if upd.Status != prev.Status {
			r.log.Debug("Dropping out-of-order training update", "runID", run.ID, "status", upd.Status)
			return nil
		}
	}

	snap := types.TrainingSnapshotData{
		Status:       upd.Status,
		Progress:     clampPct(upd.Progress),
		Error:        upd.Error,
		ModelVersion: upd.ModelVersion,
	}

	switch upd.Status {
	case types.JobStatusSucceeded:
		return r.foldTrainingSucceeded(ctx, run, snap)
	case types.JobStatusFailed:
		return r.foldJobFailed(ctx, run, map[string]interface{}{
			"training_snapshot": types.MarshalSnapshot(snap),
		}, "training", snap.Error)
	default:
		updates := map[string]interface{}{
			"training_snapshot": types.MarshalSnapshot(snap),
			"progress":          gorm.Expr("GREATEST(progress, ?)", RunProgress(types.RunStatusTraining, snap.Progress, 0)),
		}
		if _, err := r.runRepo.UpdateFieldsUnlessStatus(ctx, nil, run.ID,
			[]string{types.RunStatusFailed, types.RunStatusCompleted}, updates); err != nil {
			return fmt.Errorf("fold training progress: %w", err)
		}
		r.notifyCurrent(ctx, run.ID)
		return nil
	}
}

func (r *Reconciler) foldTrainingSucceeded(ctx context.Context, run *types.AutomationRun, snap types.TrainingSnapshotData) error {
	firstSuccess := run.TrainingState().Status != types.JobStatusSucceeded

	// Racing assembly dispatch may already have moved the run to storybook;
	// never pull it back to storybook_pending.
	target := types.RunStatusStorybookPending
	disallowed := []string{types.RunStatusFailed, types.RunStatusCompleted, types.RunStatusStorybook}
	if run.StorybookJobID != nil {
		target = types.RunStatusStorybook
		disallowed = []string{types.RunStatusFailed, types.RunStatusCompleted}
	}

	updates := map[string]interface{}{
		"training_snapshot": types.MarshalSnapshot(snap),
		"status":            target,
		"progress":          gorm.Expr("GREATEST(progress, ?)", RunProgress(target, snap.Progress, 0)),
	}
	if _, err := r.runRepo.UpdateFieldsUnlessStatus(ctx, nil, run.ID, disallowed, updates); err != nil {
		return fmt.Errorf("fold training success: %w", err)
	}

	if firstSuccess {
		r.metrics.ObserveRunStage("training", "ok", 0)
		if err := r.appendEventOnce(ctx, run.ID, types.EventTypeTrainingCompleted,
			fmt.Sprintf("training %s succeeded", deref(run.TrainingID)),
			map[string]any{"model_version": snap.ModelVersion}); err != nil {
			r.log.Warn("Failed to append training_completed event", "runID", run.ID, "error", err)
		}
	}
	r.notifyCurrent(ctx, run.ID)

	if run.StorybookJobID == nil {
		r.maybeDispatchStorybook(ctx, run.ID)
	}
	return nil
}

func (r *Reconciler) ApplyAssemblyUpdate(ctx context.Context, upd bookforge.AssemblyUpdate) error {
	if upd.JobID == "" {
		return fmt.Errorf("assembly update missing job id")
	}
	run, err := r.runRepo.GetByStorybookJobID(ctx, nil, upd.JobID)
	if err != nil {
		return fmt.Errorf("lookup run by storybook job id: %w", err)
	}
	if run == nil {
		r.log.Debug("Dropping assembly update for unknown job", "jobID", upd.JobID)
		return nil
	}
	if types.IsTerminalRunStatus(run.Status) {
		r.log.Debug("Dropping assembly update for terminal run", "runID", run.ID, "status", run.Status)
		return nil
	}

	prev := run.StorybookState()
	if prev.Status == types.JobStatusSucceeded || prev.Status == types.JobStatusFailed {
		if upd.Status != prev.Status {
			r.log.Debug("Dropping out-of-order assembly update", "runID", run.ID, "status", upd.Status)
			return nil
		}
	}

	snap := types.StorybookSnapshotData{
		Status:   upd.Status,
		Progress: clampPct(upd.Progress),
		Error:    upd.Error,
		PDFAsset: upd.PDFAsset,
	}

	switch upd.Status {
	case types.JobStatusSucceeded:
		updates := map[string]interface{}{
			"storybook_snapshot": types.MarshalSnapshot(snap),
			"status":             types.RunStatusCompleted,
			"progress":           100,
		}
		if _, err := r.runRepo.UpdateFieldsUnlessStatus(ctx, nil, run.ID,
			[]string{types.RunStatusFailed, types.RunStatusCompleted}, updates); err != nil {
			return fmt.Errorf("fold assembly success: %w", err)
		}
		r.metrics.ObserveRunStage("storybook", "ok", 0)
		if err := r.appendEventOnce(ctx, run.ID, types.EventTypeStorybookCompleted,
			fmt.Sprintf("storybook %s assembled", upd.JobID),
			map[string]any{"job_id": upd.JobID}); err != nil {
			r.log.Warn("Failed to append storybook_completed event", "runID", run.ID, "error", err)
		}
		r.notifyCurrent(ctx, run.ID)
		return nil
	case types.JobStatusFailed:
		return r.foldJobFailed(ctx, run, map[string]interface{}{
			"storybook_snapshot": types.MarshalSnapshot(snap),
		}, "storybook", snap.Error)
	default:
		updates := map[string]interface{}{
			"storybook_snapshot": types.MarshalSnapshot(snap),
			"progress":           gorm.Expr("GREATEST(progress, ?)", RunProgress(types.RunStatusStorybook, 0, snap.Progress)),
		}
		if _, err := r.runRepo.UpdateFieldsUnlessStatus(ctx, nil, run.ID,
			[]string{types.RunStatusFailed, types.RunStatusCompleted}, updates); err != nil {
			return fmt.Errorf("fold assembly progress: %w", err)
		}
		r.notifyCurrent(ctx, run.ID)
		return nil
	}
}

// foldJobFailed marks the run failed without touching progress, which stays
// frozen at the last value observers saw.
func (r *Reconciler) foldJobFailed(ctx context.Context, run *types.AutomationRun, snapshotPatch map[string]interface{}, stage, jobError string) error {
	if jobError == "" {
		jobError = fmt.Sprintf("%s job failed", stage)
	}
	updates := map[string]interface{}{
		"status": types.RunStatusFailed,
		"error":  jobError,
	}
	for k, v := range snapshotPatch {
		updates[k] = v
	}
	ok, err := r.runRepo.UpdateFieldsUnlessStatus(ctx, nil, run.ID,
		[]string{types.RunStatusFailed, types.RunStatusCompleted}, updates)
	if err != nil {
		return fmt.Errorf("fold %s failure: %w", stage, err)
	}
	if ok {
		r.metrics.ObserveRunStage(stage, "failed", 0)
		if err := r.appendEventOnce(ctx, run.ID, types.EventTypeError,
			fmt.Sprintf("%s failed: %s", stage, jobError),
			map[string]any{"stage": stage}); err != nil {
			r.log.Warn("Failed to append error event", "runID", run.ID, "error", err)
		}
	}
	r.notifyCurrent(ctx, run.ID)
	return nil
}

// maybeDispatchStorybook triggers assembly exactly once per run. The guard is
// inserted before the dispatch call and removed regardless of outcome, so a
// failed dispatch does not wedge the run for the life of the process.
func (r *Reconciler) maybeDispatchStorybook(ctx context.Context, runID uuid.UUID) {
	if !r.tryAcquireDispatch(runID) {
		r.log.Debug("Storybook dispatch already in flight", "runID", runID)
		return
	}
	defer r.releaseDispatch(runID)

	run, err := r.runRepo.GetByID(ctx, nil, runID)
	if err != nil || run == nil {
		r.log.Error("Failed to reload run before storybook dispatch", "runID", runID, "error", err)
		return
	}
	if types.IsTerminalRunStatus(run.Status) || run.StorybookJobID != nil {
		return
	}
	if run.UserID == nil || run.TrainingID == nil {
		r.failDispatch(ctx, run, fmt.Errorf("run is missing user or training reference"))
		return
	}

	book, err := r.bookRepo.GetByID(ctx, nil, run.BookID)
	if err != nil {
		r.failDispatch(ctx, run, fmt.Errorf("load book: %w", err))
		return
	}
	if book == nil {
		r.failDispatch(ctx, run, fmt.Errorf("book not found: %s", run.BookID))
		return
	}

	jobID, err := r.forge.Dispatch(ctx, bookforge.AssemblyRequest{
		BookID:     run.BookID.String(),
		TrainingID: *run.TrainingID,
		UserID:     run.UserID.String(),
		ReaderName: book.ReaderName,
		Title:      book.Title,
	})
	if err != nil {
		r.metrics.IncProviderDispatch("bookforge", "failed")
		// Training already succeeded and stays valuable; only the run fails.
		r.failDispatch(ctx, run, fmt.Errorf("dispatch storybook assembly: %w", err))
		return
	}
	r.metrics.IncProviderDispatch("bookforge", "ok")

	snap := types.StorybookSnapshotData{Status: "starting", Progress: 0}
	claimed, err := r.runRepo.ClaimStorybookDispatch(ctx, nil, run.ID, jobID, map[string]interface{}{
		"status":             types.RunStatusStorybook,
		"progress":           gorm.Expr("GREATEST(progress, ?)", RunProgress(types.RunStatusStorybook, 0, 0)),
		"storybook_snapshot": types.MarshalSnapshot(snap),
	})
	if err != nil {
		r.log.Error("Failed to record storybook dispatch", "runID", run.ID, "jobID", jobID, "error", err)
		return
	}
	if !claimed {
		r.log.Warn("Storybook job already claimed for run, dropping duplicate dispatch result", "runID", run.ID, "jobID", jobID)
		return
	}
	if err := r.appendEventOnce(ctx, run.ID, types.EventTypeStorybookDispatched,
		fmt.Sprintf("storybook job %s dispatched", jobID),
		map[string]any{"job_id": jobID}); err != nil {
		r.log.Warn("Failed to append storybook_dispatched event", "runID", run.ID, "error", err)
	}
	r.notifyCurrent(ctx, run.ID)
}

func (r *Reconciler) failDispatch(ctx context.Context, run *types.AutomationRun, cause error) {
	r.log.Error("Storybook dispatch failed", "runID", run.ID, "error", cause)
	if err := r.foldJobFailed(ctx, run, nil, "storybook_dispatch", cause.Error()); err != nil {
		r.log.Error("Failed to mark run failed after dispatch error", "runID", run.ID, "error", err)
	}
}

func (r *Reconciler) tryAcquireDispatch(runID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.dispatching[runID]; busy {
		return false
	}
	r.dispatching[runID] = struct{}{}
	return true
}

func (r *Reconciler) releaseDispatch(runID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dispatching, runID)
}

// appendEventOnce skips the append when an event of this type already exists
// for the run, so redelivered notifications never duplicate audit rows. The
// count-then-insert is racy across goroutines; the partial unique index on
// (run_id, type) for once-per-run event types absorbs the losing insert.
func (r *Reconciler) appendEventOnce(ctx context.Context, runID uuid.UUID, eventType, message string, metadata map[string]any) error {
	count, err := r.eventRepo.CountByRunAndType(ctx, nil, runID, eventType)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	event := &types.AutomationEvent{
		ID:        uuid.New(),
		RunID:     runID,
		Type:      eventType,
		Message:   message,
		Metadata:  mustJSON(metadata),
		CreatedAt: time.Now(),
	}
	_, err = r.eventRepo.Append(ctx, nil, []*types.AutomationEvent{event})
	return err
}

func (r *Reconciler) notifyCurrent(ctx context.Context, runID uuid.UUID) {
	run, err := r.runRepo.GetByID(ctx, nil, runID)
	if err != nil || run == nil {
		return
	}
	if r.notifier != nil {
		r.notifier.RunUpdated(run)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
