package services

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fableforge/fableforge-backend/internal/clients/gcp"
	"github.com/fableforge/fableforge-backend/internal/clients/modeltrain"
	"github.com/fableforge/fableforge-backend/internal/logger"
	"github.com/fableforge/fableforge-backend/internal/observability"
	"github.com/fableforge/fableforge-backend/internal/repos"
	"github.com/fableforge/fableforge-backend/internal/types"
)

const maxRunPhotos = 25

// ObjectStore is the slice of the bucket service the automation pipeline
// needs.
type ObjectStore interface {
	UploadFile(ctx context.Context, category gcp.BucketCategory, key string, file io.Reader) error
	DeleteFile(ctx context.Context, category gcp.BucketCategory, key string) error
	ListKeys(ctx context.Context, category gcp.BucketCategory, prefix string) ([]string, error)
	GetPublicURL(category gcp.BucketCategory, key string) string
}

type PhotoEvaluator interface {
	Evaluate(ctx context.Context, img []byte, fileName string) (gcp.PhotoVerdict, error)
}

type TrainingDispatcher interface {
	Dispatch(ctx context.Context, req modeltrain.TrainRequest) (string, error)
}

type PhotoUpload struct {
	FileName string
	Data     []byte
	// Override accepts the photo even when the evaluator rejects it.
	Override bool
}

type StartRunInput struct {
	BookID   uuid.UUID
	UserName string
	Photos   []PhotoUpload
}

type AutomationService interface {
	// StartRun creates the run and drives the synchronous stages: user
	// creation, photo intake and training dispatch. Everything after that
	// arrives through the reconciler.
	StartRun(ctx context.Context, in StartRunInput) (*types.AutomationRun, error)
	GetRun(ctx context.Context, id uuid.UUID) (*types.AutomationRun, error)
	ListRuns(ctx context.Context, limit int) ([]*types.AutomationRun, error)
}

type automationService struct {
	db  *gorm.DB
	log *logger.Logger

	runRepo   repos.AutomationRunRepo
	eventRepo repos.AutomationEventRepo
	userRepo  repos.StoryUserRepo
	bookRepo  repos.BookRepo

	bucket     ObjectStore
	evaluator  PhotoEvaluator
	trainer    TrainingDispatcher
	notifier   RunNotifier
	webhookURL string
	metrics    *observability.Metrics
}

func NewAutomationService(
	db *gorm.DB,
	baseLog *logger.Logger,
	runRepo repos.AutomationRunRepo,
	eventRepo repos.AutomationEventRepo,
	userRepo repos.StoryUserRepo,
	bookRepo repos.BookRepo,
	bucket ObjectStore,
	evaluator PhotoEvaluator,
	trainer TrainingDispatcher,
	notifier RunNotifier,
	webhookURL string,
	metrics *observability.Metrics,
) AutomationService {
	return &automationService{
		db:         db,
		log:        baseLog.With("service", "AutomationService"),
		runRepo:    runRepo,
		eventRepo:  eventRepo,
		userRepo:   userRepo,
		bookRepo:   bookRepo,
		bucket:     bucket,
		evaluator:  evaluator,
		trainer:    trainer,
		notifier:   notifier,
		webhookURL: webhookURL,
		metrics:    metrics,
	}
}

func (s *automationService) StartRun(ctx context.Context, in StartRunInput) (*types.AutomationRun, error) {
	if in.BookID == uuid.Nil {
		return nil, fmt.Errorf("book id required")
	}
	if strings.TrimSpace(in.UserName) == "" {
		return nil, fmt.Errorf("user name required")
	}
	if len(in.Photos) == 0 {
		return nil, fmt.Errorf("at least one photo required")
	}
	if len(in.Photos) > maxRunPhotos {
		return nil, fmt.Errorf("too many photos: %d (max %d)", len(in.Photos), maxRunPhotos)
	}
	for _, p := range in.Photos {
		if len(p.Data) == 0 {
			return nil, fmt.Errorf("photo %q is empty", p.FileName)
		}
	}

	book, err := s.bookRepo.GetByID(ctx, nil, in.BookID)
	if err != nil {
		return nil, fmt.Errorf("load book: %w", err)
	}
	if book == nil {
		return nil, fmt.Errorf("book not found: %s", in.BookID)
	}

	now := time.Now()
	run := &types.AutomationRun{
		ID:        uuid.New(),
		BookID:    in.BookID,
		Status:    types.RunStatusCreatingUser,
		Progress:  RunProgress(types.RunStatusCreatingUser, 0, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.runRepo.Create(ctx, nil, []*types.AutomationRun{run}); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	s.notifier.RunCreated(run)

	stageStart := time.Now()
	user, err := s.createUserStage(ctx, run, in)
	s.observeStage("creating_user", stageStart, err)
	if err != nil {
		s.failRun(ctx, run, "creating_user", err, nil, nil)
		return run, err
	}

	stageStart = time.Now()
	uploadedKeys, err := s.photoIntakeStage(ctx, run, user, in.Photos)
	s.observeStage("uploading_images", stageStart, err)
	if err != nil {
		s.failRun(ctx, run, "uploading_images", err, uploadedKeys, user)
		return run, err
	}

	stageStart = time.Now()
	err = s.trainingDispatchStage(ctx, run, user, in.Photos, uploadedKeys)
	s.observeStage("training_dispatch", stageStart, err)
	if err != nil {
		s.failRun(ctx, run, "training_dispatch", err, uploadedKeys, user)
		return run, err
	}

	return s.GetRun(ctx, run.ID)
}

func (s *automationService) observeStage(stage string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "failed"
	}
	s.metrics.ObserveRunStage(stage, status, time.Since(start))
}

func (s *automationService) createUserStage(ctx context.Context, run *types.AutomationRun, in StartRunInput) (*types.StoryUser, error) {
	now := time.Now()
	user := &types.StoryUser{
		ID:            uuid.New(),
		BookID:        in.BookID,
		Name:          strings.TrimSpace(in.UserName),
		TriggerPhrase: triggerPhraseFor(in.UserName),
		Photos:        types.MarshalPhotos(nil),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := s.userRepo.Create(ctx, nil, []*types.StoryUser{user}); err != nil {
		return nil, fmt.Errorf("create story user: %w", err)
	}

	if err := s.advanceStage(ctx, run, types.RunStatusUploadingImages, map[string]interface{}{
		"user_id": user.ID,
	}); err != nil {
		return nil, err
	}
	run.UserID = &user.ID
	return user, nil
}

// photoIntakeStage is all-or-nothing: one rejected photo without an override
// aborts the run, and the caller compensates by deleting every key this stage
// already uploaded.
func (s *automationService) photoIntakeStage(ctx context.Context, run *types.AutomationRun, user *types.StoryUser, photos []PhotoUpload) ([]string, error) {
	uploaded := []string{}
	accepted := make([]types.UserPhoto, 0, len(photos))

	for _, p := range photos {
		verdict, err := s.evaluator.Evaluate(ctx, p.Data, p.FileName)
		if err != nil {
			return uploaded, fmt.Errorf("evaluate photo %q: %w", p.FileName, err)
		}
		if !verdict.Acceptable && !p.Override {
			s.appendEvent(ctx, run.ID, types.EventTypePhotoRejected,
				fmt.Sprintf("photo %q rejected: %s", p.FileName, verdict.Verdict),
				map[string]any{"file_name": p.FileName, "verdict": verdict.Verdict, "confidence": verdict.Confidence})
			return uploaded, fmt.Errorf("photo %q rejected by evaluator: %s", p.FileName, verdict.Verdict)
		}
		if !verdict.Acceptable && p.Override {
			s.appendEvent(ctx, run.ID, types.EventTypePhotoOverridden,
				fmt.Sprintf("photo %q kept despite verdict %q", p.FileName, verdict.Verdict),
				map[string]any{"file_name": p.FileName, "verdict": verdict.Verdict})
		}

		key := fmt.Sprintf("users/%s/photos/%s-%s", user.ID, uuid.NewString()[:8], sanitizeFileName(p.FileName))
		if err := s.bucket.UploadFile(ctx, gcp.BucketCategoryPhoto, key, bytes.NewReader(p.Data)); err != nil {
			return uploaded, fmt.Errorf("upload photo %q: %w", p.FileName, err)
		}
		uploaded = append(uploaded, key)
		accepted = append(accepted, types.UserPhoto{
			Key:        key,
			URL:        s.bucket.GetPublicURL(gcp.BucketCategoryPhoto, key),
			FileName:   p.FileName,
			Verdict:    verdict.Verdict,
			Confidence: verdict.Confidence,
			Overridden: !verdict.Acceptable && p.Override,
		})
	}

	if err := s.userRepo.AppendPhotos(ctx, nil, user.ID, accepted); err != nil {
		return uploaded, fmt.Errorf("append photos to user: %w", err)
	}
	return uploaded, nil
}

func (s *automationService) trainingDispatchStage(ctx context.Context, run *types.AutomationRun, user *types.StoryUser, photos []PhotoUpload, uploadedKeys []string) error {
	archive, err := buildPhotoArchive(photos)
	if err != nil {
		return fmt.Errorf("build photo archive: %w", err)
	}
	archiveKey := fmt.Sprintf("training/%s/photos.zip", run.ID)
	if err := s.bucket.UploadFile(ctx, gcp.BucketCategoryAsset, archiveKey, bytes.NewReader(archive)); err != nil {
		return fmt.Errorf("upload training archive: %w", err)
	}

	trainingID, err := s.trainer.Dispatch(ctx, modeltrain.TrainRequest{
		ModelName:     fmt.Sprintf("fable-%s", run.ID.String()[:8]),
		TriggerPhrase: user.TriggerPhrase,
		ArchiveURL:    s.bucket.GetPublicURL(gcp.BucketCategoryAsset, archiveKey),
		WebhookURL:    s.webhookURL,
	})
	if err != nil {
		s.metrics.IncProviderDispatch("modeltrain", "failed")
		// Best effort; the original dispatch error is what matters.
		if delErr := s.bucket.DeleteFile(ctx, gcp.BucketCategoryAsset, archiveKey); delErr != nil {
			s.log.Warn("Failed to delete training archive during compensation", "key", archiveKey, "error", delErr)
		}
		return fmt.Errorf("dispatch training: %w", err)
	}
	s.metrics.IncProviderDispatch("modeltrain", "ok")

	snap := types.TrainingSnapshotData{Status: "starting", Progress: 0}
	if err := s.advanceStage(ctx, run, types.RunStatusTraining, map[string]interface{}{
		"training_id":       trainingID,
		"training_snapshot": types.MarshalSnapshot(snap),
	}); err != nil {
		return err
	}
	run.TrainingID = &trainingID
	s.appendEvent(ctx, run.ID, types.EventTypeTrainingDispatched,
		fmt.Sprintf("training %s dispatched with %d photos", trainingID, len(uploadedKeys)),
		map[string]any{"training_id": trainingID, "photo_count": len(uploadedKeys)})
	return nil
}

// advanceStage moves the run forward, recomputes progress and broadcasts.
func (s *automationService) advanceStage(ctx context.Context, run *types.AutomationRun, toStatus string, extra map[string]interface{}) error {
	if !types.AllowedRunTransition(run.Status, toStatus) {
		return fmt.Errorf("invalid run transition %s -> %s", run.Status, toStatus)
	}
	updates := map[string]interface{}{
		"status":   toStatus,
		"progress": gorm.Expr("GREATEST(progress, ?)", RunProgress(toStatus, 0, 0)),
	}
	for k, v := range extra {
		updates[k] = v
	}
	ok, err := s.runRepo.UpdateFieldsUnlessStatus(ctx, nil, run.ID,
		[]string{types.RunStatusFailed, types.RunStatusCompleted}, updates)
	if err != nil {
		return fmt.Errorf("advance run to %s: %w", toStatus, err)
	}
	if !ok {
		return fmt.Errorf("run %s is terminal, cannot advance to %s", run.ID, toStatus)
	}
	s.appendEvent(ctx, run.ID, types.EventTypeStageChanged,
		fmt.Sprintf("stage %s -> %s", run.Status, toStatus),
		map[string]any{"from": run.Status, "to": toStatus})
	run.Status = toStatus
	if p := RunProgress(toStatus, 0, 0); p > run.Progress {
		run.Progress = p
	}
	s.notifyCurrent(ctx, run.ID)
	return nil
}

// failRun is the compensating transaction: delete everything this run put in
// object storage, prune the user's photo list, then mark the run failed.
// Secondary failures are warned and swallowed so they never mask the cause.
func (s *automationService) failRun(ctx context.Context, run *types.AutomationRun, stage string, cause error, uploadedKeys []string, user *types.StoryUser) {
	s.log.Error("Automation run failed", "runID", run.ID, "stage", stage, "error", cause)

	if len(uploadedKeys) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for _, key := range uploadedKeys {
			key := key
			g.Go(func() error {
				if err := s.bucket.DeleteFile(gctx, gcp.BucketCategoryPhoto, key); err != nil {
					s.log.Warn("Failed to delete photo during compensation", "key", key, "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	if user != nil && len(uploadedKeys) > 0 {
		if err := s.userRepo.RemovePhotosByKey(ctx, nil, user.ID, uploadedKeys); err != nil {
			s.log.Warn("Failed to prune user photos during compensation", "userID", user.ID, "error", err)
		}
	}
	// The story user is created fresh for this run, so everything under its
	// photo prefix belongs to the aborted batch. Sweep for stragglers the
	// tracked deletes missed.
	if user != nil {
		prefix := fmt.Sprintf("users/%s/photos/", user.ID)
		stragglers, listErr := s.bucket.ListKeys(ctx, gcp.BucketCategoryPhoto, prefix)
		if listErr != nil {
			s.log.Warn("Failed to list photos during compensation sweep", "userID", user.ID, "error", listErr)
		}
		for _, key := range stragglers {
			if err := s.bucket.DeleteFile(ctx, gcp.BucketCategoryPhoto, key); err != nil {
				s.log.Warn("Failed to delete orphaned photo during compensation sweep", "key", key, "error", err)
			}
		}
	}

	ok, err := s.runRepo.UpdateFieldsUnlessStatus(ctx, nil, run.ID,
		[]string{types.RunStatusFailed, types.RunStatusCompleted}, map[string]interface{}{
			"status": types.RunStatusFailed,
			"error":  cause.Error(),
		})
	if err != nil {
		s.log.Error("Failed to mark run as failed", "runID", run.ID, "error", err)
		return
	}
	if ok {
		run.Status = types.RunStatusFailed
		run.Error = cause.Error()
		s.appendEvent(ctx, run.ID, types.EventTypeError,
			fmt.Sprintf("stage %s failed: %v", stage, cause),
			map[string]any{"stage": stage})
	}
	s.notifyCurrent(ctx, run.ID)
}

func (s *automationService) GetRun(ctx context.Context, id uuid.UUID) (*types.AutomationRun, error) {
	run, err := s.runRepo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	return run, nil
}

func (s *automationService) ListRuns(ctx context.Context, limit int) ([]*types.AutomationRun, error) {
	return s.runRepo.ListRecent(ctx, nil, limit)
}

func (s *automationService) appendEvent(ctx context.Context, runID uuid.UUID, eventType, message string, metadata map[string]any) {
	event := &types.AutomationEvent{
		ID:        uuid.New(),
		RunID:     runID,
		Type:      eventType,
		Message:   message,
		Metadata:  mustJSON(metadata),
		CreatedAt: time.Now(),
	}
	if _, err := s.eventRepo.Append(ctx, nil, []*types.AutomationEvent{event}); err != nil {
		s.log.Warn("Failed to append run event", "runID", runID, "type", eventType, "error", err)
	}
}

func (s *automationService) notifyCurrent(ctx context.Context, runID uuid.UUID) {
	run, err := s.runRepo.GetByID(ctx, nil, runID)
	if err != nil || run == nil {
		return
	}
	s.notifier.RunUpdated(run)
}

func buildPhotoArchive(photos []PhotoUpload) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, p := range photos {
		name := sanitizeFileName(p.FileName)
		if name == "" {
			name = fmt.Sprintf("photo-%02d.jpg", i+1)
		}
		w, err := zw.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(p.Data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, "/\\"); i >= 0 {
		name = name[i+1:]
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func triggerPhraseFor(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(name)) {
		if r >= 'A' && r <= 'Z' {
			b.WriteRune(r)
		}
	}
	token := b.String()
	if token == "" {
		token = "HERO"
	}
	return fmt.Sprintf("a photo of %s", token)
}

func mustJSON(v map[string]any) datatypes.JSON {
	if v == nil {
		return datatypes.JSON([]byte(`{}`))
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte(`{}`))
	}
	return datatypes.JSON(raw)
}
