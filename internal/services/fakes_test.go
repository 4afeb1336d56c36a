package services

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fableforge/fableforge-backend/internal/clients/bookforge"
	"github.com/fableforge/fableforge-backend/internal/clients/gcp"
	"github.com/fableforge/fableforge-backend/internal/clients/modeltrain"
	"github.com/fableforge/fableforge-backend/internal/types"
)

// In-memory stand-ins for the gorm repos and external clients. The run repo
// interprets GREATEST progress expressions the way postgres would, so the
// monotonicity semantics under test match production.

type fakeRunRepo struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*types.AutomationRun
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{runs: make(map[uuid.UUID]*types.AutomationRun)}
}

func (f *fakeRunRepo) Create(ctx context.Context, tx *gorm.DB, runs []*types.AutomationRun) ([]*types.AutomationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range runs {
		cp := *r
		f.runs[r.ID] = &cp
	}
	return runs, nil
}

func (f *fakeRunRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.AutomationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

func (f *fakeRunRepo) GetByTrainingID(ctx context.Context, tx *gorm.DB, trainingID string) (*types.AutomationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, run := range f.runs {
		if run.TrainingID != nil && *run.TrainingID == trainingID {
			cp := *run
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeRunRepo) GetByStorybookJobID(ctx context.Context, tx *gorm.DB, jobID string) (*types.AutomationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, run := range f.runs {
		if run.StorybookJobID != nil && *run.StorybookJobID == jobID {
			cp := *run
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeRunRepo) ListRecent(ctx context.Context, tx *gorm.DB, limit int) ([]*types.AutomationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.AutomationRun, 0, len(f.runs))
	for _, run := range f.runs {
		cp := *run
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeRunRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil
	}
	applyRunPatch(run, updates)
	return nil
}

func (f *fakeRunRepo) UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return false, nil
	}
	for _, s := range disallowedStatuses {
		if run.Status == s {
			return false, nil
		}
	}
	applyRunPatch(run, updates)
	return true, nil
}

func (f *fakeRunRepo) ClaimStorybookDispatch(ctx context.Context, tx *gorm.DB, id uuid.UUID, jobID string, updates map[string]interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok || run.StorybookJobID != nil {
		return false, nil
	}
	jid := jobID
	run.StorybookJobID = &jid
	applyRunPatch(run, updates)
	return true, nil
}

func (f *fakeRunRepo) get(id uuid.UUID) types.AutomationRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.runs[id]
}

func applyRunPatch(run *types.AutomationRun, updates map[string]interface{}) {
	for k, v := range updates {
		switch k {
		case "status":
			run.Status = v.(string)
		case "progress":
			switch pv := v.(type) {
			case int:
				run.Progress = pv
			case clause.Expr:
				// GREATEST(progress, ?)
				if len(pv.Vars) == 1 {
					if n, ok := pv.Vars[0].(int); ok && n > run.Progress {
						run.Progress = n
					}
				}
			}
		case "error":
			run.Error = v.(string)
		case "user_id":
			id := v.(uuid.UUID)
			run.UserID = &id
		case "training_id":
			s := v.(string)
			run.TrainingID = &s
		case "storybook_job_id":
			s := v.(string)
			run.StorybookJobID = &s
		case "training_snapshot":
			run.TrainingSnapshot = v.(datatypes.JSON)
		case "storybook_snapshot":
			run.StorybookSnapshot = v.(datatypes.JSON)
		case "updated_at":
			if t, ok := v.(time.Time); ok {
				run.UpdatedAt = t
			}
		}
	}
}

type fakeEventRepo struct {
	mu     sync.Mutex
	events []*types.AutomationEvent
}

// onceEventTypes mirrors the partial unique index on (run_id, type).
var onceEventTypes = map[string]bool{
	types.EventTypeTrainingCompleted:   true,
	types.EventTypeStorybookDispatched: true,
	types.EventTypeStorybookCompleted:  true,
	types.EventTypeError:               true,
}

func (f *fakeEventRepo) Append(ctx context.Context, tx *gorm.DB, events []*types.AutomationEvent) ([]*types.AutomationEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range events {
		if onceEventTypes[e.Type] && f.hasLocked(e.RunID, e.Type) {
			continue
		}
		f.events = append(f.events, e)
	}
	return events, nil
}

func (f *fakeEventRepo) hasLocked(runID uuid.UUID, eventType string) bool {
	for _, e := range f.events {
		if e.RunID == runID && e.Type == eventType {
			return true
		}
	}
	return false
}

func (f *fakeEventRepo) ListByRunID(ctx context.Context, tx *gorm.DB, runID uuid.UUID) ([]*types.AutomationEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.AutomationEvent
	for _, e := range f.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEventRepo) CountByRunAndType(ctx context.Context, tx *gorm.DB, runID uuid.UUID, eventType string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, e := range f.events {
		if e.RunID == runID && e.Type == eventType {
			count++
		}
	}
	return count, nil
}

func (f *fakeEventRepo) countOfType(runID uuid.UUID, eventType string) int {
	n, _ := f.CountByRunAndType(context.Background(), nil, runID, eventType)
	return int(n)
}

type fakeUserRepo struct {
	mu    sync.Mutex
	users map[uuid.UUID]*types.StoryUser
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[uuid.UUID]*types.StoryUser)}
}

func (f *fakeUserRepo) Create(ctx context.Context, tx *gorm.DB, users []*types.StoryUser) ([]*types.StoryUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range users {
		cp := *u
		f.users[u.ID] = &cp
	}
	return users, nil
}

func (f *fakeUserRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.StoryUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return nil, nil
	}
	cp := *user
	return &cp, nil
}

func (f *fakeUserRepo) AppendPhotos(ctx context.Context, tx *gorm.DB, id uuid.UUID, photos []types.UserPhoto) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	user.Photos = types.MarshalPhotos(append(user.PhotoList(), photos...))
	return nil
}

func (f *fakeUserRepo) RemovePhotosByKey(ctx context.Context, tx *gorm.DB, id uuid.UUID, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[k] = true
	}
	var kept []types.UserPhoto
	for _, p := range user.PhotoList() {
		if !drop[p.Key] {
			kept = append(kept, p)
		}
	}
	user.Photos = types.MarshalPhotos(kept)
	return nil
}

type fakeBookRepo struct {
	mu    sync.Mutex
	books map[uuid.UUID]*types.Book
}

func newFakeBookRepo() *fakeBookRepo {
	return &fakeBookRepo{books: make(map[uuid.UUID]*types.Book)}
}

func (f *fakeBookRepo) Create(ctx context.Context, tx *gorm.DB, books []*types.Book) ([]*types.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range books {
		cp := *b
		f.books[b.ID] = &cp
	}
	return books, nil
}

func (f *fakeBookRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	book, ok := f.books[id]
	if !ok {
		return nil, nil
	}
	cp := *book
	return &cp, nil
}

type fakeBucket struct {
	mu              sync.Mutex
	objects         map[string][]byte
	uploadErr       error
	failNextDeletes int
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string][]byte)}
}

func objectKey(category gcp.BucketCategory, key string) string {
	return string(category) + "/" + key
}

func (f *fakeBucket) UploadFile(ctx context.Context, category gcp.BucketCategory, key string, file io.Reader) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[objectKey(category, key)] = data
	return nil
}

func (f *fakeBucket) DeleteFile(ctx context.Context, category gcp.BucketCategory, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextDeletes > 0 {
		f.failNextDeletes--
		return fmt.Errorf("transient delete failure for %s", key)
	}
	delete(f.objects, objectKey(category, key))
	return nil
}

func (f *fakeBucket) ListKeys(ctx context.Context, category gcp.BucketCategory, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	scoped := objectKey(category, prefix)
	var out []string
	for k := range f.objects {
		if strings.HasPrefix(k, scoped) {
			out = append(out, strings.TrimPrefix(k, string(category)+"/"))
		}
	}
	return out, nil
}

func (f *fakeBucket) GetPublicURL(category gcp.BucketCategory, key string) string {
	return fmt.Sprintf("https://cdn.test/%s/%s", category, key)
}

func (f *fakeBucket) keysWithPrefix(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out
}

func (f *fakeBucket) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

type fakeEvaluator struct {
	mu       sync.Mutex
	verdicts map[string]gcp.PhotoVerdict
	err      error
}

func newFakeEvaluator() *fakeEvaluator {
	return &fakeEvaluator{verdicts: make(map[string]gcp.PhotoVerdict)}
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, img []byte, fileName string) (gcp.PhotoVerdict, error) {
	if f.err != nil {
		return gcp.PhotoVerdict{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.verdicts[fileName]; ok {
		return v, nil
	}
	return gcp.PhotoVerdict{Acceptable: true, Verdict: "ok", Confidence: 0.92}, nil
}

type fakeTrainer struct {
	mu       sync.Mutex
	calls    int
	last     modeltrain.TrainRequest
	id       string
	err      error
}

func (f *fakeTrainer) Dispatch(ctx context.Context, req modeltrain.TrainRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	if f.err != nil {
		return "", f.err
	}
	if f.id == "" {
		return "train-1", nil
	}
	return f.id, nil
}

type fakeForge struct {
	mu    sync.Mutex
	calls int
	last  bookforge.AssemblyRequest
	id    string
	err   error
}

func (f *fakeForge) Dispatch(ctx context.Context, req bookforge.AssemblyRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	if f.err != nil {
		return "", f.err
	}
	if f.id == "" {
		return "job-1", nil
	}
	return f.id, nil
}

func (f *fakeForge) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeNotifier struct {
	mu      sync.Mutex
	created int
	updated int
}

func (f *fakeNotifier) RunCreated(run *types.AutomationRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
}

func (f *fakeNotifier) RunUpdated(run *types.AutomationRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated++
}
