// Package upload drives uploads through pending, encrypting, uploading and
// completed (or error), sealing the payload and landing it in primary storage.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/apper-apps/magnavaultdrive/internal/events"
	"github.com/apper-apps/magnavaultdrive/internal/logging"
	"github.com/apper-apps/magnavaultdrive/internal/metrics"
	"github.com/apper-apps/magnavaultdrive/internal/models"
	"github.com/apper-apps/magnavaultdrive/internal/pathnorm"
	"github.com/apper-apps/magnavaultdrive/internal/storage"
)

// State is an upload's position in its lifecycle.
type State string

const (
	StatePending    State = "pending"
	StateEncrypting State = "encrypting"
	StateUploading  State = "uploading"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// FailureMessage is reported for every failed upload.
const FailureMessage = "Upload failed. Please try again."

// steps per phase
const steps = 20

var (
	ErrNotFound     = errors.New("upload not found")
	ErrNotRetryable = errors.New("upload is not in error state")
	ErrInvalidName  = errors.New("invalid file name")
	ErrShutdown     = errors.New("upload orchestrator is shut down")
)

// FileCreator persists the record of a completed upload.
type FileCreator interface {
	CreateFile(ctx context.Context, f *models.FileRecord) error
}

// BackendSelector picks the primary backend for new content.
type BackendSelector interface {
	ForUpload() (storage.Backend, string)
}

// Publisher receives progress events.
type Publisher interface {
	Publish(e events.Event)
}

// Options sets the per-phase durations.
type Options struct {
	EncryptDuration time.Duration
	UploadDuration  time.Duration
}

// Request describes one file to upload.
type Request struct {
	OwnerID  int
	Name     string
	MimeType string
	ParentID *string
	Tags     []string
	Data     []byte
}

// Upload is a snapshot of an upload's state.
type Upload struct {
	ID        string    `json:"id"`
	OwnerID   int       `json:"-"`
	FileName  string    `json:"fileName"`
	FileSize  int64     `json:"fileSize"`
	State     State     `json:"status"`
	Progress  int       `json:"progress"`
	Error     string    `json:"errorMessage,omitempty"`
	FileID    string    `json:"fileId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type job struct {
	mu       sync.Mutex
	upload   Upload
	req      Request
	cancel   context.CancelFunc
	canceled bool
}

func (j *job) snapshot() Upload {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.upload
}

// Orchestrator runs uploads, one goroutine each, and tracks them in a
// concurrent registry.
type Orchestrator struct {
	files    FileCreator
	backends BackendSelector
	pub      Publisher
	sealer   *Sealer
	opts     Options

	uploads *xsync.Map[string, *job]
	active  atomic.Int64

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an Orchestrator.
func New(files FileCreator, backends BackendSelector, pub Publisher, sealer *Sealer, opts Options) *Orchestrator {
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		files:    files,
		backends: backends,
		pub:      pub,
		sealer:   sealer,
		opts:     opts,
		uploads:  xsync.NewMap[string, *job](),
		ctx:      ctx,
		stop:     stop,
	}
}

// Start registers an upload and begins processing it in the background.
func (o *Orchestrator) Start(req Request) (Upload, error) {
	if o.closed.Load() {
		return Upload{}, ErrShutdown
	}
	if pathnorm.Clean(req.Name) == "" {
		return Upload{}, ErrInvalidName
	}
	now := time.Now().UTC()
	j := &job{
		req: req,
		upload: Upload{
			ID:        uuid.NewString(),
			OwnerID:   req.OwnerID,
			FileName:  req.Name,
			FileSize:  int64(len(req.Data)),
			State:     StatePending,
			FileID:    uuid.NewString(),
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	o.uploads.Store(j.upload.ID, j)
	o.publish(j.upload)
	o.launch(j)

	logging.Info("upload started",
		zap.String("upload_id", j.upload.ID),
		zap.String("name", req.Name),
		zap.Int64("size", j.upload.FileSize))
	return j.snapshot(), nil
}

// Retry restarts an upload that ended in error.
func (o *Orchestrator) Retry(id string, ownerID int) (Upload, error) {
	if o.closed.Load() {
		return Upload{}, ErrShutdown
	}
	j, ok := o.lookup(id, ownerID)
	if !ok {
		return Upload{}, ErrNotFound
	}
	j.mu.Lock()
	if j.upload.State != StateError {
		j.mu.Unlock()
		return Upload{}, ErrNotRetryable
	}
	// Leave the error state before unlocking so a concurrent Retry is refused.
	j.upload.State = StateEncrypting
	j.upload.Progress = 0
	j.upload.Error = ""
	j.upload.UpdatedAt = time.Now().UTC()
	j.mu.Unlock()

	logging.Info("upload retried", zap.String("upload_id", id))
	o.launch(j)
	return j.snapshot(), nil
}

// Cancel stops further updates for an upload and discards it.
func (o *Orchestrator) Cancel(id string, ownerID int) error {
	j, ok := o.lookup(id, ownerID)
	if !ok {
		return ErrNotFound
	}
	j.mu.Lock()
	j.canceled = true
	if j.cancel != nil {
		j.cancel()
	}
	j.mu.Unlock()
	o.uploads.Delete(id)
	logging.Info("upload canceled", zap.String("upload_id", id))
	return nil
}

// Get returns one upload owned by ownerID.
func (o *Orchestrator) Get(id string, ownerID int) (Upload, error) {
	j, ok := o.lookup(id, ownerID)
	if !ok {
		return Upload{}, ErrNotFound
	}
	return j.snapshot(), nil
}

// List returns ownerID's uploads, oldest first.
func (o *Orchestrator) List(ownerID int) []Upload {
	out := make([]Upload, 0)
	o.uploads.Range(func(_ string, j *job) bool {
		if u := j.snapshot(); u.OwnerID == ownerID {
			out = append(out, u)
		}
		return true
	})
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

// ClearFinished drops ownerID's completed uploads and returns how many were removed.
func (o *Orchestrator) ClearFinished(ownerID int) int {
	n := 0
	o.uploads.Range(func(id string, j *job) bool {
		if u := j.snapshot(); u.OwnerID == ownerID && u.State == StateCompleted {
			o.uploads.Delete(id)
			n++
		}
		return true
	})
	return n
}

// Active returns the number of uploads currently running.
func (o *Orchestrator) Active() int {
	return int(o.active.Load())
}

// Shutdown stops all running uploads and waits for them to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closed.Store(true)
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) lookup(id string, ownerID int) (*job, bool) {
	j, ok := o.uploads.Load(id)
	if !ok || j.snapshot().OwnerID != ownerID {
		return nil, false
	}
	return j, true
}

func (o *Orchestrator) launch(j *job) {
	ctx, cancel := context.WithCancel(o.ctx)
	j.mu.Lock()
	j.cancel = cancel
	j.mu.Unlock()

	o.wg.Add(1)
	metrics.SetUploadsActive(int(o.active.Add(1)))
	go func() {
		defer o.wg.Done()
		defer cancel()
		defer func() { metrics.SetUploadsActive(int(o.active.Add(-1))) }()
		o.run(ctx, j)
	}()
}

func (o *Orchestrator) run(ctx context.Context, j *job) {
	fileID := j.snapshot().FileID

	if !o.phase(ctx, j, StateEncrypting, 0, 30, o.opts.EncryptDuration) {
		o.fail(j, ctx.Err())
		return
	}
	sealed, err := o.sealer.Seal(fileID, j.req.Data)
	if err != nil {
		o.fail(j, err)
		return
	}

	if !o.phase(ctx, j, StateUploading, 30, 100, o.opts.UploadDuration) {
		o.fail(j, ctx.Err())
		return
	}
	rec, err := o.store(ctx, fileID, j.req, sealed)
	if err != nil {
		o.fail(j, err)
		return
	}

	if !o.set(j, StateCompleted, 100, "") {
		return
	}
	j.mu.Lock()
	j.req.Data = nil
	j.mu.Unlock()

	metrics.RecordUpload(string(StateCompleted), rec.Size)
	o.pub.Publish(events.Event{
		Type:   events.EventCreate,
		UserID: rec.OwnerID,
		FileID: rec.ID,
		Name:   rec.Name,
		Size:   rec.Size,
	})
	logging.Info("upload completed",
		zap.String("upload_id", j.snapshot().ID),
		zap.String("file_id", rec.ID),
		zap.String("location", rec.StorageLocation))
}

// phase advances progress from start to end in equal steps over d.
func (o *Orchestrator) phase(ctx context.Context, j *job, state State, start, end int, d time.Duration) bool {
	if !o.set(j, state, start, "") {
		return false
	}
	var tick <-chan time.Time
	if interval := d / steps; interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}
	for i := 1; i <= steps; i++ {
		if tick != nil {
			select {
			case <-ctx.Done():
				return false
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return false
		}
		if !o.set(j, state, start+(end-start)*i/steps, "") {
			return false
		}
	}
	return true
}

// store writes the sealed bytes to primary storage and creates the record.
func (o *Orchestrator) store(ctx context.Context, fileID string, req Request, sealed []byte) (*models.FileRecord, error) {
	backend, location := o.backends.ForUpload()
	key := storage.ObjectKey(fileID, req.Name)
	if err := backend.PutObject(ctx, key, bytes.NewReader(sealed), int64(len(sealed))); err != nil {
		return nil, fmt.Errorf("put %s: %w", key, err)
	}

	now := time.Now().UTC()
	rec := &models.FileRecord{
		ID:              fileID,
		Name:            req.Name,
		Size:            int64(len(req.Data)),
		MimeType:        req.MimeType,
		Encrypted:       true,
		CreatedAt:       now,
		ModifiedAt:      now,
		ParentID:        req.ParentID,
		StorageLocation: location,
		OwnerID:         req.OwnerID,
		Tags:            req.Tags,
	}
	if err := o.files.CreateFile(ctx, rec); err != nil {
		if delErr := backend.DeleteObject(context.WithoutCancel(ctx), key); delErr != nil {
			logging.Warn("failed to remove orphaned upload object", zap.String("key", key), zap.Error(delErr))
		}
		return nil, fmt.Errorf("create file record: %w", err)
	}
	return rec, nil
}

func (o *Orchestrator) fail(j *job, err error) {
	j.mu.Lock()
	canceled := j.canceled
	j.mu.Unlock()
	if canceled {
		return
	}
	if !o.set(j, StateError, 0, FailureMessage) {
		return
	}
	metrics.RecordUpload(string(StateError), 0)
	logging.Warn("upload failed", zap.String("upload_id", j.snapshot().ID), zap.Error(err))
}

// set records a transition and publishes it. It returns false once the
// upload has been canceled.
func (o *Orchestrator) set(j *job, state State, progress int, msg string) bool {
	j.mu.Lock()
	if j.canceled {
		j.mu.Unlock()
		return false
	}
	j.upload.State = state
	j.upload.Progress = progress
	j.upload.Error = msg
	j.upload.UpdatedAt = time.Now().UTC()
	u := j.upload
	j.mu.Unlock()

	o.publish(u)
	return true
}

func (o *Orchestrator) publish(u Upload) {
	o.pub.Publish(events.Event{
		Type:     events.EventUpload,
		UserID:   u.OwnerID,
		UploadID: u.ID,
		FileID:   u.FileID,
		Name:     u.FileName,
		Size:     u.FileSize,
		State:    string(u.State),
		Progress: u.Progress,
		Error:    u.Error,
	})
}
