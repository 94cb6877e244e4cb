// Package remote performs file operations against a user's remote server,
// trying SFTP first and falling back to WebDAV, and keeps the metadata store
// in step with the outcome.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/apper-apps/magnavaultdrive/internal/logging"
	"github.com/apper-apps/magnavaultdrive/internal/metrics"
	"github.com/apper-apps/magnavaultdrive/internal/models"
	"github.com/apper-apps/magnavaultdrive/internal/pathnorm"
)

// Store is the part of the metadata store the adapter needs.
type Store interface {
	ConfigSource
	GetFile(ctx context.Context, id string) (*models.FileRecord, error)
	CreateFile(ctx context.Context, f *models.FileRecord) error
	UpdateFile(ctx context.Context, id string, u models.FileUpdate) (*models.FileRecord, error)
	DeleteFile(ctx context.Context, id string) error
	GetFolder(ctx context.Context, id string) (*models.Folder, error)
}

// Service creates per-user adapters.
type Service struct {
	store Store
	opts  Options
}

// NewService returns a Service over store.
func NewService(store Store, opts Options) *Service {
	return &Service{store: store, opts: opts.withDefaults()}
}

// Open returns an adapter for userID. The caller must Close it.
func (s *Service) Open(userID int) *Adapter {
	return &Adapter{
		store:    s.store,
		userID:   userID,
		sessions: NewSessions(s.store, userID, s.opts),
		now:      time.Now,
	}
}

// Test dials cfg and checks that its root is reachable.
func (s *Service) Test(ctx context.Context, cfg *models.RemoteServerConfig) error {
	if !configured(cfg, cfg.Transport) {
		return &Error{Op: "test", Transport: cfg.Transport, Kind: Unavailable, Err: ErrNotConfigured}
	}
	start := time.Now()
	sess, err := dial(ctx, cfg, cfg.Transport, s.opts)
	if err == nil {
		err = sess.stat(ctx)
		sess.close()
	}
	metrics.RecordTransportOperation(cfg.Transport, "test", time.Since(start), err == nil)
	if err != nil {
		return &Error{Op: "test", Transport: cfg.Transport, Kind: classify(err), Err: err}
	}
	return nil
}

// Adapter runs file operations for one user. It is not safe for concurrent
// use except through BatchDelete.
type Adapter struct {
	store    Store
	userID   int
	sessions *Sessions
	now      func() time.Time
}

// Close releases the adapter's transport sessions.
func (a *Adapter) Close() error {
	return a.sessions.Close()
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeUnavailable
	outcomeFailed
)

const (
	reasonNotConfigured = "not_configured"
	reasonConnect       = "connect"
	reasonOperation     = "operation"
)

// attempt is the result of running an operation on one transport.
type attempt struct {
	outcome   outcome
	transport string
	reason    string
	err       error
}

type opFunc func(ctx context.Context, sess session) error

func (a *Adapter) try(ctx context.Context, transport, op string, fn opFunc) attempt {
	sess, err := a.sessions.acquire(ctx, transport)
	if errors.Is(err, ErrNotConfigured) {
		return attempt{outcome: outcomeUnavailable, transport: transport, reason: reasonNotConfigured, err: err}
	}
	if err != nil {
		return attempt{outcome: outcomeUnavailable, transport: transport, reason: reasonConnect, err: err}
	}

	start := time.Now()
	err = fn(ctx, sess)
	metrics.RecordTransportOperation(transport, op, time.Since(start), err == nil)
	if err != nil {
		return attempt{outcome: outcomeFailed, transport: transport, reason: reasonOperation, err: err}
	}
	return attempt{outcome: outcomeOK, transport: transport}
}

// run tries SFTP, then WebDAV exactly once if SFTP was not usable. It returns
// the transport that succeeded.
func (a *Adapter) run(ctx context.Context, op, fileID string, fn opFunc) (string, error) {
	first := a.try(ctx, models.TransportSFTP, op, fn)
	if first.outcome == outcomeOK {
		return first.transport, nil
	}

	log := logging.WithContext(ctx)
	if first.reason == reasonNotConfigured {
		log.Debug("sftp not configured, using webdav", zap.String("op", op), zap.String("file_id", fileID))
	} else {
		log.Warn("sftp attempt failed, falling back to webdav",
			zap.String("op", op),
			zap.String("file_id", fileID),
			zap.String("reason", first.reason),
			zap.String("kind", string(classify(first.err))),
			zap.Error(first.err),
		)
	}
	metrics.RecordFallback(first.reason)

	second := a.try(ctx, models.TransportWebDAV, op, fn)
	switch {
	case second.outcome == outcomeOK:
		return second.transport, nil
	case second.reason == reasonNotConfigured && first.reason != reasonNotConfigured:
		return "", failure(op, fileID, first)
	case second.reason == reasonNotConfigured:
		return "", &Error{Op: op, FileID: fileID, Kind: Unavailable, Err: ErrNoRemoteServer}
	default:
		return "", failure(op, fileID, second)
	}
}

func failure(op, fileID string, at attempt) error {
	return &Error{Op: op, FileID: fileID, Transport: at.transport, Kind: classify(at.err), Err: at.err}
}

// resolve loads the record for fileID. Records owned by another user are
// reported as missing.
func (a *Adapter) resolve(ctx context.Context, op, fileID string) (*models.FileRecord, error) {
	rec, err := a.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, &Error{Op: op, FileID: fileID, Kind: classify(err), Err: err}
	}
	if rec.OwnerID != a.userID || rec.DeletedAt != nil {
		return nil, &Error{Op: op, FileID: fileID, Kind: NotFound, Err: models.ErrNotFound}
	}
	if rec.StorageLocation != models.LocationRemote {
		return nil, &Error{Op: op, FileID: fileID, Kind: Invalid, Err: ErrNotRemote}
	}
	return rec, nil
}

// folderPrefix returns the persisted path of folderID, or "" at the root.
func (a *Adapter) folderPrefix(ctx context.Context, folderID *string) (string, error) {
	if folderID == nil {
		return "", nil
	}
	folder, err := a.store.GetFolder(ctx, *folderID)
	if err != nil {
		return "", err
	}
	return folder.Path, nil
}

// logicalPath is the location of name under the given folder, before the
// transport applies its root and encoding.
func (a *Adapter) logicalPath(ctx context.Context, op string, rec *models.FileRecord, folderID *string, name string) (string, error) {
	prefix, err := a.folderPrefix(ctx, folderID)
	if err != nil {
		return "", &Error{Op: op, FileID: rec.ID, Kind: classify(err), Err: fmt.Errorf("resolve folder: %w", err)}
	}
	if prefix == "" {
		return name, nil
	}
	return prefix + "/" + name, nil
}

// storeFailed reports a metadata write that failed after the transport
// succeeded.
func storeFailed(ctx context.Context, op, fileID, transport string, err error) error {
	logging.WithContext(ctx).Error("metadata update failed after remote success",
		zap.String("op", op),
		zap.String("file_id", fileID),
		zap.String("transport", transport),
		zap.Error(err),
	)
	return &Error{Op: op, FileID: fileID, Transport: transport, Kind: Unknown, Err: err}
}

// Read returns the file's bytes.
func (a *Adapter) Read(ctx context.Context, fileID string) ([]byte, error) {
	const op = "read"
	rec, err := a.resolve(ctx, op, fileID)
	if err != nil {
		return nil, err
	}
	logical, err := a.logicalPath(ctx, op, rec, rec.ParentID, rec.Name)
	if err != nil {
		return nil, err
	}

	var data []byte
	_, err = a.run(ctx, op, fileID, func(ctx context.Context, sess session) error {
		var rerr error
		data, rerr = sess.read(ctx, sess.remotePath(logical))
		return rerr
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Write replaces the file's bytes and records the new size.
func (a *Adapter) Write(ctx context.Context, fileID string, data []byte) (*models.FileRecord, error) {
	const op = "write"
	rec, err := a.resolve(ctx, op, fileID)
	if err != nil {
		return nil, err
	}
	logical, err := a.logicalPath(ctx, op, rec, rec.ParentID, rec.Name)
	if err != nil {
		return nil, err
	}

	transport, err := a.run(ctx, op, fileID, func(ctx context.Context, sess session) error {
		return sess.write(ctx, sess.remotePath(logical), data)
	})
	if err != nil {
		return nil, err
	}

	size := int64(len(data))
	now := a.now().UTC()
	updated, err := a.store.UpdateFile(ctx, fileID, models.FileUpdate{Size: &size, ModifiedAt: &now})
	if err != nil {
		return nil, storeFailed(ctx, op, fileID, transport, err)
	}
	return updated, nil
}

// Create writes a new file named name into parentID, or the root when nil,
// and records it. No record is created if the write fails.
func (a *Adapter) Create(ctx context.Context, name string, parentID *string, mimeType string, data []byte) (*models.FileRecord, error) {
	const op = "create"
	if pathnorm.Clean(name) == "" {
		return nil, &Error{Op: op, Kind: Invalid, Err: ErrInvalidName}
	}
	now := a.now().UTC()
	rec := &models.FileRecord{
		ID:              uuid.NewString(),
		Name:            name,
		Size:            int64(len(data)),
		MimeType:        mimeType,
		CreatedAt:       now,
		ModifiedAt:      now,
		ParentID:        parentID,
		StorageLocation: models.LocationRemote,
		OwnerID:         a.userID,
	}
	logical, err := a.logicalPath(ctx, op, rec, parentID, name)
	if err != nil {
		return nil, err
	}

	transport, err := a.run(ctx, op, rec.ID, func(ctx context.Context, sess session) error {
		return sess.write(ctx, sess.remotePath(logical), data)
	})
	if err != nil {
		return nil, err
	}
	if err := a.store.CreateFile(ctx, rec); err != nil {
		return nil, storeFailed(ctx, op, rec.ID, transport, err)
	}
	return rec, nil
}

// Delete removes the remote file and its record.
func (a *Adapter) Delete(ctx context.Context, fileID string) error {
	const op = "delete"
	rec, err := a.resolve(ctx, op, fileID)
	if err != nil {
		return err
	}
	logical, err := a.logicalPath(ctx, op, rec, rec.ParentID, rec.Name)
	if err != nil {
		return err
	}

	transport, err := a.run(ctx, op, fileID, func(ctx context.Context, sess session) error {
		return sess.remove(ctx, sess.remotePath(logical))
	})
	if err != nil {
		return err
	}
	if err := a.store.DeleteFile(ctx, fileID); err != nil {
		return storeFailed(ctx, op, fileID, transport, err)
	}
	return nil
}

// Copy duplicates the file next to the original under newName, or
// "Copy of <name>" when newName is empty, and creates its record.
func (a *Adapter) Copy(ctx context.Context, fileID, newName string) (*models.FileRecord, error) {
	const op = "copy"
	rec, err := a.resolve(ctx, op, fileID)
	if err != nil {
		return nil, err
	}
	if newName == "" {
		newName = "Copy of " + rec.Name
	}
	if pathnorm.Clean(newName) == "" {
		return nil, &Error{Op: op, FileID: fileID, Kind: Invalid, Err: ErrInvalidName}
	}

	src, err := a.logicalPath(ctx, op, rec, rec.ParentID, rec.Name)
	if err != nil {
		return nil, err
	}
	dst, err := a.logicalPath(ctx, op, rec, rec.ParentID, newName)
	if err != nil {
		return nil, err
	}

	transport, err := a.run(ctx, op, fileID, func(ctx context.Context, sess session) error {
		return sess.copy(ctx, sess.remotePath(src), sess.remotePath(dst))
	})
	if err != nil {
		return nil, err
	}

	now := a.now().UTC()
	dup := &models.FileRecord{
		ID:              uuid.NewString(),
		Name:            newName,
		Size:            rec.Size,
		MimeType:        rec.MimeType,
		Encrypted:       rec.Encrypted,
		CreatedAt:       now,
		ModifiedAt:      now,
		ParentID:        rec.ParentID,
		StorageLocation: rec.StorageLocation,
		OwnerID:         rec.OwnerID,
		Tags:            append([]string(nil), rec.Tags...),
	}
	if err := a.store.CreateFile(ctx, dup); err != nil {
		return nil, storeFailed(ctx, op, fileID, transport, err)
	}
	return dup, nil
}

// Move relocates the file into targetFolderID, or the root when nil.
func (a *Adapter) Move(ctx context.Context, fileID string, targetFolderID *string) (*models.FileRecord, error) {
	const op = "move"
	rec, err := a.resolve(ctx, op, fileID)
	if err != nil {
		return nil, err
	}
	src, err := a.logicalPath(ctx, op, rec, rec.ParentID, rec.Name)
	if err != nil {
		return nil, err
	}
	dst, err := a.logicalPath(ctx, op, rec, targetFolderID, rec.Name)
	if err != nil {
		return nil, err
	}

	transport, err := a.run(ctx, op, fileID, func(ctx context.Context, sess session) error {
		return sess.rename(ctx, sess.remotePath(src), sess.remotePath(dst))
	})
	if err != nil {
		return nil, err
	}

	now := a.now().UTC()
	updated, err := a.store.UpdateFile(ctx, fileID, models.FileUpdate{
		SetParent:  true,
		ParentID:   targetFolderID,
		ModifiedAt: &now,
	})
	if err != nil {
		return nil, storeFailed(ctx, op, fileID, transport, err)
	}
	return updated, nil
}

// Rename gives the file a new name in the same folder.
func (a *Adapter) Rename(ctx context.Context, fileID, newName string) (*models.FileRecord, error) {
	const op = "rename"
	rec, err := a.resolve(ctx, op, fileID)
	if err != nil {
		return nil, err
	}
	if pathnorm.Clean(newName) == "" {
		return nil, &Error{Op: op, FileID: fileID, Kind: Invalid, Err: ErrInvalidName}
	}
	src, err := a.logicalPath(ctx, op, rec, rec.ParentID, rec.Name)
	if err != nil {
		return nil, err
	}
	dst, err := a.logicalPath(ctx, op, rec, rec.ParentID, newName)
	if err != nil {
		return nil, err
	}

	transport, err := a.run(ctx, op, fileID, func(ctx context.Context, sess session) error {
		return sess.rename(ctx, sess.remotePath(src), sess.remotePath(dst))
	})
	if err != nil {
		return nil, err
	}

	now := a.now().UTC()
	updated, err := a.store.UpdateFile(ctx, fileID, models.FileUpdate{Name: &newName, ModifiedAt: &now})
	if err != nil {
		return nil, storeFailed(ctx, op, fileID, transport, err)
	}
	return updated, nil
}

// List returns the entries at the remote root.
func (a *Adapter) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	_, err := a.run(ctx, "list", "", func(ctx context.Context, sess session) error {
		var lerr error
		entries, lerr = sess.list(ctx, sess.remotePath(""))
		return lerr
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// BatchResult is the outcome of one delete in a batch.
type BatchResult struct {
	FileID string `json:"fileId"`
	Err    error  `json:"-"`
}

// BatchDelete deletes every id concurrently and reports each outcome in the
// order given. Metadata for each id is touched only if its delete succeeded.
func (a *Adapter) BatchDelete(ctx context.Context, ids []string) []BatchResult {
	results := make([]BatchResult, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			results[i] = BatchResult{FileID: id, Err: a.Delete(ctx, id)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
