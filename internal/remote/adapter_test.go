package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/studio-b12/gowebdav"

	"github.com/apper-apps/magnavaultdrive/internal/logging"
	"github.com/apper-apps/magnavaultdrive/internal/models"
	"github.com/apper-apps/magnavaultdrive/internal/pathnorm"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

func TestDeleteMissingRecordMakesNoTransportCall(t *testing.T) {
	sftpSrv := startSFTPServer(t)
	dav := startDAVServer(t)
	store := newFakeStore()
	store.setServer(sftpSrv.config(testPassword))
	store.setServer(dav.config())

	a := openAdapter(t, store)
	err := a.Delete(context.Background(), "missing")

	require.Error(t, err)
	assert.Equal(t, NotFound, KindOf(err))
	assert.Equal(t, int32(0), sftpSrv.conns.Load())
	assert.Equal(t, 0, dav.total())
	assert.Equal(t, 0, store.lookups)
}

func TestFileOfAnotherUserIsNotFound(t *testing.T) {
	store := newFakeStore()
	f := seedFile(store, "f1", "a.txt", 1)
	f.OwnerID = testOwner + 1
	store.addFile(f)

	a := openAdapter(t, store)
	_, err := a.Read(context.Background(), "f1")
	assert.Equal(t, NotFound, KindOf(err))
}

func TestReadThenWriteSameBytesOnlyTouchesModifiedAt(t *testing.T) {
	sftpSrv := startSFTPServer(t)
	store := newFakeStore()
	store.setServer(sftpSrv.config(testPassword))
	content := []byte("hello vault")
	seedFile(store, "f1", "notes:draft.txt", int64(len(content)))

	ctx := context.Background()
	a := openAdapter(t, store)
	_, err := a.Write(ctx, "f1", content)
	require.NoError(t, err)
	before, _ := store.file("f1")

	later := before.ModifiedAt.Add(time.Hour)
	a.now = func() time.Time { return later }

	data, err := a.Read(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, content, data)

	after, err := a.Write(ctx, "f1", data)
	require.NoError(t, err)
	assert.Equal(t, before.Size, after.Size)
	assert.True(t, after.ModifiedAt.Equal(later))

	// Everything except ModifiedAt is unchanged.
	after.ModifiedAt = before.ModifiedAt
	assert.Equal(t, before, *after)

	// One SSH connection served every call.
	assert.Equal(t, int32(1), sftpSrv.conns.Load())
}

func TestFallbackToWebDAVWhenSFTPAuthFails(t *testing.T) {
	sftpSrv := startSFTPServer(t)
	dav := startDAVServer(t)
	store := newFakeStore()
	store.setServer(sftpSrv.config("wrong-password"))
	store.setServer(dav.config())
	seedFile(store, "f1", "report.pdf", 3)
	dav.put(t, "/report.pdf", []byte("pdf"))

	a := openAdapter(t, store)
	require.NoError(t, a.Delete(context.Background(), "f1"))

	assert.Equal(t, 1, dav.count("DELETE"))
	_, ok := store.file("f1")
	assert.False(t, ok)
	assert.Equal(t, 1, store.deletes)
}

func TestWebDAVResultIsObservedAfterSFTPFailure(t *testing.T) {
	dav := startDAVServer(t)
	store := newFakeStore()
	store.setServer(closedPortConfig(t))
	store.setServer(dav.config())
	seedFile(store, "f1", "gone.txt", 3)

	a := openAdapter(t, store)
	_, err := a.Read(context.Background(), "f1")

	require.Error(t, err)
	assert.Equal(t, NotFound, KindOf(err))
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, models.TransportWebDAV, re.Transport)
	assert.Equal(t, 1, dav.count("GET"))
	assert.Equal(t, 0, store.mutations())
}

func TestWebDAVRunsOnceWhenSFTPOperationFails(t *testing.T) {
	sftpSrv := startSFTPServer(t)
	dav := startDAVServer(t)
	store := newFakeStore()
	store.setServer(sftpSrv.config(testPassword))
	store.setServer(dav.config())
	seedFile(store, "f1", "only-on-dav.txt", 4)
	dav.put(t, "/only-on-dav.txt", []byte("dav!"))

	a := openAdapter(t, store)
	data, err := a.Read(context.Background(), "f1")

	require.NoError(t, err)
	assert.Equal(t, []byte("dav!"), data)
	assert.Equal(t, int32(1), sftpSrv.conns.Load())
	assert.Equal(t, 1, dav.count("GET"))
	assert.Equal(t, 0, store.mutations())
}

func TestWebDAVRenameSendsOneMove(t *testing.T) {
	dav := startDAVServer(t)
	store := newFakeStore()
	store.setServer(dav.config())
	seedFile(store, "f1", "a.txt", 2)
	dav.put(t, "/a.txt", []byte("hi"))

	a := openAdapter(t, store)
	_, err := a.Rename(context.Background(), "f1", "b.txt")
	require.NoError(t, err)

	assert.Equal(t, 1, dav.count("MOVE"))
	for _, user := range dav.users() {
		assert.Equal(t, testUser, user)
	}
}

func TestWebDAVUnauthorizedIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("WWW-Authenticate", `Basic realm="vault"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	store := newFakeStore()
	store.setServer(&models.RemoteServerConfig{
		Transport:  models.TransportWebDAV,
		ServerURL:  srv.URL,
		Username:   testUser,
		AuthMethod: models.AuthPassword,
		Password:   "wrong",
	})
	seedFile(store, "f1", "a.txt", 1)

	a := openAdapter(t, store)
	err := a.Delete(context.Background(), "f1")

	assert.Equal(t, Unauthenticated, KindOf(err))
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 0, store.mutations())
}

func TestLocalRecordIsRejected(t *testing.T) {
	dav := startDAVServer(t)
	store := newFakeStore()
	store.setServer(dav.config())
	f := seedFile(store, "f1", "a.txt", 1)
	f.StorageLocation = models.LocationLocal
	store.addFile(f)

	a := openAdapter(t, store)
	_, err := a.Read(context.Background(), "f1")

	assert.Equal(t, Invalid, KindOf(err))
	assert.ErrorIs(t, err, ErrNotRemote)
	assert.Equal(t, 0, dav.total())
}

func TestCreateWritesThenRecords(t *testing.T) {
	dav := startDAVServer(t)
	store := newFakeStore()
	store.setServer(dav.config())
	store.folders["d1"] = &models.Folder{ID: "d1", Name: "Docs", Path: "/Docs", OwnerID: testOwner}

	ctx := context.Background()
	a := openAdapter(t, store)
	parent := "d1"
	rec, err := a.Create(ctx, "new.txt", &parent, "text/plain", []byte("fresh"))
	require.NoError(t, err)

	assert.Equal(t, models.LocationRemote, rec.StorageLocation)
	assert.Equal(t, testOwner, rec.OwnerID)
	assert.EqualValues(t, 5, rec.Size)
	assert.Equal(t, 1, store.creates)

	data, err := a.Read(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), data)
}

func TestCreateFailureLeavesNoRecord(t *testing.T) {
	store := newFakeStore()
	store.setServer(closedPortConfig(t))

	a := openAdapter(t, store)
	_, err := a.Create(context.Background(), "new.txt", nil, "text/plain", []byte("x"))

	require.Error(t, err)
	assert.Equal(t, 0, store.mutations())

	_, err = a.Create(context.Background(), "///", nil, "", nil)
	assert.Equal(t, Invalid, KindOf(err))
}

func TestSFTPNotConfiguredSkipsToWebDAV(t *testing.T) {
	dav := startDAVServer(t)
	store := newFakeStore()
	store.setServer(dav.config())
	seedFile(store, "f1", "plan.md", 0)

	a := openAdapter(t, store)
	rec, err := a.Write(context.Background(), "f1", []byte("# plan"))
	require.NoError(t, err)
	assert.Equal(t, int64(6), rec.Size)
	assert.Equal(t, 1, dav.count("PUT"))
}

func TestNoRemoteServerConfigured(t *testing.T) {
	store := newFakeStore()
	seedFile(store, "f1", "a.txt", 1)

	a := openAdapter(t, store)
	_, err := a.Read(context.Background(), "f1")

	require.Error(t, err)
	assert.Equal(t, Unavailable, KindOf(err))
	assert.ErrorIs(t, err, ErrNoRemoteServer)
}

func TestSFTPErrorReportedWhenWebDAVNotConfigured(t *testing.T) {
	sftpSrv := startSFTPServer(t)
	store := newFakeStore()
	store.setServer(sftpSrv.config("wrong-password"))
	seedFile(store, "f1", "a.txt", 1)

	a := openAdapter(t, store)
	_, err := a.Read(context.Background(), "f1")

	require.Error(t, err)
	assert.Equal(t, Unauthenticated, KindOf(err))
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, models.TransportSFTP, re.Transport)
}

func TestRenameUpdatesOnlyName(t *testing.T) {
	sftpSrv := startSFTPServer(t)
	store := newFakeStore()
	store.setServer(sftpSrv.config(testPassword))
	seedFile(store, "f1", "old.txt", 0)

	ctx := context.Background()
	a := openAdapter(t, store)
	_, err := a.Write(ctx, "f1", []byte("data"))
	require.NoError(t, err)
	before, _ := store.file("f1")
	updates := store.updates

	renamed, err := a.Rename(ctx, "f1", "new.txt")
	require.NoError(t, err)
	assert.Equal(t, "new.txt", renamed.Name)
	assert.Equal(t, updates+1, store.updates)

	got := *renamed
	got.Name = before.Name
	got.ModifiedAt = before.ModifiedAt
	assert.Equal(t, before, got)

	data, err := a.Read(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)
}

func TestRenameFailureLeavesRecordUntouched(t *testing.T) {
	sftpSrv := startSFTPServer(t)
	store := newFakeStore()
	store.setServer(sftpSrv.config(testPassword))
	before := seedFile(store, "f1", "never-written.txt", 4)

	a := openAdapter(t, store)
	_, err := a.Rename(context.Background(), "f1", "renamed.txt")

	require.Error(t, err)
	after, _ := store.file("f1")
	assert.Equal(t, before, after)
	assert.Equal(t, 0, store.mutations())
}

func TestRenameRejectsEmptyName(t *testing.T) {
	store := newFakeStore()
	seedFile(store, "f1", "a.txt", 1)

	a := openAdapter(t, store)
	_, err := a.Rename(context.Background(), "f1", "///")
	assert.Equal(t, Invalid, KindOf(err))
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestMoveIntoFolder(t *testing.T) {
	sftpSrv := startSFTPServer(t)
	store := newFakeStore()
	store.setServer(sftpSrv.config(testPassword))
	store.folders["d1"] = &models.Folder{ID: "d1", Name: "Docs", Path: "/Docs", OwnerID: testOwner}
	seedFile(store, "f1", "cv.pdf", 0)

	ctx := context.Background()
	a := openAdapter(t, store)
	_, err := a.Write(ctx, "f1", []byte("resume"))
	require.NoError(t, err)

	target := "d1"
	moved, err := a.Move(ctx, "f1", &target)
	require.NoError(t, err)
	require.NotNil(t, moved.ParentID)
	assert.Equal(t, "d1", *moved.ParentID)

	data, err := a.Read(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, []byte("resume"), data)

	// And back to the root.
	moved, err = a.Move(ctx, "f1", nil)
	require.NoError(t, err)
	assert.Nil(t, moved.ParentID)
}

func TestMoveToMissingFolderIsNotFound(t *testing.T) {
	store := newFakeStore()
	seedFile(store, "f1", "a.txt", 1)

	a := openAdapter(t, store)
	target := "nope"
	_, err := a.Move(context.Background(), "f1", &target)
	assert.Equal(t, NotFound, KindOf(err))
	assert.Equal(t, 0, store.mutations())
}

func TestCopyOverSFTPReadsThenWrites(t *testing.T) {
	sftpSrv := startSFTPServer(t)
	store := newFakeStore()
	store.setServer(sftpSrv.config(testPassword))
	seedFile(store, "f1", "photo.jpg", 0)

	ctx := context.Background()
	a := openAdapter(t, store)
	_, err := a.Write(ctx, "f1", []byte("jpeg"))
	require.NoError(t, err)

	dup, err := a.Copy(ctx, "f1", "")
	require.NoError(t, err)
	assert.Equal(t, "Copy of photo.jpg", dup.Name)
	assert.NotEqual(t, "f1", dup.ID)
	assert.Equal(t, 1, store.creates)

	data, err := a.Read(ctx, dup.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)

	_, err = a.Copy(ctx, "f1", "")
	assert.Equal(t, Conflict, KindOf(err))
}

func TestCopyOverWebDAVUsesNativeCopy(t *testing.T) {
	dav := startDAVServer(t)
	store := newFakeStore()
	store.setServer(dav.config())
	seedFile(store, "f1", "a.txt", 2)
	dav.put(t, "/a.txt", []byte("hi"))

	ctx := context.Background()
	a := openAdapter(t, store)
	dup, err := a.Copy(ctx, "f1", "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "b.txt", dup.Name)
	assert.Equal(t, 1, dav.count("COPY"))
	assert.Equal(t, 0, dav.count("GET"))

	_, err = a.Copy(ctx, "f1", "b.txt")
	assert.Equal(t, Conflict, KindOf(err))
	assert.Equal(t, 1, store.creates)
}

func TestWebDAVWirePathIsEscapedOnce(t *testing.T) {
	dav := startDAVServer(t)
	store := newFakeStore()
	store.setServer(dav.config())

	names := []string{"My File.txt", "report 50%.txt", "a%20b.txt", "Q1:plan?.md"}
	a := openAdapter(t, store)
	for i, name := range names {
		id := string(rune('a' + i))
		seedFile(store, id, name, 0)
		_, err := a.Write(context.Background(), id, []byte("x"))
		require.NoError(t, err, name)
	}

	puts := dav.paths("PUT")
	require.Len(t, puts, len(names))
	for i, name := range names {
		assert.Equal(t, "/"+pathnorm.Escape(name), puts[i], name)
	}
}

func TestList(t *testing.T) {
	dav := startDAVServer(t)
	store := newFakeStore()
	store.setServer(dav.config())
	dav.put(t, "/one.txt", []byte("1"))
	dav.put(t, "/two.txt", []byte("22"))

	a := openAdapter(t, store)
	entries, err := a.List(context.Background())
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"one.txt", "two.txt"}, names)
}

func TestBatchDelete(t *testing.T) {
	dav := startDAVServer(t)
	store := newFakeStore()
	store.setServer(dav.config())
	for _, id := range []string{"a", "b"} {
		seedFile(store, id, id+".txt", 1)
		dav.put(t, "/"+id+".txt", []byte("x"))
	}

	a := openAdapter(t, store)
	results := a.BatchDelete(context.Background(), []string{"a", "missing", "b"})

	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].FileID)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, NotFound, KindOf(results[1].Err))
	assert.NoError(t, results[2].Err)
	assert.Equal(t, 2, store.deletes)
	assert.Equal(t, 2, dav.count("DELETE"))
}

func TestServiceTest(t *testing.T) {
	sftpSrv := startSFTPServer(t)
	dav := startDAVServer(t)
	svc := NewService(newFakeStore(), Options{SFTPConnectTimeout: 5 * time.Second})
	ctx := context.Background()

	good := sftpSrv.config(testPassword)
	good.RootPath = "/"
	assert.NoError(t, svc.Test(ctx, good))
	assert.NoError(t, svc.Test(ctx, dav.config()))

	err := svc.Test(ctx, sftpSrv.config("wrong-password"))
	assert.Equal(t, Unauthenticated, KindOf(err))

	err = svc.Test(ctx, &models.RemoteServerConfig{Transport: models.TransportWebDAV})
	assert.Equal(t, Unavailable, KindOf(err))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"store miss", models.ErrNotFound, NotFound},
		{"os not exist", &os.PathError{Op: "open", Path: "/x", Err: os.ErrNotExist}, NotFound},
		{"os permission", os.ErrPermission, PermissionDenied},
		{"os exist", os.ErrExist, Conflict},
		{"sftp no space", &sftp.StatusError{Code: fxNoSpace}, InsufficientStorage},
		{"sftp quota", &sftp.StatusError{Code: fxQuotaExceeded}, InsufficientStorage},
		{"sftp exists", &sftp.StatusError{Code: fxFileAlreadyExists}, Conflict},
		{"webdav 401", &os.PathError{Op: "ReadStream", Path: "/x", Err: gowebdav.StatusError{Status: 401}}, Unauthenticated},
		{"webdav 403", &os.PathError{Op: "Write", Path: "/x", Err: gowebdav.StatusError{Status: 403}}, PermissionDenied},
		{"webdav 404", &os.PathError{Op: "ReadStream", Path: "/x", Err: gowebdav.StatusError{Status: 404}}, NotFound},
		{"webdav 412", &os.PathError{Op: "Copy", Path: "/x", Err: gowebdav.StatusError{Status: 412}}, Conflict},
		{"webdav 507", &os.PathError{Op: "Write", Path: "/x", Err: gowebdav.StatusError{Status: 507}}, InsufficientStorage},
		{"ssh auth", errString("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"), Unauthenticated},
		{"quota message", errString("disk quota exceeded"), InsufficientStorage},
		{"auth in path", errString("open /vault/author.txt: no such file"), NotFound},
		{"oauth in message", errString("oauth token refresh: connection reset"), Unknown},
		{"other", errString("connection reset by peer"), Unknown},
		{"not configured", ErrNotConfigured, Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, 404, HTTPStatus(NotFound))
	assert.Equal(t, 401, HTTPStatus(Unauthenticated))
	assert.Equal(t, 403, HTTPStatus(PermissionDenied))
	assert.Equal(t, 409, HTTPStatus(Conflict))
	assert.Equal(t, 507, HTTPStatus(InsufficientStorage))
	assert.Equal(t, 502, HTTPStatus(Unknown))
	assert.Equal(t, 503, HTTPStatus(Unavailable))
}

type errString string

func (e errString) Error() string { return string(e) }
