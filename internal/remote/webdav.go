package remote

import (
	"context"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/studio-b12/gowebdav"

	"github.com/apper-apps/magnavaultdrive/internal/models"
	"github.com/apper-apps/magnavaultdrive/internal/pathnorm"
)

type webdavSession struct {
	root   string
	client *gowebdav.Client
}

// basicAuth sends Basic credentials on every request. The client's default
// negotiating authorizer replays a request when the server does not ask for
// auth, which runs MOVE and COPY twice.
type basicAuth struct {
	user, password string
}

func (b *basicAuth) Authorize(_ *http.Client, rq *http.Request, _ string) error {
	if b.user != "" || b.password != "" {
		rq.SetBasicAuth(b.user, b.password)
	}
	return nil
}

// Verify never asks for a retry. A 401 is left to the operation, which
// reports it with the status code intact.
func (b *basicAuth) Verify(*http.Client, *http.Response, string) (bool, error) {
	return false, nil
}

func (b *basicAuth) Clone() gowebdav.Authenticator { return b }

func (b *basicAuth) Close() error { return nil }

// dialWebDAV creates a client. WebDAV is stateless HTTP, so nothing is sent
// until the first operation.
func dialWebDAV(cfg *models.RemoteServerConfig, timeout time.Duration) *webdavSession {
	auth := gowebdav.NewPreemptiveAuth(&basicAuth{user: cfg.Username, password: cfg.Password})
	c := gowebdav.NewAuthClient(cfg.ServerURL, auth)
	c.SetTimeout(timeout)
	return &webdavSession{
		root:   "/" + strings.Trim(cfg.RootPath, "/"),
		client: c,
	}
}

func (s *webdavSession) transport() string { return models.TransportWebDAV }

// remotePath returns the unescaped form of the URL path. The client escapes
// each segment itself, so the wire path is exactly pathnorm.Escape(logical)
// under the root.
func (s *webdavSession) remotePath(logical string) string {
	return pathnorm.Join(s.root, pathnorm.Unescape(pathnorm.Escape(logical)))
}

func (s *webdavSession) read(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.client.Read(p)
}

func (s *webdavSession) write(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.client.Write(p, data, 0o644)
}

func (s *webdavSession) remove(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.client.Remove(p)
}

func (s *webdavSession) copy(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.ensureParent(dst)
	return s.client.Copy(src, dst, false)
}

func (s *webdavSession) rename(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.ensureParent(dst)
	return s.client.Rename(src, dst, false)
}

func (s *webdavSession) list(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := s.client.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	return entriesFromInfos(infos), nil
}

func (s *webdavSession) stat(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.client.Connect()
}

func (s *webdavSession) close() error { return nil }

// ensureParent creates the collection that will hold p. Servers differ on
// how they answer a COPY or MOVE into a missing collection, so errors here
// are left for the operation itself to report.
func (s *webdavSession) ensureParent(p string) {
	if dir := path.Dir(p); dir != "/" && dir != "." {
		_ = s.client.MkdirAll(dir, 0o755)
	}
}
