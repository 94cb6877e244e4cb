package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/net/webdav"

	"github.com/apper-apps/magnavaultdrive/internal/models"
)

const (
	testUser     = "vault"
	testPassword = "s3cret"
)

// sftpServer is an in-process SSH server exposing an in-memory SFTP tree.
type sftpServer struct {
	host     string
	port     int
	conns    atomic.Int32
	handlers sftp.Handlers
}

func startSFTPServer(t *testing.T) *sftpServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	conf := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	conf.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	srv := &sftpServer{handlers: sftp.InMemHandler()}
	addr := ln.Addr().(*net.TCPAddr)
	srv.host, srv.port = addr.IP.String(), addr.Port

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			srv.conns.Add(1)
			go srv.serve(conn, conf)
		}
	}()
	return srv
}

func (s *sftpServer) serve(conn net.Conn, conf *ssh.ServerConfig) {
	defer conn.Close()
	_, chans, reqs, err := ssh.NewServerConn(conn, conf)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			return
		}
		go func(in <-chan *ssh.Request) {
			for req := range in {
				ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				req.Reply(ok, nil)
			}
		}(requests)

		server := sftp.NewRequestServer(ch, s.handlers)
		go func() {
			_ = server.Serve()
			server.Close()
		}()
	}
}

func (s *sftpServer) config(password string) *models.RemoteServerConfig {
	return &models.RemoteServerConfig{
		Transport:  models.TransportSFTP,
		Host:       s.host,
		Port:       s.port,
		Username:   testUser,
		AuthMethod: models.AuthPassword,
		Password:   password,
		RootPath:   "/vault",
	}
}

// closedPortConfig points at a port with nothing listening.
func closedPortConfig(t *testing.T) *models.RemoteServerConfig {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return &models.RemoteServerConfig{
		Transport:  models.TransportSFTP,
		Host:       "127.0.0.1",
		Port:       port,
		Username:   testUser,
		AuthMethod: models.AuthPassword,
		Password:   testPassword,
	}
}

type davRequest struct {
	Method string
	Path   string
	User   string
}

// davServer is an httptest WebDAV server on an in-memory filesystem that
// records every request it sees.
type davServer struct {
	*httptest.Server
	fs webdav.FileSystem

	mu       sync.Mutex
	requests []davRequest
}

func startDAVServer(t *testing.T) *davServer {
	t.Helper()
	d := &davServer{fs: webdav.NewMemFS()}
	h := &webdav.Handler{FileSystem: d.fs, LockSystem: webdav.NewMemLS()}
	d.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		user, _, _ := r.BasicAuth()
		d.requests = append(d.requests, davRequest{Method: r.Method, Path: r.URL.EscapedPath(), User: user})
		d.mu.Unlock()
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(d.Close)
	return d
}

func (d *davServer) config() *models.RemoteServerConfig {
	return &models.RemoteServerConfig{
		Transport:  models.TransportWebDAV,
		ServerURL:  d.URL,
		Username:   testUser,
		AuthMethod: models.AuthPassword,
		Password:   testPassword,
	}
}

func (d *davServer) count(method string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.requests {
		if r.Method == method {
			n++
		}
	}
	return n
}

func (d *davServer) users() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.requests))
	for _, r := range d.requests {
		out = append(out, r.User)
	}
	return out
}

func (d *davServer) total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func (d *davServer) paths(method string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, r := range d.requests {
		if r.Method == method {
			out = append(out, r.Path)
		}
	}
	return out
}

func (d *davServer) put(t *testing.T, name string, data []byte) {
	t.Helper()
	f, err := d.fs.OpenFile(context.Background(), name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// fakeStore is an in-memory metadata store that counts mutations.
type fakeStore struct {
	mu      sync.Mutex
	files   map[string]*models.FileRecord
	folders map[string]*models.Folder
	servers map[string]*models.RemoteServerConfig

	updates int
	creates int
	deletes int
	lookups int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		files:   make(map[string]*models.FileRecord),
		folders: make(map[string]*models.Folder),
		servers: make(map[string]*models.RemoteServerConfig),
	}
}

func (s *fakeStore) addFile(f models.FileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.ID] = &f
}

func (s *fakeStore) file(id string) (models.FileRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return models.FileRecord{}, false
	}
	return *f, true
}

func (s *fakeStore) setServer(cfg *models.RemoteServerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[cfg.Transport] = cfg
}

func (s *fakeStore) mutations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates + s.creates + s.deletes
}

func (s *fakeStore) GetFile(_ context.Context, id string) (*models.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *fakeStore) CreateFile(_ context.Context, f *models.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	cp := *f
	s.files[f.ID] = &cp
	return nil
}

func (s *fakeStore) UpdateFile(_ context.Context, id string, u models.FileUpdate) (*models.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	s.updates++
	if u.Name != nil {
		f.Name = *u.Name
	}
	if u.Size != nil {
		f.Size = *u.Size
	}
	if u.MimeType != nil {
		f.MimeType = *u.MimeType
	}
	if u.Tags != nil {
		f.Tags = u.Tags
	}
	if u.SetParent {
		f.ParentID = u.ParentID
	}
	if u.ModifiedAt != nil {
		f.ModifiedAt = *u.ModifiedAt
	}
	cp := *f
	return &cp, nil
}

func (s *fakeStore) DeleteFile(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		return models.ErrNotFound
	}
	s.deletes++
	delete(s.files, id)
	return nil
}

func (s *fakeStore) GetFolder(_ context.Context, id string) (*models.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *fakeStore) RemoteServerFor(_ context.Context, _ int, transport string) (*models.RemoteServerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	cfg, ok := s.servers[transport]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *cfg
	return &cp, nil
}

const testOwner = 7

func openAdapter(t *testing.T, store *fakeStore) *Adapter {
	t.Helper()
	svc := NewService(store, Options{SFTPConnectTimeout: 5 * time.Second, WebDAVTimeout: 5 * time.Second})
	a := svc.Open(testOwner)
	t.Cleanup(func() { a.Close() })
	return a
}

func seedFile(store *fakeStore, id, name string, size int64) models.FileRecord {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	f := models.FileRecord{
		ID:              id,
		Name:            name,
		Size:            size,
		MimeType:        "text/plain",
		Encrypted:       true,
		CreatedAt:       created,
		ModifiedAt:      created,
		StorageLocation: models.LocationRemote,
		OwnerID:         testOwner,
	}
	store.addFile(f)
	return f
}
