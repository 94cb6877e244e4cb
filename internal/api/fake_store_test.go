package api

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apper-apps/magnavaultdrive/internal/models"
)

// memStore is an in-memory Metadata.
type memStore struct {
	mu       sync.Mutex
	files    map[string]models.FileRecord
	folders  map[string]models.Folder
	settings map[int64]models.PlatformSetting
	servers  map[int64]models.RemoteServerConfig
	nextID   int64
}

func newMemStore() *memStore {
	return &memStore{
		files:    make(map[string]models.FileRecord),
		folders:  make(map[string]models.Folder),
		settings: make(map[int64]models.PlatformSetting),
		servers:  make(map[int64]models.RemoteServerConfig),
	}
}

func (m *memStore) GetFile(_ context.Context, id string) (*models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &f, nil
}

func (m *memStore) CreateFile(_ context.Context, f *models.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[f.ID]; ok {
		return models.ErrConflict
	}
	if f.StorageLocation == "" {
		f.StorageLocation = models.LocationLocal
	}
	m.files[f.ID] = *f
	return nil
}

func (m *memStore) UpdateFile(_ context.Context, id string, u models.FileUpdate) (*models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, models.ErrNotFound
	}
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
	m.files[id] = f
	return &f, nil
}

func (m *memStore) DeleteFile(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[id]; !ok {
		return models.ErrNotFound
	}
	delete(m.files, id)
	return nil
}

func (m *memStore) GetFolder(_ context.Context, id string) (*models.Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.folders[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &f, nil
}

func (m *memStore) RemoteServerFor(_ context.Context, userID int, transport string) (*models.RemoteServerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.servers {
		if c.UserID == userID && c.Transport == transport {
			return &c, nil
		}
	}
	return nil, models.ErrNotFound
}

func sameFolder(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (m *memStore) ListFiles(_ context.Context, filter models.FileFilter) ([]models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FileRecord
	for _, f := range m.files {
		if f.OwnerID != filter.OwnerID || f.DeletedAt != nil {
			continue
		}
		if !filter.AnyFolder && !sameFolder(f.ParentID, filter.FolderID) {
			continue
		}
		if filter.Query != "" && !strings.Contains(strings.ToLower(f.Name), strings.ToLower(filter.Query)) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (m *memStore) SoftDeleteFile(_ context.Context, id string, ownerID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok || f.OwnerID != ownerID || f.DeletedAt != nil {
		return models.ErrNotFound
	}
	now := time.Now()
	f.DeletedAt = &now
	m.files[id] = f
	return nil
}

func (m *memStore) trashed(ownerID int) []models.FileRecord {
	var out []models.FileRecord
	for _, f := range m.files {
		if f.OwnerID == ownerID && f.DeletedAt != nil {
			out = append(out, f)
		}
	}
	return out
}

func (m *memStore) ListTrash(_ context.Context, ownerID int) ([]models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trashed(ownerID), nil
}

func (m *memStore) RestoreFile(_ context.Context, id string, ownerID int) (*models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok || f.OwnerID != ownerID || f.DeletedAt == nil {
		return nil, models.ErrNotFound
	}
	f.DeletedAt = nil
	m.files[id] = f
	return &f, nil
}

func (m *memStore) PurgeFile(_ context.Context, id string, ownerID int) (*models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok || f.OwnerID != ownerID || f.DeletedAt == nil {
		return nil, models.ErrNotFound
	}
	delete(m.files, id)
	return &f, nil
}

func (m *memStore) PurgeAllTrash(_ context.Context, ownerID int) ([]models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.trashed(ownerID)
	for _, f := range out {
		delete(m.files, f.ID)
	}
	return out, nil
}

func (m *memStore) PurgeExpiredTrash(_ context.Context, maxAge time.Duration) ([]models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var out []models.FileRecord
	for id, f := range m.files {
		if f.DeletedAt != nil && f.DeletedAt.Before(cutoff) {
			out = append(out, f)
			delete(m.files, id)
		}
	}
	return out, nil
}

func (m *memStore) ListFolders(_ context.Context, ownerID int, parentID *string) ([]models.Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Folder
	for _, f := range m.folders {
		if f.OwnerID == ownerID && sameFolder(f.ParentID, parentID) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *memStore) FolderPath(_ context.Context, id string) ([]models.Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var chain []models.Folder
	for cur := &id; cur != nil; {
		f, ok := m.folders[*cur]
		if !ok {
			return nil, models.ErrNotFound
		}
		chain = append([]models.Folder{f}, chain...)
		cur = f.ParentID
	}
	return chain, nil
}

func (m *memStore) CreateFolder(_ context.Context, f *models.Folder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.Contains(f.Name, "/") {
		return models.ErrInvalid
	}
	f.Path = "/" + f.Name
	if f.ParentID != nil {
		parent, ok := m.folders[*f.ParentID]
		if !ok {
			return models.ErrInvalid
		}
		f.Path = parent.Path + "/" + f.Name
	}
	for _, other := range m.folders {
		if other.OwnerID == f.OwnerID && other.Path == f.Path {
			return models.ErrConflict
		}
	}
	f.ID = uuid.NewString()
	f.CreatedAt = time.Now()
	m.folders[f.ID] = *f
	return nil
}

func (m *memStore) UpdateFolder(_ context.Context, id string, u models.FolderUpdate) (*models.Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.folders[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if (u.Name != nil && *u.Name != f.Name) || u.SetParent {
		for _, file := range m.files {
			if file.ParentID == nil || file.StorageLocation != models.LocationRemote {
				continue
			}
			d := m.folders[*file.ParentID]
			if d.Path == f.Path || strings.HasPrefix(d.Path, f.Path+"/") {
				return nil, models.ErrRemoteFiles
			}
		}
	}
	if u.Name != nil {
		f.Name = *u.Name
		f.Path = f.Path[:strings.LastIndex(f.Path, "/")+1] + f.Name
	}
	m.folders[id] = f
	return &f, nil
}

func (m *memStore) DeleteFolder(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.folders[id]; !ok {
		return models.ErrNotFound
	}
	for _, f := range m.files {
		if f.ParentID != nil && *f.ParentID == id && f.DeletedAt == nil {
			return models.ErrConflict
		}
	}
	for _, f := range m.folders {
		if f.ParentID != nil && *f.ParentID == id {
			return models.ErrConflict
		}
	}
	delete(m.folders, id)
	return nil
}

func (m *memStore) ListSettings(context.Context) ([]models.PlatformSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PlatformSetting
	for _, p := range m.settings {
		out = append(out, p)
	}
	return out, nil
}

func (m *memStore) GetSetting(_ context.Context, id int64) (*models.PlatformSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.settings[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &p, nil
}

func (m *memStore) CreateSetting(_ context.Context, p *models.PlatformSetting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	if p.SettingType == "" {
		p.SettingType = models.SettingGeneral
	}
	m.settings[p.ID] = *p
	return nil
}

func (m *memStore) UpdateSetting(_ context.Context, id int64, p models.PlatformSetting) (*models.PlatformSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.settings[id]; !ok {
		return nil, models.ErrNotFound
	}
	p.ID = id
	m.settings[id] = p
	return &p, nil
}

func (m *memStore) DeleteSetting(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.settings[id]; !ok {
		return models.ErrNotFound
	}
	delete(m.settings, id)
	return nil
}

func (m *memStore) ListRemoteServers(_ context.Context, userID int) ([]models.RemoteServerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RemoteServerConfig
	for _, c := range m.servers {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) GetRemoteServer(_ context.Context, id int64) (*models.RemoteServerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.servers[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &c, nil
}

func (m *memStore) CreateRemoteServer(_ context.Context, c *models.RemoteServerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	m.servers[c.ID] = *c
	return nil
}

func (m *memStore) UpdateRemoteServer(_ context.Context, id int64, c models.RemoteServerConfig) (*models.RemoteServerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.servers[id]
	if !ok || old.UserID != c.UserID {
		return nil, models.ErrNotFound
	}
	c.ID = id
	m.servers[id] = c
	return &c, nil
}

func (m *memStore) DeleteRemoteServer(_ context.Context, id int64, userID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.servers[id]
	if !ok || c.UserID != userID {
		return models.ErrNotFound
	}
	delete(m.servers, id)
	return nil
}
