package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/snapetech/iptvclient/internal/catalog"
	"github.com/snapetech/iptvclient/internal/logging"
)

const (
	catalogFile     = "catalog.json"
	credentialsFile = "credentials.json"
)

// FileStore keeps catalog.json and credentials.json in one directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
	log *log.Logger
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string, logger *log.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("store: empty directory")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, catalog.E(catalog.ErrStorage, "open store", err)
	}
	return &FileStore{dir: dir, log: logging.OrDiscard(logger)}, nil
}

func (s *FileStore) Save(ctx context.Context, snap catalog.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return catalog.E(catalog.ErrStorage, "save catalog", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(filepath.Join(s.dir, catalogFile), data); err != nil {
		return catalog.E(catalog.ErrStorage, "save catalog", err)
	}
	s.log.Debug("catalog saved", "items", len(snap.Items), "categories", len(snap.Categories))
	return nil
}

func (s *FileStore) Load(ctx context.Context) catalog.Snapshot {
	s.mu.Lock()
	data, err := os.ReadFile(filepath.Join(s.dir, catalogFile))
	s.mu.Unlock()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("cached catalog unreadable, starting empty", "err", err)
		}
		return catalog.Snapshot{}
	}
	var snap catalog.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.log.Warn("cached catalog corrupt, starting empty", "err", err)
		return catalog.Snapshot{}
	}
	return snap
}

func (s *FileStore) SaveCredentials(ctx context.Context, creds catalog.Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return catalog.E(catalog.ErrStorage, "save credentials", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(filepath.Join(s.dir, credentialsFile), data); err != nil {
		return catalog.E(catalog.ErrStorage, "save credentials", err)
	}
	return nil
}

func (s *FileStore) LoadCredentials(ctx context.Context) (catalog.Credentials, bool) {
	s.mu.Lock()
	data, err := os.ReadFile(filepath.Join(s.dir, credentialsFile))
	s.mu.Unlock()
	if err != nil {
		return catalog.Credentials{}, false
	}
	var creds catalog.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		s.log.Warn("stored credentials corrupt, ignoring", "err", err)
		return catalog.Credentials{}, false
	}
	return creds, creds.Valid()
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range []string{catalogFile, credentialsFile} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return catalog.E(catalog.ErrStorage, "clear", err)
		}
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// writeFileAtomic writes data to path through a temp file in the same directory and a
// rename, so readers never see a partially written file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(filepath.Clean(path))
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("write: %w", writeErr)
		}
		return fmt.Errorf("close: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
