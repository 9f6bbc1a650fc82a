// Package store persists the catalog snapshot and the provider credentials between runs.
//
// A Gateway replaces the whole snapshot on every Save; there is no partial update and no
// merge with what was stored before. Load never fails: missing or unreadable data reads
// as an empty catalog so the application falls back to "no catalog".
package store

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/snapetech/iptvclient/internal/catalog"
	"github.com/snapetech/iptvclient/internal/config"
)

// Gateway is the local cache. Implementations are safe for concurrent use.
type Gateway interface {
	// Save replaces the stored catalog with snap. Failures are catalog.ErrStorage.
	Save(ctx context.Context, snap catalog.Snapshot) error
	// Load returns the stored catalog, or an empty snapshot when there is none.
	Load(ctx context.Context) catalog.Snapshot
	SaveCredentials(ctx context.Context, creds catalog.Credentials) error
	LoadCredentials(ctx context.Context) (catalog.Credentials, bool)
	// Clear removes catalog and credentials. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
	Close() error
}

// Open returns the gateway selected by cfg.Store at cfg.StorePath().
func Open(cfg *config.Config, logger *log.Logger) (Gateway, error) {
	switch cfg.Store {
	case config.StoreFile, "":
		return NewFileStore(cfg.StorePath(), logger)
	case config.StoreSQLite:
		return OpenSQLite(cfg.StorePath(), logger)
	}
	return nil, fmt.Errorf("store: unknown backend %q", cfg.Store)
}
