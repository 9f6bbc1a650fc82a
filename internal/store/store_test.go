package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/snapetech/iptvclient/internal/catalog"
	"github.com/snapetech/iptvclient/internal/config"
)

func sampleSnapshot() catalog.Snapshot {
	return catalog.Snapshot{
		Items: []catalog.Item{
			{ID: "live_42", Name: "News 24", Logo: "http://img/42.png", URL: "http://example.com/live/a/b/42.m3u8", CategoryID: "1", CategoryName: "News", Group: catalog.GroupLive},
			{ID: "vod_7", Name: "Film", URL: "http://example.com/movie/a/b/7.mkv", CategoryName: "Movies", Group: catalog.GroupMovie},
			{ID: "series_3", Name: "Show", URL: "SERIES_ID:3", CategoryID: "9", CategoryName: "Drama", Group: catalog.GroupSeries},
		},
		Categories: []catalog.Category{
			{ID: "1", Name: "News", Group: catalog.GroupLive},
			{ID: "9", Name: "Drama", Group: catalog.GroupSeries},
		},
		FetchedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

type backend struct {
	name string
	open func(t *testing.T, dir string) Gateway
}

var backends = []backend{
	{"file", func(t *testing.T, dir string) Gateway {
		s, err := NewFileStore(dir, nil)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}},
	{"sqlite", func(t *testing.T, dir string) Gateway {
		s, err := OpenSQLite(filepath.Join(dir, "iptv-client.db"), nil)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}},
}

func assertSameSnapshot(t *testing.T, got, want catalog.Snapshot) {
	t.Helper()
	if !reflect.DeepEqual(got.Items, want.Items) {
		t.Errorf("items:\n got %+v\nwant %+v", got.Items, want.Items)
	}
	if !reflect.DeepEqual(got.Categories, want.Categories) {
		t.Errorf("categories:\n got %+v\nwant %+v", got.Categories, want.Categories)
	}
	if !got.FetchedAt.Equal(want.FetchedAt) {
		t.Errorf("fetched_at = %v, want %v", got.FetchedAt, want.FetchedAt)
	}
}

func TestGateway_roundtrip(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t, t.TempDir())
			defer s.Close()
			want := sampleSnapshot()
			if err := s.Save(ctx, want); err != nil {
				t.Fatalf("Save: %v", err)
			}
			assertSameSnapshot(t, s.Load(ctx), want)
		})
	}
}

func TestGateway_survivesReopen(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			s := b.open(t, dir)
			if err := s.Save(ctx, sampleSnapshot()); err != nil {
				t.Fatal(err)
			}
			s.Close()
			s2 := b.open(t, dir)
			defer s2.Close()
			assertSameSnapshot(t, s2.Load(ctx), sampleSnapshot())
		})
	}
}

func TestGateway_saveReplacesNotMerges(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t, t.TempDir())
			defer s.Close()
			if err := s.Save(ctx, sampleSnapshot()); err != nil {
				t.Fatal(err)
			}
			next := catalog.Snapshot{Items: []catalog.Item{{ID: "live_1", Name: "One", URL: "http://x/live/a/b/1.m3u8", Group: catalog.GroupLive}}}
			if err := s.Save(ctx, next); err != nil {
				t.Fatal(err)
			}
			got := s.Load(ctx)
			if len(got.Items) != 1 || got.Items[0].ID != "live_1" || len(got.Categories) != 0 {
				t.Errorf("Load after overwrite = %+v", got)
			}
			if !got.FetchedAt.IsZero() {
				t.Errorf("fetched_at carried over: %v", got.FetchedAt)
			}
		})
	}
}

func TestGateway_loadEmpty(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t, t.TempDir())
			defer s.Close()
			if got := s.Load(context.Background()); !got.Empty() {
				t.Errorf("Load on fresh store = %+v", got)
			}
			if _, ok := s.LoadCredentials(context.Background()); ok {
				t.Error("LoadCredentials on fresh store reported credentials")
			}
		})
	}
}

func TestGateway_credentials(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t, t.TempDir())
			defer s.Close()
			want := catalog.Credentials{Host: "http://example.com", User: "a", Pass: "p&ss=1", UseProxy: true}
			if err := s.SaveCredentials(ctx, want); err != nil {
				t.Fatal(err)
			}
			got, ok := s.LoadCredentials(ctx)
			if !ok || got != want {
				t.Errorf("LoadCredentials = %+v, %v", got, ok)
			}
			// Saving a catalog leaves credentials alone.
			if err := s.Save(ctx, sampleSnapshot()); err != nil {
				t.Fatal(err)
			}
			if got, ok := s.LoadCredentials(ctx); !ok || got != want {
				t.Errorf("credentials after Save = %+v, %v", got, ok)
			}
		})
	}
}

func TestGateway_clear(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t, t.TempDir())
			defer s.Close()
			if err := s.Save(ctx, sampleSnapshot()); err != nil {
				t.Fatal(err)
			}
			if err := s.SaveCredentials(ctx, catalog.Credentials{Host: "h", User: "u", Pass: "p"}); err != nil {
				t.Fatal(err)
			}
			if err := s.Clear(ctx); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			if got := s.Load(ctx); !got.Empty() {
				t.Errorf("Load after Clear = %+v", got)
			}
			if _, ok := s.LoadCredentials(ctx); ok {
				t.Error("credentials survived Clear")
			}
			if err := s.Clear(ctx); err != nil {
				t.Errorf("second Clear: %v", err)
			}
		})
	}
}

func TestFileStore_atomicAndPrivate(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(context.Background(), sampleSnapshot()); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(dir, catalogFile))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("catalog.json mode = %o, want 600", perm)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestFileStore_corruptCatalogLoadsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, catalogFile), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, credentialsFile), []byte("[]"), 0600); err != nil {
		t.Fatal(err)
	}
	s, _ := NewFileStore(dir, nil)
	if got := s.Load(context.Background()); !got.Empty() {
		t.Errorf("Load = %+v", got)
	}
	if _, ok := s.LoadCredentials(context.Background()); ok {
		t.Error("corrupt credentials reported as present")
	}
}

func TestFileStore_saveFailureIsStorageError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	s, err := NewFileStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Replace the directory with a regular file so the temp file cannot be created.
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dir, nil, 0600); err != nil {
		t.Fatal(err)
	}
	err = s.Save(context.Background(), sampleSnapshot())
	if !errors.Is(err, catalog.ErrStorage) {
		t.Errorf("Save err = %v, want ErrStorage", err)
	}
}

func TestSQLiteStore_migrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "iptv-client.db")
	for i := 0; i < 2; i++ {
		s, err := OpenSQLite(path, nil)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		var n int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("open %d: %d migrations recorded", i, n)
		}
		s.Close()
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		store   string
		want    string
		wantErr bool
	}{
		{config.StoreFile, "*store.FileStore", false},
		{config.StoreSQLite, "*store.SQLiteStore", false},
		{"redis", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.store, func(t *testing.T) {
			g, err := Open(&config.Config{Store: tt.store, DataDir: filepath.Join(dir, tt.store)}, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			defer g.Close()
			if got := reflect.TypeOf(g).String(); got != tt.want {
				t.Errorf("Open type = %s, want %s", got, tt.want)
			}
		})
	}
}
