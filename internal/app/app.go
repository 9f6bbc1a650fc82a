// Package app wires the catalog fetcher, the local cache, the series resolver and the
// player around one explicit application state. The CLI and the HTTP API both drive it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/snapetech/iptvclient/internal/catalog"
	"github.com/snapetech/iptvclient/internal/config"
	"github.com/snapetech/iptvclient/internal/httpclient"
	"github.com/snapetech/iptvclient/internal/logging"
	"github.com/snapetech/iptvclient/internal/playback"
	"github.com/snapetech/iptvclient/internal/series"
	"github.com/snapetech/iptvclient/internal/store"
	"github.com/snapetech/iptvclient/internal/transport"
	"github.com/snapetech/iptvclient/internal/xtream"
)

// App is the application: state in memory, one persistence gateway, and the services
// that read and write them.
type App struct {
	State  *catalog.State
	Store  store.Gateway
	Client *xtream.Client
	Series *series.Resolver
	Player *playback.Player
	Policy transport.Policy

	cfg *config.Config
	log *log.Logger
}

// Deps lets tests replace the store and the playback collaborators.
type Deps struct {
	Store    store.Gateway
	Playback playback.Options
}

// New builds an App from cfg. The store is opened from cfg unless deps supplies one.
func New(cfg *config.Config, logger *log.Logger, deps Deps) (*App, error) {
	logger = logging.OrDiscard(logger)
	filters, err := xtream.CompileFilters(map[catalog.Group]xtream.Patterns{
		catalog.GroupLive:   {Include: cfg.LiveInclude, Exclude: cfg.LiveExclude},
		catalog.GroupMovie:  {Include: cfg.VODInclude, Exclude: cfg.VODExclude},
		catalog.GroupSeries: {Include: cfg.SeriesInclude, Exclude: cfg.SeriesExclude},
	})
	if err != nil {
		return nil, fmt.Errorf("filters: %w", err)
	}
	gw := deps.Store
	if gw == nil {
		if gw, err = store.Open(cfg, logger); err != nil {
			return nil, err
		}
	}
	policy := transport.NewPolicy(cfg.RelayTemplate, cfg.PageSecure)
	client := xtream.New(xtream.Options{
		HTTPClient:  httpclient.Default(),
		Timeout:     cfg.RequestTimeout,
		Parallel:    cfg.FetchMode == config.FetchParallel,
		Concurrency: cfg.FetchConcurrency,
		RateLimit:   cfg.RateLimit,
		LiveExt:     cfg.LiveExt,
		Policy:      policy,
		Filters:     filters,
		Logger:      logger,
	})
	resolver := series.NewResolver(client, series.Options{
		TTL:     cfg.SeriesCacheTTL,
		MaxSize: cfg.SeriesCacheSize,
		Logger:  logger,
	})
	popts := deps.Playback
	if popts.Resolver == nil {
		popts.Resolver = resolver
	}
	popts.Policy = policy
	popts.MaxRetries = cfg.MaxRetries
	popts.Logger = logger
	return &App{
		State:  catalog.NewState(),
		Store:  gw,
		Client: client,
		Series: resolver,
		Player: playback.NewPlayer(popts),
		Policy: policy,
		cfg:    cfg,
		log:    logger,
	}, nil
}

// Restore loads credentials and the cached catalog into State. Credentials from the
// configuration win over stored ones. A missing or unreadable cache leaves "no catalog".
func (a *App) Restore(ctx context.Context) {
	if creds, ok := a.cfg.Credentials(); ok {
		a.State.SetCredentials(creds)
	} else if creds, ok := a.Store.LoadCredentials(ctx); ok {
		a.State.SetCredentials(creds)
	}
	snap := a.Store.Load(ctx)
	a.State.Replace(snap)
	if !snap.Empty() {
		counts := snap.Counts()
		a.log.Info("catalog restored",
			"live", counts[catalog.GroupLive],
			"movies", counts[catalog.GroupMovie],
			"series", counts[catalog.GroupSeries],
			"fetched", snap.FetchedAt.Format("2006-01-02 15:04"))
	}
}

// Credentials returns the current credentials, or ErrAuth when none are set.
func (a *App) Credentials() (catalog.Credentials, error) {
	creds, ok := a.State.Credentials()
	if !ok || !creds.Valid() {
		return catalog.Credentials{}, catalog.Errorf(catalog.ErrAuth, "credentials", "no provider account configured")
	}
	return creds, nil
}

// Login verifies creds against the provider, then persists them and makes them current.
// The catalog is left alone; call Refresh to replace it.
func (a *App) Login(ctx context.Context, creds catalog.Credentials) (xtream.Account, error) {
	acct, err := a.Client.Authenticate(ctx, creds)
	if err != nil {
		return xtream.Account{}, err
	}
	prev, had := a.State.Credentials()
	a.State.SetCredentials(creds)
	if had && (prev.BaseURL() != creds.BaseURL() || prev.User != creds.User || prev.Pass != creds.Pass) {
		a.Series.Forget()
	}
	if err := a.Store.SaveCredentials(ctx, creds); err != nil {
		a.log.Warn("credentials not saved", "err", err)
		return acct, err
	}
	return acct, nil
}

// Refresh fetches a new catalog with the current credentials, swaps it into State and
// saves it. A failed fetch leaves the previous catalog in place. A failed save still
// swaps the catalog in and returns it with the ErrStorage error.
func (a *App) Refresh(ctx context.Context) (catalog.Snapshot, error) {
	creds, err := a.Credentials()
	if err != nil {
		return catalog.Snapshot{}, err
	}
	snap, err := a.Client.FetchCatalog(ctx, creds)
	if err != nil {
		return catalog.Snapshot{}, err
	}
	a.State.Replace(snap)
	if err := a.Store.Save(ctx, snap); err != nil {
		a.log.Warn("catalog not cached", "err", err)
		return snap, err
	}
	return snap, nil
}

// Logout stops playback, clears the store and resets State to "no catalog".
// Logging out twice is not an error.
func (a *App) Logout(ctx context.Context) error {
	a.Player.Close()
	a.Series.Forget()
	a.State.Reset()
	return a.Store.Clear(ctx)
}

// SeriesInfo returns the seasons of the series with the given series id.
func (a *App) SeriesInfo(ctx context.Context, seriesID string) (catalog.SeriesInfo, error) {
	creds, err := a.Credentials()
	if err != nil {
		return catalog.SeriesInfo{}, err
	}
	return a.Series.SeriesInfo(ctx, creds, seriesID)
}

// ErrUnknownItem is returned by Play for ids that are not in the catalog.
var ErrUnknownItem = errors.New("item not in catalog")

// Play opens a playback session for a catalog item, closing the current one.
func (a *App) Play(itemID string) (*playback.Session, error) {
	item, ok := a.State.Item(itemID)
	if !ok {
		return nil, catalog.E(catalog.ErrNotFound, "play "+itemID, ErrUnknownItem)
	}
	creds, _ := a.State.Credentials()
	return a.Player.Open(item, creds), nil
}

// PlayEpisode opens a session for one episode of a series item, bypassing the
// first-episode rule.
func (a *App) PlayEpisode(ctx context.Context, itemID, episodeID string) (*playback.Session, error) {
	item, ok := a.State.Item(itemID)
	if !ok || item.Group != catalog.GroupSeries {
		return nil, catalog.E(catalog.ErrNotFound, "play "+itemID, ErrUnknownItem)
	}
	seriesID, ok := catalog.ParseSeriesSentinel(item.URL)
	if !ok {
		return nil, catalog.Errorf(catalog.ErrResolution, "play "+itemID, "item is not a series")
	}
	info, err := a.SeriesInfo(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	for _, s := range info.Seasons {
		for _, ep := range s.Episodes {
			if ep.ID != episodeID {
				continue
			}
			creds, _ := a.State.Credentials()
			epItem := item
			epItem.ID = item.ID + "/" + ep.ID
			if ep.Title != "" {
				epItem.Name = ep.Title
			}
			epItem.URL = series.EpisodeStreamURL(creds, ep.ID, ep.ContainerExtension)
			return a.Player.Open(epItem, creds), nil
		}
	}
	return nil, catalog.Errorf(catalog.ErrNotFound, "play "+itemID, "episode %s not in series %s", episodeID, seriesID)
}

// Close stops playback and releases the store.
func (a *App) Close() error {
	a.Player.Close()
	return a.Store.Close()
}
