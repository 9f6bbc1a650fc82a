// Package series resolves deferred series items into playable episode URLs.
package series

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/charmbracelet/log"
	"github.com/maypok86/otter/v2"

	"github.com/snapetech/iptvclient/internal/catalog"
	"github.com/snapetech/iptvclient/internal/logging"
	"github.com/snapetech/iptvclient/internal/metrics"
	"github.com/snapetech/iptvclient/internal/xtream"
)

// InfoSource fetches raw series metadata from the provider. *xtream.Client implements it.
type InfoSource interface {
	SeriesInfo(ctx context.Context, creds catalog.Credentials, seriesID string) (catalog.SeriesInfo, error)
}

// Options configure a Resolver.
type Options struct {
	// TTL bounds how long series info is reused. 0 disables the cache.
	TTL     time.Duration
	MaxSize int
	Logger  *log.Logger
}

// Resolver answers series info and first-episode lookups. Info is cached briefly in
// memory so opening a series and then playing it costs one provider call; it is never persisted.
type Resolver struct {
	src   InfoSource
	cache *otter.Cache[string, catalog.SeriesInfo]
	log   *log.Logger
}

// NewResolver returns a Resolver over src.
func NewResolver(src InfoSource, opts Options) *Resolver {
	r := &Resolver{src: src, log: logging.OrDiscard(opts.Logger)}
	if opts.TTL > 0 {
		size := opts.MaxSize
		if size <= 0 {
			size = 256
		}
		r.cache = otter.Must(&otter.Options[string, catalog.SeriesInfo]{
			MaximumSize:      size,
			ExpiryCalculator: otter.ExpiryWriting[string, catalog.SeriesInfo](opts.TTL),
		})
	}
	return r
}

// cacheKey scopes entries to the full credential set; a changed password never reads
// entries fetched with the old one. The password enters the key only as a digest.
func cacheKey(creds catalog.Credentials, seriesID string) string {
	sum := sha256.Sum256([]byte(creds.Pass))
	return creds.BaseURL() + "\x00" + creds.User + "\x00" + hex.EncodeToString(sum[:8]) + "\x00" + seriesID
}

// SeriesInfo returns the seasons and episodes of seriesID. ErrNotFound when the provider has none.
func (r *Resolver) SeriesInfo(ctx context.Context, creds catalog.Credentials, seriesID string) (catalog.SeriesInfo, error) {
	key := cacheKey(creds, seriesID)
	if r.cache != nil {
		if info, ok := r.cache.GetIfPresent(key); ok {
			metrics.SeriesCacheLookups.WithLabelValues("hit").Inc()
			return info, nil
		}
		metrics.SeriesCacheLookups.WithLabelValues("miss").Inc()
	}
	info, err := r.src.SeriesInfo(ctx, creds, seriesID)
	if err != nil {
		return catalog.SeriesInfo{}, err
	}
	if r.cache != nil {
		r.cache.Set(key, info)
	}
	r.log.Debug("series info loaded", "series", seriesID, "seasons", len(info.Seasons), "episodes", info.EpisodeCount())
	return info, nil
}

// EpisodeStreamURL is the media URL of an episode. It never fails.
func EpisodeStreamURL(creds catalog.Credentials, episodeID, ext string) string {
	return xtream.EpisodeURL(creds, episodeID, ext)
}

// FirstEpisode picks the first episode of the first season, in provider order, that has one.
func FirstEpisode(info catalog.SeriesInfo) (catalog.Episode, bool) {
	for _, s := range info.Seasons {
		if len(s.Episodes) > 0 {
			return s.Episodes[0], true
		}
	}
	return catalog.Episode{}, false
}

// FirstEpisodeURL resolves seriesID to the URL of its first episode.
// ErrEmptySeries when no season holds an episode.
func (r *Resolver) FirstEpisodeURL(ctx context.Context, creds catalog.Credentials, seriesID string) (string, error) {
	info, err := r.SeriesInfo(ctx, creds, seriesID)
	if err != nil {
		return "", err
	}
	ep, ok := FirstEpisode(info)
	if !ok {
		return "", catalog.Errorf(catalog.ErrEmptySeries, "first episode", "series %s has no episodes", seriesID)
	}
	return EpisodeStreamURL(creds, ep.ID, ep.ContainerExtension), nil
}

// Resolve turns an item URL into a concrete media URL: sentinel URLs go through
// FirstEpisodeURL, anything else is returned as is.
func (r *Resolver) Resolve(ctx context.Context, creds catalog.Credentials, itemURL string) (string, error) {
	id, ok := catalog.ParseSeriesSentinel(itemURL)
	if !ok {
		return itemURL, nil
	}
	return r.FirstEpisodeURL(ctx, creds, id)
}

// Forget drops all cached series info, e.g. after credentials change.
func (r *Resolver) Forget() {
	if r.cache != nil {
		r.cache.InvalidateAll()
	}
}
