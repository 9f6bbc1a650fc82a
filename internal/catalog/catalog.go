package catalog

import (
	"strings"
	"sync"
	"time"
)

// Group is the listing an item came from. It decides which playback strategy applies.
type Group string

const (
	GroupLive   Group = "Live"
	GroupMovie  Group = "Movie"
	GroupSeries Group = "Series"
)

// Groups lists every group in display order.
var Groups = []Group{GroupLive, GroupMovie, GroupSeries}

// ParseGroup accepts the group name case-insensitively ("live", "movies", "vod" and "series" too).
func ParseGroup(s string) (Group, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "live":
		return GroupLive, true
	case "movie", "movies", "vod":
		return GroupMovie, true
	case "series":
		return GroupSeries, true
	}
	return "", false
}

// DefaultCategoryName is the label used when the provider does not name an item's category.
func (g Group) DefaultCategoryName() string {
	switch g {
	case GroupLive:
		return "Channels"
	case GroupMovie:
		return "Movies"
	case GroupSeries:
		return "Series"
	}
	return ""
}

// Credentials identify a provider account plus the client-side relay flag.
type Credentials struct {
	Host     string `json:"host"`
	User     string `json:"user"`
	Pass     string `json:"pass"`
	UseProxy bool   `json:"use_proxy"`
}

// Valid reports whether host, user and pass are all set.
func (c Credentials) Valid() bool {
	return strings.TrimSpace(c.Host) != "" && c.User != "" && c.Pass != ""
}

// BaseURL is the normalized provider host (see NormalizeHost).
func (c Credentials) BaseURL() string {
	return NormalizeHost(c.Host)
}

// NormalizeHost trims host, adds http:// when no scheme is present and strips trailing slashes.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	lower := strings.ToLower(host)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		host = "http://" + host
	}
	return strings.TrimRight(host, "/")
}

// Item is one normalized catalog entry. URL is a media locator, or a series sentinel for GroupSeries.
type Item struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Logo         string `json:"logo,omitempty"`
	URL          string `json:"url"`
	CategoryID   string `json:"category_id,omitempty"`
	CategoryName string `json:"category_name,omitempty"`
	Group        Group  `json:"group"`
}

// Category partitions items for display. ID is unique within its group.
type Category struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Group Group  `json:"group"`
}

// Snapshot is one complete catalog as returned by a fetch and stored by the cache.
type Snapshot struct {
	Items      []Item     `json:"items"`
	Categories []Category `json:"categories"`
	FetchedAt  time.Time  `json:"fetched_at,omitempty"`
}

// Empty reports whether the snapshot holds no items and no categories.
func (s Snapshot) Empty() bool {
	return len(s.Items) == 0 && len(s.Categories) == 0
}

// ByGroup returns the items of g in catalog order.
func (s Snapshot) ByGroup(g Group) []Item {
	var out []Item
	for _, it := range s.Items {
		if it.Group == g {
			out = append(out, it)
		}
	}
	return out
}

// Find returns the item with the given id.
func (s Snapshot) Find(id string) (Item, bool) {
	for _, it := range s.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// Counts returns the number of items per group.
func (s Snapshot) Counts() map[Group]int {
	out := make(map[Group]int, len(Groups))
	for _, it := range s.Items {
		out[it.Group]++
	}
	return out
}

// Clone returns a copy whose slices do not alias s.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{FetchedAt: s.FetchedAt}
	if s.Items != nil {
		out.Items = append([]Item(nil), s.Items...)
	}
	if s.Categories != nil {
		out.Categories = append([]Category(nil), s.Categories...)
	}
	return out
}

// SeriesInfo is the on-demand season/episode metadata for one series.
type SeriesInfo struct {
	Name        string   `json:"name"`
	Cover       string   `json:"cover,omitempty"`
	Plot        string   `json:"plot,omitempty"`
	Cast        string   `json:"cast,omitempty"`
	Director    string   `json:"director,omitempty"`
	Genre       string   `json:"genre,omitempty"`
	ReleaseDate string   `json:"release_date,omitempty"`
	Rating      string   `json:"rating,omitempty"`
	Seasons     []Season `json:"seasons"`
}

// Season keeps the provider's label and episode order.
type Season struct {
	Label    string    `json:"label"`
	Episodes []Episode `json:"episodes"`
}

// EpisodeCount is the total number of episodes across all seasons.
func (si SeriesInfo) EpisodeCount() int {
	n := 0
	for _, s := range si.Seasons {
		n += len(s.Episodes)
	}
	return n
}

// Episode is one playable series episode.
type Episode struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	ContainerExtension string `json:"container_extension,omitempty"`
	Season             int    `json:"season,omitempty"`
	EpisodeNum         int    `json:"episode_num,omitempty"`
}

// State is the application state shared by the fetcher, cache and player: the current
// credentials and the catalog snapshot in memory. Persistence goes through a store gateway.
type State struct {
	mu       sync.RWMutex
	creds    Credentials
	hasCreds bool
	snap     Snapshot
}

// NewState returns an empty state (no credentials, no catalog).
func NewState() *State {
	return &State{}
}

// SetCredentials replaces the current credentials.
func (s *State) SetCredentials(c Credentials) {
	s.mu.Lock()
	s.creds = c
	s.hasCreds = true
	s.mu.Unlock()
}

// Credentials returns the current credentials and whether any were set.
func (s *State) Credentials() (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds, s.hasCreds
}

// Replace swaps in a new catalog snapshot. The previous one is discarded, never merged.
func (s *State) Replace(snap Snapshot) {
	snap = snap.Clone()
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

// Snapshot returns a copy of the current catalog.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Clone()
}

// Item looks up a catalog item by id.
func (s *State) Item(id string) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Find(id)
}

// Reset drops credentials and catalog, returning to the initial "no catalog" state.
func (s *State) Reset() {
	s.mu.Lock()
	s.creds = Credentials{}
	s.hasCreds = false
	s.snap = Snapshot{}
	s.mu.Unlock()
}

// SeriesSentinelPrefix marks a series item URL whose media locator is resolved on demand.
const SeriesSentinelPrefix = "SERIES_ID:"

// SeriesSentinel encodes a series id as a deferred URL.
func SeriesSentinel(seriesID string) string {
	return SeriesSentinelPrefix + seriesID
}

// ParseSeriesSentinel returns the series id of a sentinel URL.
func ParseSeriesSentinel(u string) (string, bool) {
	if !strings.HasPrefix(u, SeriesSentinelPrefix) {
		return "", false
	}
	id := strings.TrimSpace(strings.TrimPrefix(u, SeriesSentinelPrefix))
	return id, id != ""
}
