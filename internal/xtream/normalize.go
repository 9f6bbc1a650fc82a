package xtream

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/snapetech/iptvclient/internal/catalog"
)

// builder accumulates one catalog snapshot from raw listing bodies. It owns id
// uniqueness and category resolution so the per-endpoint functions stay small.
type builder struct {
	base       string
	user, pass string
	liveExt    string
	filters    Filters

	items      []catalog.Item
	categories []catalog.Category
	seen       map[string]bool
	catNames   map[catalog.Group]map[string]string
	skipped    int
}

func newBuilder(creds catalog.Credentials, liveExt string, filters Filters) *builder {
	return &builder{
		base:     creds.BaseURL(),
		user:     creds.User,
		pass:     creds.Pass,
		liveExt:  liveExt,
		filters:  filters,
		seen:     make(map[string]bool),
		catNames: make(map[catalog.Group]map[string]string),
	}
}

func (b *builder) snapshot() catalog.Snapshot {
	return catalog.Snapshot{Items: b.items, Categories: b.categories}
}

func (b *builder) addCategories(g catalog.Group, body []byte) error {
	cats, skipped, err := decodeList[wireCategory](body)
	if err != nil {
		return catalog.E(catalog.ErrFormat, "categories", err)
	}
	b.skipped += skipped
	names := b.catNames[g]
	if names == nil {
		names = make(map[string]string)
		b.catNames[g] = names
	}
	for _, c := range cats {
		id := str(c.CategoryID)
		if id == "" {
			b.skipped++
			continue
		}
		if _, dup := names[id]; dup {
			continue
		}
		name := str(c.CategoryName)
		if name == "" {
			name = "Category " + id
		}
		names[id] = name
		b.categories = append(b.categories, catalog.Category{ID: id, Name: name, Group: g})
	}
	return nil
}

func (b *builder) addItems(g catalog.Group, body []byte) error {
	switch g {
	case catalog.GroupLive:
		rows, skipped, err := decodeList[wireLive](body)
		if err != nil {
			return catalog.E(catalog.ErrFormat, "live streams", err)
		}
		b.skipped += skipped
		for _, r := range rows {
			b.add(g, "live_", str(r.StreamID), str(r.Name), r.StreamIcon, str(r.CategoryID), str(r.CategoryName), func(id string) string {
				return b.mediaURL("live", id, b.liveExt)
			})
		}
	case catalog.GroupMovie:
		rows, skipped, err := decodeList[wireVOD](body)
		if err != nil {
			return catalog.E(catalog.ErrFormat, "vod streams", err)
		}
		b.skipped += skipped
		for _, r := range rows {
			ext := containerExt(r.ContainerExtension)
			b.add(g, "vod_", str(r.StreamID), str(r.Name), r.StreamIcon, str(r.CategoryID), str(r.CategoryName), func(id string) string {
				return b.mediaURL("movie", id, ext)
			})
		}
	case catalog.GroupSeries:
		rows, skipped, err := decodeList[wireSeries](body)
		if err != nil {
			return catalog.E(catalog.ErrFormat, "series", err)
		}
		b.skipped += skipped
		for _, r := range rows {
			id := str(r.SeriesID)
			if id == "" {
				id = str(r.ID)
			}
			logo := r.Cover
			if logo == "" {
				logo = r.StreamIcon
			}
			b.add(g, "series_", id, str(r.Name), logo, str(r.CategoryID), str(r.CategoryName), catalog.SeriesSentinel)
		}
	default:
		return fmt.Errorf("unknown group %q", g)
	}
	return nil
}

// add appends one item unless its id is missing, already seen, or filtered out.
func (b *builder) add(g catalog.Group, prefix, rawID, name, logo, catID, catName string, locate func(id string) string) {
	if rawID == "" {
		b.skipped++
		return
	}
	id := prefix + rawID
	if b.seen[id] {
		return
	}
	if name == "" {
		name = defaultName(g, rawID)
	}
	if !b.filters.Allow(g, name) {
		return
	}
	b.seen[id] = true
	if known, ok := b.catNames[g][catID]; ok {
		catName = known
	}
	if catName == "" {
		catName = g.DefaultCategoryName()
	}
	b.items = append(b.items, catalog.Item{
		ID:           id,
		Name:         name,
		Logo:         strings.TrimSpace(logo),
		URL:          locate(rawID),
		CategoryID:   catID,
		CategoryName: catName,
		Group:        g,
	})
}

// mediaURL is {base}/{kind}/{user}/{pass}/{id}.{ext}.
func (b *builder) mediaURL(kind, id, ext string) string {
	return MediaURL(b.base, kind, b.user, b.pass, id, ext)
}

// MediaURL builds a provider media locator. kind is live, movie or series.
func MediaURL(base, kind, user, pass, id, ext string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s.%s", base, kind, url.PathEscape(user), url.PathEscape(pass), url.PathEscape(id), ext)
}

func containerExt(ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
	if ext == "" {
		return "mp4"
	}
	return ext
}

func defaultName(g catalog.Group, id string) string {
	switch g {
	case catalog.GroupLive:
		return "Channel " + id
	case catalog.GroupMovie:
		return "Movie " + id
	}
	return "Series " + id
}
