package xtream

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/snapetech/iptvclient/internal/catalog"
)

// ParseSeriesInfo normalizes a get_series_info response. Seasons keep the order in which
// the provider listed them; episodes keep their listed order within a season.
//
// "episodes" is usually an object keyed by season label, each value a list of episodes.
// Some panels send a list of lists instead (labels become 1, 2, ...), and some send a
// season as an object keyed by episode index. A response without episode data is ErrNotFound.
func ParseSeriesInfo(body []byte) (catalog.SeriesInfo, error) {
	const op = "get_series_info"
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return catalog.SeriesInfo{}, catalog.Errorf(catalog.ErrFormat, op, "response is not JSON")
	}
	if firstByte(trimmed) != '{' {
		return catalog.SeriesInfo{}, catalog.Errorf(catalog.ErrNotFound, op, "no episode data")
	}
	var raw struct {
		Info     map[string]interface{} `json:"info"`
		Episodes json.RawMessage        `json:"episodes"`
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		// "info" is sometimes an empty list; retry without it.
		var onlyEpisodes struct {
			Episodes json.RawMessage `json:"episodes"`
		}
		if err2 := json.Unmarshal(trimmed, &onlyEpisodes); err2 != nil {
			return catalog.SeriesInfo{}, catalog.E(catalog.ErrFormat, op, err)
		}
		raw.Episodes = onlyEpisodes.Episodes
	}
	seasons, err := parseSeasons(raw.Episodes)
	if err != nil {
		return catalog.SeriesInfo{}, catalog.E(catalog.ErrFormat, op, err)
	}
	if len(seasons) == 0 {
		return catalog.SeriesInfo{}, catalog.Errorf(catalog.ErrNotFound, op, "no episode data")
	}
	info := raw.Info
	return catalog.SeriesInfo{
		Name:        pick(info, "name", "title"),
		Cover:       pick(info, "cover", "cover_big", "movie_image"),
		Plot:        pick(info, "plot", "description"),
		Cast:        pick(info, "cast", "actors"),
		Director:    pick(info, "director"),
		Genre:       pick(info, "genre"),
		ReleaseDate: pick(info, "releaseDate", "release_date", "releasedate"),
		Rating:      pick(info, "rating", "rating_5based"),
		Seasons:     seasons,
	}, nil
}

func pick(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v := str(m[k]); v != "" {
			return v
		}
	}
	return ""
}

func parseSeasons(raw json.RawMessage) ([]catalog.Season, error) {
	switch firstByte(raw) {
	case '{':
		members, err := objectMembers(raw)
		if err != nil {
			return nil, err
		}
		seasons := make([]catalog.Season, 0, len(members))
		for _, m := range members {
			eps, err := parseEpisodes(m.Value, m.Key)
			if err != nil {
				return nil, err
			}
			seasons = append(seasons, catalog.Season{Label: m.Key, Episodes: eps})
		}
		return seasons, nil
	case '[':
		var lists []json.RawMessage
		if err := json.Unmarshal(raw, &lists); err != nil {
			return nil, err
		}
		seasons := make([]catalog.Season, 0, len(lists))
		for i, l := range lists {
			label := strconv.Itoa(i + 1)
			eps, err := parseEpisodes(l, label)
			if err != nil {
				return nil, err
			}
			seasons = append(seasons, catalog.Season{Label: label, Episodes: eps})
		}
		return seasons, nil
	}
	// missing or null
	return nil, nil
}

func parseEpisodes(raw json.RawMessage, seasonLabel string) ([]catalog.Episode, error) {
	var rows []json.RawMessage
	switch firstByte(raw) {
	case '[':
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, err
		}
	case '{':
		if looksLikeEpisode(raw) {
			rows = []json.RawMessage{raw}
			break
		}
		members, err := objectMembers(raw)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			rows = append(rows, m.Value)
		}
	default:
		return nil, nil
	}
	seasonNum, _ := strconv.Atoi(seasonLabel)
	eps := make([]catalog.Episode, 0, len(rows))
	for _, r := range rows {
		var w wireEpisode
		if err := json.Unmarshal(r, &w); err != nil {
			continue
		}
		id := str(w.ID)
		if id == "" {
			id = str(w.StreamID)
		}
		if id == "" {
			continue
		}
		ep := catalog.Episode{
			ID:                 id,
			Title:              str(w.Title),
			ContainerExtension: containerExt(w.ContainerExtension),
			Season:             num(w.Season),
			EpisodeNum:         num(w.EpisodeNum),
		}
		if ep.Season == 0 {
			ep.Season = seasonNum
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

func looksLikeEpisode(raw json.RawMessage) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	for _, k := range []string{"id", "stream_id", "container_extension", "episode_num"} {
		if _, ok := probe[k]; ok {
			return true
		}
	}
	return false
}

// EpisodeURL builds {base}/series/{user}/{pass}/{id}.{ext}; ext defaults to mp4.
func EpisodeURL(creds catalog.Credentials, episodeID, ext string) string {
	return MediaURL(creds.BaseURL(), "series", creds.User, creds.Pass, episodeID, containerExt(ext))
}
