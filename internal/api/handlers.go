package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/snapetech/iptvclient/internal/catalog"
	"github.com/snapetech/iptvclient/internal/playback"
)

// itemView is an Item without its media URL, which embeds the account password.
type itemView struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Logo         string        `json:"logo,omitempty"`
	CategoryID   string        `json:"category_id,omitempty"`
	CategoryName string        `json:"category_name,omitempty"`
	Group        catalog.Group `json:"group"`
}

type catalogResponse struct {
	Items      []itemView            `json:"items"`
	Categories []catalog.Category    `json:"categories"`
	Counts     map[catalog.Group]int `json:"counts"`
	FetchedAt  *time.Time            `json:"fetched_at,omitempty"`
}

func newCatalogResponse(snap catalog.Snapshot) catalogResponse {
	resp := catalogResponse{
		Items:      make([]itemView, 0, len(snap.Items)),
		Categories: snap.Categories,
		Counts:     snap.Counts(),
	}
	for _, it := range snap.Items {
		resp.Items = append(resp.Items, itemView{
			ID:           it.ID,
			Name:         it.Name,
			Logo:         it.Logo,
			CategoryID:   it.CategoryID,
			CategoryName: it.CategoryName,
			Group:        it.Group,
		})
	}
	if resp.Categories == nil {
		resp.Categories = []catalog.Category{}
	}
	if !snap.FetchedAt.IsZero() {
		t := snap.FetchedAt
		resp.FetchedAt = &t
	}
	return resp
}

// GET /api/catalog[?group=Live|Movie|Series][&category=<id>]
func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	snap := s.app.State.Snapshot()
	q := r.URL.Query()
	if g := q.Get("group"); g != "" {
		group, ok := catalog.ParseGroup(g)
		if !ok {
			badRequest(w, "group must be Live, Movie or Series")
			return
		}
		items := snap.ByGroup(group)
		cats := make([]catalog.Category, 0, len(snap.Categories))
		for _, c := range snap.Categories {
			if c.Group == group {
				cats = append(cats, c)
			}
		}
		snap.Items, snap.Categories = items, cats
	}
	if cat := q.Get("category"); cat != "" {
		items := make([]catalog.Item, 0, len(snap.Items))
		for _, it := range snap.Items {
			if it.CategoryID == cat {
				items = append(items, it)
			}
		}
		snap.Items = items
	}
	writeJSON(w, http.StatusOK, newCatalogResponse(snap))
}

// POST /api/catalog/refresh
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.app.Refresh(r.Context())
	if catalog.KindOf(err) == catalog.ErrStorage {
		// fetched and swapped in, only the cache write failed
		msg, hint := catalog.UserMessage(err)
		writeJSON(w, http.StatusOK, struct {
			Counts    map[catalog.Group]int `json:"counts"`
			FetchedAt time.Time             `json:"fetched_at"`
			Warning   errorBody             `json:"warning"`
		}{snap.Counts(), snap.FetchedAt, errorBody{Error: err.Error(), Kind: catalog.KindName(err), Message: msg, Hint: hint}})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Counts    map[catalog.Group]int `json:"counts"`
		FetchedAt time.Time             `json:"fetched_at"`
	}{snap.Counts(), snap.FetchedAt})
}

type credentialsView struct {
	Host       string `json:"host"`
	User       string `json:"user"`
	UseProxy   bool   `json:"use_proxy"`
	Configured bool   `json:"configured"`
}

// GET /api/credentials never returns the password.
func (s *Server) handleGetCredentials(w http.ResponseWriter, r *http.Request) {
	creds, ok := s.app.State.Credentials()
	writeJSON(w, http.StatusOK, credentialsView{
		Host:       creds.Host,
		User:       creds.User,
		UseProxy:   creds.UseProxy,
		Configured: ok && creds.Valid(),
	})
}

// PUT /api/credentials {"host","user","pass","use_proxy"} verifies and stores an account.
func (s *Server) handlePutCredentials(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Host     string `json:"host"`
		User     string `json:"user"`
		Pass     string `json:"pass"`
		UseProxy bool   `json:"use_proxy"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&in); err != nil {
		badRequest(w, "body must be JSON with host, user and pass")
		return
	}
	creds := catalog.Credentials{
		Host:     strings.TrimSpace(in.Host),
		User:     strings.TrimSpace(in.User),
		Pass:     in.Pass,
		UseProxy: in.UseProxy,
	}
	if !creds.Valid() {
		badRequest(w, "host, user and pass are required")
		return
	}
	acct, err := s.app.Login(r.Context(), creds)
	if err != nil && catalog.KindOf(err) != catalog.ErrStorage {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// POST /api/logout clears the store, the state and every session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Logout(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sessions.Range(func(id string, sess *playback.Session) bool {
		sess.Close()
		s.sessions.Delete(id)
		return true
	})
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/series/{id}; id is a series id or a series item id (series_<id>).
func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(mux.Vars(r)["id"], "series_")
	info, err := s.app.SeriesInfo(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// POST /api/play/{itemID}[?episode=<id>] opens a session and answers 202 with its status.
// Playback failures show up in the session status, not as request errors.
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["itemID"]
	var (
		sess *playback.Session
		err  error
	)
	if ep := r.URL.Query().Get("episode"); ep != "" {
		sess, err = s.app.PlayEpisode(r.Context(), itemID, ep)
	} else {
		sess, err = s.app.Play(itemID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.track(sess)
	writeJSON(w, http.StatusAccepted, sess.Status())
}

// track registers sess and forgets sessions that ended a while ago.
func (s *Server) track(sess *playback.Session) {
	cutoff := time.Now().Add(-sessionRetention)
	s.sessions.Range(func(id string, old *playback.Session) bool {
		if st := old.Status(); st.State.Terminal() && st.UpdatedAt.Before(cutoff) {
			s.sessions.Delete(id)
		}
		return true
	})
	s.sessions.Store(sess.ID(), sess)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*playback.Session, bool) {
	id := mux.Vars(r)["id"]
	sess, ok := s.sessions.Load(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no session " + id, Kind: "not_found"})
		return nil, false
	}
	return sess, true
}

// GET /api/sessions/{id}[?wait=<duration>] returns the status. With wait, the request
// blocks until the status changes or the duration passes (capped at 30s).
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			badRequest(w, "wait must be a duration such as 5s")
			return
		}
		if d > 30*time.Second {
			d = 30 * time.Second
		}
		if !sess.Status().State.Terminal() {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-sess.Changed():
			case <-t.C:
			case <-r.Context().Done():
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

// POST /api/sessions/{id}/pause|resume|retry. Retry starts a new session for the same
// item; the response carries the new session's status.
func (s *Server) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var err error
	switch mux.Vars(r)["action"] {
	case "pause":
		err = sess.Pause()
	case "resume":
		err = sess.Resume()
	case "retry":
		next := s.app.Player.Reopen(sess)
		s.track(next)
		writeJSON(w, http.StatusAccepted, next.Status())
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

// GET /api/sessions/{id}/external returns the raw media URL for an external player.
func (s *Server) handleExternal(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	u, ok := sess.ExternalURL()
	if !ok {
		writeJSON(w, http.StatusConflict, errorBody{Error: "stream not resolved yet", Kind: "invalid_transition"})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		URL string `json:"url"`
	}{u})
}

// DELETE /api/sessions/{id}
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Close()
	writeJSON(w, http.StatusOK, sess.Status())
}

// GET /healthz: 200 once a catalog is loaded, 503 before.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.app.State.Snapshot()
	body := struct {
		Status    string                `json:"status"`
		Counts    map[catalog.Group]int `json:"counts,omitempty"`
		FetchedAt *time.Time            `json:"fetched_at,omitempty"`
		Uptime    string                `json:"uptime"`
	}{Status: "ok", Uptime: time.Since(s.started).Round(time.Second).String()}
	if snap.Empty() {
		body.Status = "no_catalog"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body.Counts = snap.Counts()
	if !snap.FetchedAt.IsZero() {
		body.FetchedAt = &snap.FetchedAt
	}
	writeJSON(w, http.StatusOK, body)
}
