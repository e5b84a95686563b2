// Package server exposes the media library and the object store gateway
// over HTTP for the admin panel.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dh2ocol/internal/auth"
	"dh2ocol/internal/dbcompat"
	"dh2ocol/internal/media"
	"dh2ocol/internal/storage"
	"dh2ocol/internal/ui"
)

const (
	// multipartMemory is how much of a multipart body is kept in memory
	// before spilling to temporary files.
	multipartMemory = 8 << 20

	jsonBodyLimit = 1 << 20

	defaultListLimit = 100
)

type Config struct {
	DB       *dbcompat.Manager
	Gateway  *storage.Gateway
	Tokens   *auth.TokenManager
	Accounts *auth.BasicAuthEngine

	// MaxUploadBytes caps multipart bodies. Zero means no limit.
	MaxUploadBytes int64
}

// Server serves the admin API.
type Server struct {
	cfg           Config
	library       *media.Library
	authenticator auth.AuthEngine
}

// NewServer wires the media library to the configured database and
// gateway. Requests authenticate with tokens issued by cfg.Tokens or with
// the basic credentials of cfg.Accounts; either may be nil.
func NewServer(cfg Config) (*Server, error) {
	if cfg.DB == nil {
		return nil, errors.New("server: database manager is required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("server: storage gateway is required")
	}

	var engines []auth.AuthEngine
	if cfg.Tokens != nil {
		engines = append(engines, cfg.Tokens)
	}
	if cfg.Accounts != nil {
		engines = append(engines, cfg.Accounts)
	}
	if len(engines) == 0 {
		slog.Warn("No authentication configured, admin endpoints will reject every request")
	}

	return &Server{
		cfg:           cfg,
		library:       media.NewLibrary(cfg.DB, cfg.Gateway),
		authenticator: auth.NewCompoundAuthEngine(engines...),
	}, nil
}

// Handler returns the http.Handler of the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /auth/token", s.handleLogin)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)

	protect := RequireAuthentication(s.authenticator)
	admin := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, protect(h))
	}

	admin("GET /admin/media", s.handleListMedia)
	admin("GET /admin/media/view", s.handleViewMedia)
	admin("GET /admin/media/{id}", s.handleGetMedia)
	admin("POST /admin/media", s.handleUploadMedia)
	admin("PUT /admin/media/{id}", s.handleReplaceMedia)
	admin("PATCH /admin/media/{id}", s.handleUpdateCategory)
	admin("DELETE /admin/media/{id}", s.handleDeleteMedia)
	admin("DELETE /admin/media", s.handleDeleteMany)

	admin("GET /admin/storage", s.handleListObjects)
	admin("GET /admin/storage/signed", s.handleSignedURL)

	return LogRequest(Recoverer(s.cfg.DB.Handler(SlashFix(mux))))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:           "ok",
		Database:         string(s.cfg.DB.Engine()),
		DatabaseOK:       true,
		StorageAvailable: s.cfg.Gateway.IsAvailable(),
	}

	status := http.StatusOK
	if err := s.cfg.DB.Ping(r.Context()); err != nil {
		slog.Error("Database ping failed", "err", err)
		resp.Status = "degraded"
		resp.DatabaseOK = false
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tokens == nil || s.cfg.Accounts == nil {
		writeError(w, http.StatusServiceUnavailable, "token authentication is not configured")
		return
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		var req LoginRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		username, password = req.Username, req.Password
	}

	if !s.cfg.Accounts.Check(username, password) {
		slog.Warn("Rejected login", "username", username)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	pair, err := s.cfg.Tokens.Issue(username)
	if err != nil {
		writeFailure(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.AccessTokenCookie,
		Value:    pair.AccessToken,
		Path:     "/",
		MaxAge:   int(pair.ExpiresIn),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "token authentication is not configured")
		return
	}

	var req RefreshRequest
	if err := decodeJSON(w, r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := s.cfg.Tokens.Refresh(req.RefreshToken)
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "token expired")
	case err != nil:
		writeError(w, http.StatusUnauthorized, "invalid token")
	default:
		writeJSON(w, http.StatusOK, pair)
	}
}

func (s *Server) handleListMedia(w http.ResponseWriter, r *http.Request) {
	items, err := s.library.List(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, MediaListResponse{
		Items:            items,
		Categories:       media.Categories(),
		StorageAvailable: s.cfg.Gateway.IsAvailable(),
	})
}

func (s *Server) handleViewMedia(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	selected := strings.TrimSpace(r.URL.Query().Get("category"))
	if selected != "" && !strings.EqualFold(selected, media.CategoryAll) {
		selected = media.NormalizeCategory(selected)
	} else {
		selected = ""
	}

	items, err := s.library.List(ctx, selected)
	if err != nil {
		writeFailure(w, err)
		return
	}

	view := make([]ui.MediaItem, 0, len(items))
	for _, item := range items {
		view = append(view, ui.MediaItem{
			ID:         item.ID,
			Name:       item.Name,
			Kind:       string(item.Kind),
			Category:   item.Category,
			Size:       item.SizeBytes,
			URL:        item.URL,
			UploadedAt: item.UploadedAt.Format(time.DateTime),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := ui.MediaPage(view, media.Categories(), selected).Render(ctx, w); err != nil {
		slog.Error("Failed to render media page", "err", err)
	}
}

func (s *Server) handleGetMedia(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	item, err := s.library.Get(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleUploadMedia(w http.ResponseWriter, r *http.Request) {
	req, file, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	defer file.Close()

	item, err := s.library.Upload(r.Context(), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleReplaceMedia(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	req, file, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	defer file.Close()

	item, err := s.library.Replace(r.Context(), id, req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleUpdateCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req CategoryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	item, err := s.library.UpdateCategory(r.Context(), id, req.Category)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDeleteMedia(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.library.Delete(r.Context(), id); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, media.DeleteResult{Deleted: 1})
}

func (s *Server) handleDeleteMany(w http.ResponseWriter, r *http.Request) {
	var req DeleteManyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.library.DeleteMany(r.Context(), req.IDs)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Gateway.IsAvailable() {
		writeFailure(w, storage.ErrUnavailable)
		return
	}

	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	objects := s.cfg.Gateway.List(r.Context(), r.URL.Query().Get("folder"), limit)
	writeJSON(w, http.StatusOK, ObjectListResponse{Objects: objects})
}

func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	expiry := time.Hour
	if v := r.URL.Query().Get("expires"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			writeError(w, http.StatusBadRequest, "invalid expires")
			return
		}
		expiry = time.Duration(secs) * time.Second
	}

	signed, err := s.cfg.Gateway.SignedURL(r.Context(), key, expiry)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SignedURLResponse{URL: signed, ExpiresIn: int64(expiry.Seconds())})
}

// readUpload parses the multipart body of an upload or replace request.
// On failure the response has been written and ok is false.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (req media.UploadRequest, file multipart.File, ok bool) {
	if limit := s.cfg.MaxUploadBytes; limit > 0 {
		if r.ContentLength > limit {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return media.UploadRequest{}, nil, false
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid multipart form")
		}
		return media.UploadRequest{}, nil, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file provided")
		return media.UploadRequest{}, nil, false
	}

	return media.UploadRequest{
		File: storage.UploadPayload{
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Body:        file,
		},
		Name:        r.FormValue("name"),
		Description: r.FormValue("description"),
		Category:    r.FormValue("category"),
	}, file, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid media id")
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, jsonBodyLimit))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
