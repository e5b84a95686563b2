package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"dh2ocol/internal/media"
	"dh2ocol/internal/storage"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status           string `json:"status"`
	Database         string `json:"database"`
	DatabaseOK       bool   `json:"database_ok"`
	StorageAvailable bool   `json:"storage_available"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type MediaListResponse struct {
	Items            []media.Item `json:"items"`
	Categories       []string     `json:"categories"`
	StorageAvailable bool         `json:"storage_available"`
}

type CategoryRequest struct {
	Category string `json:"category"`
}

type DeleteManyRequest struct {
	IDs []int64 `json:"ids"`
}

type ObjectListResponse struct {
	Objects []storage.ListedObject `json:"objects"`
}

type SignedURLResponse struct {
	URL       string `json:"url"`
	ExpiresIn int64  `json:"expires_in"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeFailure maps an error from the media library or the gateway onto a
// status code. Unexpected errors are logged and reported generically.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, media.ErrNotFound):
		writeError(w, http.StatusNotFound, "media item not found")
	case errors.Is(err, media.ErrNoSelection):
		writeError(w, http.StatusBadRequest, "no media items selected")
	case errors.Is(err, storage.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "object storage is not available")
	case errors.Is(err, storage.ErrNoFilename):
		writeError(w, http.StatusBadRequest, "file has no name")
	case errors.Is(err, storage.ErrEmptyPayload):
		writeError(w, http.StatusBadRequest, "file is empty")
	case errors.Is(err, storage.ErrInvalidImage):
		writeError(w, http.StatusBadRequest, "file is not a valid image")
	case errors.Is(err, storage.ErrStoreFailed), errors.Is(err, media.ErrStorageDelete):
		slog.Error("Object storage failure", "err", err)
		writeError(w, http.StatusBadGateway, "object storage request failed")
	default:
		slog.Error("Request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
