// Package storage is the only code that talks to the remote object store.
// It owns key naming, object visibility, cache headers and the translation
// between keys and public URLs.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"dh2ocol/internal/config"
	"dh2ocol/internal/optimize"
	"dh2ocol/internal/slug"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// CacheControl is written on every object. Keys are never reused, so
// objects can be cached forever.
const CacheControl = "public, max-age=31536000, immutable"

const defaultSignedURLExpiry = time.Hour

var (
	ErrUnavailable  = errors.New("object store unavailable")
	ErrNoFilename   = errors.New("payload has no filename")
	ErrEmptyPayload = errors.New("payload is empty")
	ErrStoreFailed  = errors.New("object store write failed")

	// ErrInvalidImage is optimize.ErrInvalidImage, so either name matches
	// with errors.Is.
	ErrInvalidImage = optimize.ErrInvalidImage
)

// UploadPayload is the file handed over by the caller.
type UploadPayload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// UploadOptions selects where and how a payload is stored.
type UploadOptions struct {
	Folder   string
	Optimize bool
	Category string
}

// StoredObject describes a successful upload.
type StoredObject struct {
	Key         string           `json:"key"`
	URL         string           `json:"url"`
	ContentType string           `json:"content_type"`
	Size        int64            `json:"size"`
	Outcome     optimize.Outcome `json:"-"`
	Profile     string           `json:"profile,omitempty"`
}

// ListedObject is an ObjectInfo with its public URL.
type ListedObject struct {
	ObjectInfo
	URL string `json:"url"`
}

// GatewayOptions configures NewGateway. Zero values pick sensible defaults.
type GatewayOptions struct {
	URLs URLFormat

	// Now is used for key timestamps.
	Now func() time.Time
	// Suffix returns the random part of a key.
	Suffix func() string
}

// Gateway uploads, deletes and lists objects. A Gateway without a store is
// unavailable and every operation on it fails softly.
type Gateway struct {
	store  ObjectStore
	urls   URLFormat
	now    func() time.Time
	suffix func() string
}

// New builds a Gateway from configuration. Any problem with the
// credentials or the client leaves the gateway unavailable; it is logged
// and never returned. An unavailable gateway still recognizes URLs of the
// configured bucket.
func New(cfg config.Storage) *Gateway {
	style, styleErr := ParseURLShape(cfg.URLStyle)
	opts := GatewayOptions{
		URLs: URLFormat{
			Scheme:       cfg.PublicScheme,
			PublicHost:   cfg.PublicHost,
			ResourceHost: cfg.ResourceHost,
			Bucket:       cfg.BucketName(),
			Style:        style,
		},
	}

	if styleErr != nil {
		slog.Warn("Object store disabled", "err", styleErr)
		return NewGateway(nil, opts)
	}

	if _, err := LoadCredentials(cfg); err != nil {
		slog.Warn("Object store disabled", "err", err)
		return NewGateway(nil, opts)
	}

	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		slog.Warn("Object store disabled", "err", fmt.Errorf("%w: access key and secret key", ErrMissingCredentials))
		return NewGateway(nil, opts)
	}

	store, err := NewMinioStore(MinioOptions{
		Endpoint:  cfg.Endpoint,
		Secure:    cfg.Secure,
		Region:    cfg.Region,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.BucketName(),
	})
	if err != nil {
		slog.Warn("Object store disabled", "err", err)
		return NewGateway(nil, opts)
	}

	slog.Info("Object store configured", "endpoint", cfg.Endpoint, "bucket", store.Bucket(), "url_style", style)
	return NewGateway(store, opts)
}

// NewGateway wraps store. A nil store yields an unavailable gateway.
func NewGateway(store ObjectStore, opts GatewayOptions) *Gateway {
	g := &Gateway{
		store:  store,
		urls:   opts.URLs,
		now:    opts.Now,
		suffix: opts.Suffix,
	}

	if g.urls.Bucket == "" && store != nil {
		g.urls.Bucket = store.Bucket()
	}
	if g.urls.Style == Unrecognized {
		g.urls.Style = PathStyle
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.suffix == nil {
		g.suffix = func() string { return uuid.NewString()[:8] }
	}
	return g
}

// IsAvailable reports whether a store client was constructed. It does not
// touch the network.
func (g *Gateway) IsAvailable() bool {
	return g != nil && g.store != nil
}

// Owns reports whether publicURL names an object in this gateway's bucket.
// URLs on other hosts or buckets are external and never deleted.
func (g *Gateway) Owns(publicURL string) bool {
	if g == nil || g.urls.Bucket == "" {
		return false
	}
	ref := g.urls.Parse(publicURL)
	return ref.Shape != Unrecognized && ref.Bucket == g.urls.Bucket
}

// PublicURL returns the public URL of key.
func (g *Gateway) PublicURL(key string) string {
	return g.urls.Format(key)
}

// Upload stores p and returns the stored object. Expected failures are
// reported through the sentinel errors of this package. Upload never
// panics.
func (g *Gateway) Upload(ctx context.Context, p UploadPayload, opts UploadOptions) (obj *StoredObject, err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			slog.Error("Upload panicked", "filename", p.Filename, "panic", rvr)
			obj, err = nil, fmt.Errorf("%w: %v", ErrStoreFailed, rvr)
		}
	}()

	if !g.IsAvailable() {
		return nil, ErrUnavailable
	}
	if strings.TrimSpace(p.Filename) == "" {
		return nil, ErrNoFilename
	}
	if p.Body == nil {
		return nil, ErrEmptyPayload
	}

	data, err := io.ReadAll(p.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read payload: %w", ErrStoreFailed, err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	contentType := p.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mimetype.Detect(data).String()
	}
	ext := extension(p.Filename)

	var (
		outcome     optimize.Outcome
		profileName string
	)

	if isImage(contentType) {
		if opts.Optimize {
			profile := optimize.SelectProfile(opts.Folder, opts.Category)
			res, err := optimize.Optimize(data, profile)
			if err != nil {
				slog.Warn("Rejected upload", "filename", p.Filename, "err", err)
				return nil, err
			}

			data = res.Data
			outcome = res.Outcome
			profileName = profile.Name
			contentType = res.ContentType
			if res.Outcome == optimize.Optimized {
				ext = formatExtension(res.Format)
			}
		} else if _, err := optimize.Validate(data); err != nil {
			slog.Warn("Rejected upload", "filename", p.Filename, "err", err)
			return nil, err
		}
	}

	key := g.newKey(opts.Folder, p.Filename, ext)

	err = g.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), PutOptions{
		ContentType:  contentType,
		CacheControl: CacheControl,
		PublicRead:   true,
	})
	if err != nil {
		slog.Error("Upload failed", "key", key, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	obj = &StoredObject{
		Key:         key,
		URL:         g.PublicURL(key),
		ContentType: contentType,
		Size:        int64(len(data)),
		Outcome:     outcome,
		Profile:     profileName,
	}

	slog.Info("Uploaded object", "key", key, "size", obj.Size, "content_type", contentType, "profile", profileName, "outcome", outcome)
	return obj, nil
}

// UploadFile uploads the file at filePath, sniffing its content type.
func (g *Gateway) UploadFile(ctx context.Context, filePath string, folder string, optimizeImages bool) (*StoredObject, error) {
	if !g.IsAvailable() {
		return nil, ErrUnavailable
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return nil, fmt.Errorf("detect content type: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind %s: %w", filePath, err)
	}

	return g.Upload(ctx, UploadPayload{
		Filename:    filepath.Base(filePath),
		ContentType: mt.String(),
		Body:        f,
	}, UploadOptions{
		Folder:   folder,
		Optimize: optimizeImages,
	})
}

// Delete removes the object behind publicURL. It returns false for
// unavailable gateways, unrecognized URLs, URLs pointing at another bucket
// and failed deletes. A false result does not imply the object exists.
func (g *Gateway) Delete(ctx context.Context, publicURL string) (ok bool) {
	defer func() {
		if rvr := recover(); rvr != nil {
			slog.Error("Delete panicked", "url", publicURL, "panic", rvr)
			ok = false
		}
	}()

	ref, ok := g.resolve(publicURL)
	if !ok {
		return false
	}

	if err := g.store.Remove(ctx, ref.Key); err != nil {
		slog.Error("Delete failed", "key", ref.Key, "err", err)
		return false
	}

	slog.Info("Deleted object", "key", ref.Key, "shape", ref.Shape)
	return true
}

// Exists reports whether the object behind publicURL is present.
func (g *Gateway) Exists(ctx context.Context, publicURL string) bool {
	ref, ok := g.resolve(publicURL)
	if !ok {
		return false
	}

	if _, err := g.store.Stat(ctx, ref.Key); err != nil {
		if !errors.Is(err, ErrObjectNotFound) {
			slog.Error("Stat failed", "key", ref.Key, "err", err)
		}
		return false
	}
	return true
}

// List returns up to limit objects stored under folder. Failures are
// logged and produce an empty list.
func (g *Gateway) List(ctx context.Context, folder string, limit int) []ListedObject {
	if !g.IsAvailable() {
		return []ListedObject{}
	}

	prefix := strings.Trim(folder, "/")
	if prefix != "" {
		prefix += "/"
	}

	infos, err := g.store.List(ctx, prefix, limit)
	if err != nil {
		slog.Error("List failed", "prefix", prefix, "err", err)
		return []ListedObject{}
	}

	out := make([]ListedObject, 0, len(infos))
	for _, info := range infos {
		out = append(out, ListedObject{ObjectInfo: info, URL: g.PublicURL(info.Key)})
	}
	return out
}

// SignedURL returns a temporary download URL for key. A non-positive
// expiry means one hour.
func (g *Gateway) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if !g.IsAvailable() {
		return "", ErrUnavailable
	}
	if expiry <= 0 {
		expiry = defaultSignedURLExpiry
	}
	return g.store.PresignGet(ctx, key, expiry)
}

// resolve parses publicURL and checks that it names an object in this
// gateway's bucket.
func (g *Gateway) resolve(publicURL string) (ObjectRef, bool) {
	if !g.IsAvailable() {
		return ObjectRef{}, false
	}

	ref := g.urls.Parse(publicURL)
	if ref.Shape == Unrecognized {
		slog.Warn("Unrecognized object URL", "url", publicURL)
		return ObjectRef{}, false
	}
	if ref.Bucket != g.urls.Bucket {
		slog.Warn("Object URL belongs to another bucket", "url", publicURL, "bucket", ref.Bucket)
		return ObjectRef{}, false
	}
	return ref, true
}

// newKey builds folder/base_YYYYMMDD_HHMMSS_<suffix>ext.
func (g *Gateway) newKey(folder string, filename string, ext string) string {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	name := fmt.Sprintf("%s_%s_%s%s", slug.Sanitize(base), g.now().Format("20060102_150405"), g.suffix(), ext)

	var segments []string
	for seg := range strings.SplitSeq(strings.Trim(folder, "/"), "/") {
		if seg = strings.TrimSpace(seg); seg != "" {
			segments = append(segments, slug.Sanitize(seg))
		}
	}
	return path.Join(append(segments, name)...)
}

// extension returns the lower-cased, sanitized extension of filename,
// including the dot, or "".
func extension(filename string) string {
	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	if ext == "" {
		return ""
	}
	ext = slug.Sanitize(strings.ToLower(ext))
	if ext == "file" {
		return ""
	}
	return "." + ext
}

func formatExtension(format string) string {
	switch format {
	case "jpeg":
		return ".jpg"
	default:
		return "." + format
	}
}

func isImage(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/")
}
