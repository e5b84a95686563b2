// Package fakes3 is an in-memory S3-compatible endpoint. It speaks enough
// of the protocol for the object store gateway: bucket creation, object
// put, get, head and delete, and ListObjectsV2. Request signatures are
// checked only once RequireAuth is called. A server built with Open also
// mirrors its buckets to disk.
package fakes3

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"dh2ocol/internal/auth"
)

// Object is a stored object together with the metadata it was written with.
type Object struct {
	Data         []byte
	ContentType  string
	CacheControl string
	ACL          string
	Metadata     map[string]string
	ETag         string
	ModifiedAt   time.Time

	hash string
}

// Server holds buckets in memory.
type Server struct {
	region string

	mu         sync.Mutex
	buckets    map[string]map[string]Object
	failWrites bool
	auth       auth.AuthEngine
	disk       *diskStore
}

// New returns a server with the given buckets already created.
func New(region string, buckets ...string) *Server {
	if region == "" {
		region = "us-east-1"
	}
	s := &Server{
		region:  region,
		buckets: make(map[string]map[string]Object),
	}
	for _, b := range buckets {
		s.buckets[b] = make(map[string]Object)
	}
	return s
}

// Open returns a server persisted under dir. Buckets and objects written by
// an earlier server on the same directory are loaded; the given buckets are
// created when missing.
func Open(dir string, region string, buckets ...string) (*Server, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	disk := &diskStore{dir: dir}
	loaded, err := disk.load()
	if err != nil {
		return nil, err
	}

	s := New(region)
	s.buckets = loaded
	s.disk = disk
	for _, b := range buckets {
		if _, ok := s.buckets[b]; ok {
			continue
		}
		if err := disk.createBucket(b); err != nil {
			return nil, err
		}
		s.buckets[b] = make(map[string]Object)
	}
	return s, nil
}

// FailWrites makes every subsequent object PUT fail with AccessDenied.
func (s *Server) FailWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = fail
}

// RequireAuth makes every request pass engine. Requests it does not accept
// fail with AccessDenied or SignatureDoesNotMatch.
func (s *Server) RequireAuth(engine auth.AuthEngine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = engine
}

// Object returns a copy of the object stored under bucket and key.
func (s *Server) Object(bucket string, key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.buckets[bucket][key]
	if !ok {
		return Object{}, false
	}
	obj.Data = slices.Clone(obj.Data)
	obj.Metadata = maps.Clone(obj.Metadata)
	return obj, true
}

// Keys lists the keys of bucket in lexical order.
func (s *Server) Keys(bucket string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.buckets[bucket]))
}

// Handler returns the HTTP handler serving path-style requests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("PUT /{bucket}", s.handleCreateBucket)
	mux.HandleFunc("HEAD /{bucket}", s.handleHeadBucket)
	mux.HandleFunc("GET /{bucket}", s.handleBucketGet)

	mux.HandleFunc("PUT /{bucket}/{key...}", s.handlePutObject)
	mux.HandleFunc("GET /{bucket}/{key...}", s.handleGetObject)
	mux.HandleFunc("HEAD /{bucket}/{key...}", s.handleHeadObject)
	mux.HandleFunc("DELETE /{bucket}/{key...}", s.handleDeleteObject)

	return s.authenticate(slashFix(mux))
}

// authenticate runs before slashFix so the signature is checked against
// the path the client signed.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		engine := s.auth
		s.mu.Unlock()

		if engine == nil {
			next.ServeHTTP(w, r)
			return
		}

		user, err := engine.AuthenticateRequest(r.Context(), r)
		switch {
		case user == nil && err == nil && s.publicRead(r):
			next.ServeHTTP(w, r)
		case errors.Is(err, auth.ErrSignatureMismatch):
			writeS3Error(w, "SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided.", r.URL.Path, http.StatusForbidden)
		case err != nil || user == nil:
			writeS3Error(w, "AccessDenied", "Access Denied.", r.URL.Path, http.StatusForbidden)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// publicRead reports whether r is an anonymous read of an object stored
// with the public-read ACL.
func (s *Server) publicRead(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if !ok || key == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.buckets[bucket][key]
	return ok && obj.ACL == "public-read"
}

// slashFix strips the trailing slash clients add to bucket-level paths.
func slashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" && strings.HasSuffix(r.URL.Path, "/") {
			r.URL.Path = strings.TrimSuffix(r.URL.Path, "/")
			r.URL.RawPath = ""
		}
		next.ServeHTTP(w, r)
	})
}

// writeS3Error writes a minimal S3-style XML error response.
func writeS3Error(w http.ResponseWriter, code string, message string, resource string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:     code,
		Message:  message,
		Resource: resource,
	})
}

func writeNoSuchBucket(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
}

func writeInternalError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
}

func writeNoSuchKey(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchKey", "The specified key does not exist.", r.URL.Path, http.StatusNotFound)
}

// writeXMLResponse encodes v as XML and writes it to w with a 200 OK status.
func writeXMLResponse(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	return xml.NewEncoder(w).Encode(v)
}

// isValidObjectKey enforces basic S3 object key constraints: non-empty,
// at most 1024 bytes, and no control characters.
func isValidObjectKey(key string) bool {
	if len(key) == 0 || len(key) > 1024 {
		return false
	}

	return !strings.ContainsFunc(key, func(c rune) bool {
		return c < 0x20 || c == 0x7f
	})
}

func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request) {
	bucket := r.PathValue("bucket")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[bucket]; ok {
		writeS3Error(w, "BucketAlreadyOwnedByYou", "Your previous request to create the named bucket succeeded and you already own it.", r.URL.Path, http.StatusConflict)
		return
	}
	if s.disk != nil {
		if err := s.disk.createBucket(bucket); err != nil {
			slog.Error("Persist bucket", "bucket", bucket, "err", err)
			writeInternalError(w, r)
			return
		}
	}
	s.buckets[bucket] = make(map[string]Object)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHeadBucket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	_, ok := s.buckets[r.PathValue("bucket")]
	s.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleBucketGet(w http.ResponseWriter, r *http.Request) {
	bucket := r.PathValue("bucket")
	q := r.URL.Query()

	switch {
	case q.Has("location"):
		if err := writeXMLResponse(w, LocationConstraint{XMLNS: s3XMLNamespace, Region: s.region}); err != nil {
			slog.Error("Encode bucket location XML", "bucket", bucket, "err", err)
		}
	case q.Get("list-type") == "2":
		s.handleListObjectsV2(w, r, bucket)
	default:
		message := "ListObjects is not implemented."
		writeS3Error(w, "NotImplemented", message, r.URL.Path, http.StatusNotImplemented)
	}
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	bucket, key := r.PathValue("bucket"), r.PathValue("key")
	defer r.Body.Close()

	if !isValidObjectKey(key) {
		writeS3Error(w, "InvalidObjectName", "The specified key is not valid.", r.URL.Path, http.StatusBadRequest)
		return
	}

	var (
		data []byte
		err  error
	)
	if isStreamingPayload(r) {
		data, err = decodeStreamingPayload(r.Body)
	} else {
		data, err = io.ReadAll(r.Body)
	}
	if err != nil {
		slog.Error("Read object payload", "bucket", bucket, "key", key, "err", err)
		writeS3Error(w, "InvalidRequest", "Failed to read request body", r.URL.Path, http.StatusBadRequest)
		return
	}

	sum := md5.Sum(data)
	obj := Object{
		Data:         data,
		ContentType:  r.Header.Get("Content-Type"),
		CacheControl: r.Header.Get("Cache-Control"),
		ACL:          r.Header.Get("X-Amz-Acl"),
		Metadata:     make(map[string]string),
		ETag:         hex.EncodeToString(sum[:]),
		ModifiedAt:   time.Now().UTC().Truncate(time.Second),
	}
	if obj.ContentType == "" {
		obj.ContentType = "application/octet-stream"
	}
	for name, values := range r.Header {
		if meta, ok := strings.CutPrefix(strings.ToLower(name), "x-amz-meta-"); ok && len(values) > 0 {
			obj.Metadata[meta] = values[0]
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWrites {
		writeS3Error(w, "AccessDenied", "Access Denied", r.URL.Path, http.StatusForbidden)
		return
	}

	objects, ok := s.buckets[bucket]
	if !ok {
		writeNoSuchBucket(w, r)
		return
	}

	if s.disk != nil {
		previous, replaced := objects[key]
		obj.hash, err = s.disk.putBlob(bucket, data)
		if err == nil {
			objects[key] = obj
			if err = s.disk.writeIndex(bucket, objects); err != nil {
				restoreObject(objects, key, previous, replaced)
			}
		}
		if err != nil {
			slog.Error("Persist object", "bucket", bucket, "key", key, "err", err)
			writeInternalError(w, r)
			return
		}
		if replaced {
			s.pruneBlob(bucket, objects, previous.hash)
		}
	}
	objects[key] = obj

	w.Header().Set("ETag", strconv.Quote(obj.ETag))
	w.WriteHeader(http.StatusOK)
}

// lookup returns the object addressed by r, writing an error response when
// it does not exist.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (Object, bool) {
	bucket, key := r.PathValue("bucket"), r.PathValue("key")

	s.mu.Lock()
	defer s.mu.Unlock()

	objects, ok := s.buckets[bucket]
	if !ok {
		writeNoSuchBucket(w, r)
		return Object{}, false
	}
	obj, ok := objects[key]
	if !ok {
		writeNoSuchKey(w, r)
		return Object{}, false
	}
	return obj, true
}

func writeObjectHeaders(w http.ResponseWriter, obj Object) {
	h := w.Header()
	h.Set("Content-Type", obj.ContentType)
	h.Set("Content-Length", strconv.Itoa(len(obj.Data)))
	h.Set("Last-Modified", obj.ModifiedAt.Format(http.TimeFormat))
	h.Set("ETag", strconv.Quote(obj.ETag))
	h.Set("Accept-Ranges", "bytes")
	if obj.CacheControl != "" {
		h.Set("Cache-Control", obj.CacheControl)
	}
	for k, v := range obj.Metadata {
		h.Set("X-Amz-Meta-"+k, v)
	}
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	obj, ok := s.lookup(w, r)
	if !ok {
		return
	}

	writeObjectHeaders(w, obj)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(obj.Data); err != nil {
		slog.Error("Stream object", "path", r.URL.Path, "err", err)
	}
}

func (s *Server) handleHeadObject(w http.ResponseWriter, r *http.Request) {
	obj, ok := s.lookup(w, r)
	if !ok {
		return
	}

	writeObjectHeaders(w, obj)
	w.WriteHeader(http.StatusOK)
}

// handleDeleteObject succeeds for missing keys, as S3 does.
func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	bucket, key := r.PathValue("bucket"), r.PathValue("key")

	s.mu.Lock()
	defer s.mu.Unlock()

	objects, ok := s.buckets[bucket]
	if !ok {
		writeNoSuchBucket(w, r)
		return
	}
	previous, existed := objects[key]
	delete(objects, key)

	if s.disk != nil && existed {
		if err := s.disk.writeIndex(bucket, objects); err != nil {
			objects[key] = previous
			slog.Error("Persist delete", "bucket", bucket, "key", key, "err", err)
			writeInternalError(w, r)
			return
		}
		s.pruneBlob(bucket, objects, previous.hash)
	}
	w.WriteHeader(http.StatusNoContent)
}

// restore puts back what key held before a failed persisted write.
func restoreObject(objects map[string]Object, key string, previous Object, existed bool) {
	if existed {
		objects[key] = previous
	} else {
		delete(objects, key)
	}
}

// pruneBlob removes the payload hashHex of bucket once no key refers to it.
func (s *Server) pruneBlob(bucket string, objects map[string]Object, hashHex string) {
	if hashHex == "" {
		return
	}
	for _, obj := range objects {
		if obj.hash == hashHex {
			return
		}
	}
	if err := s.disk.removeBlob(bucket, hashHex); err != nil {
		slog.Warn("Remove unreferenced payload", "bucket", bucket, "hash", hashHex, "err", err)
	}
}

// handleListObjectsV2 implements S3 ListObjectsV2:
// GET /bucket?list-type=2[&prefix=&delimiter=&max-keys=&continuation-token=&start-after=].
func (s *Server) handleListObjectsV2(w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	continuationToken := q.Get("continuation-token")
	startAfter := ""
	if continuationToken == "" {
		startAfter = q.Get("start-after")
	}
	after := continuationToken
	if after == "" {
		after = startAfter
	}

	maxKeys := 1000
	if raw := q.Get("max-keys"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			maxKeys = v
		}
	}

	s.mu.Lock()
	objects, ok := s.buckets[bucket]
	if !ok {
		s.mu.Unlock()
		writeNoSuchBucket(w, r)
		return
	}
	keys := slices.Sorted(maps.Keys(objects))
	snapshot := maps.Clone(objects)
	s.mu.Unlock()

	var (
		summaries      []ObjectSummary
		commonPrefixes []CommonPrefix
		seenPrefixes   = make(map[string]struct{})
		isTruncated    bool
		lastKey        string
	)

	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) || key <= after {
			continue
		}

		if delimiter != "" {
			rel := strings.TrimPrefix(key, prefix)
			if idx := strings.Index(rel, delimiter); idx != -1 {
				cp := prefix + rel[:idx+len(delimiter)]
				if _, seen := seenPrefixes[cp]; seen {
					lastKey = key
					continue
				}
				if len(summaries)+len(commonPrefixes) >= maxKeys {
					isTruncated = true
					break
				}
				seenPrefixes[cp] = struct{}{}
				commonPrefixes = append(commonPrefixes, CommonPrefix{Prefix: cp})
				lastKey = key
				continue
			}
		}

		if len(summaries)+len(commonPrefixes) >= maxKeys {
			isTruncated = true
			break
		}

		obj := snapshot[key]
		summaries = append(summaries, ObjectSummary{
			Key:          key,
			LastModified: obj.ModifiedAt.Format(time.RFC3339),
			ETag:         strconv.Quote(obj.ETag),
			Size:         int64(len(obj.Data)),
			StorageClass: "STANDARD",
		})
		lastKey = key
	}

	resp := ListBucketResultV2{
		XMLNS:             s3XMLNamespace,
		Name:              bucket,
		Prefix:            prefix,
		Delimiter:         delimiter,
		KeyCount:          len(summaries) + len(commonPrefixes),
		MaxKeys:           maxKeys,
		IsTruncated:       isTruncated,
		ContinuationToken: continuationToken,
		StartAfter:        startAfter,
		Contents:          summaries,
		CommonPrefixes:    commonPrefixes,
	}
	if isTruncated {
		resp.NextContinuationToken = lastKey
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list objects v2 XML", "bucket", bucket, "err", err)
	}
}

func isStreamingPayload(r *http.Request) bool {
	return strings.HasPrefix(strings.ToUpper(r.Header.Get("X-Amz-Content-Sha256")), "STREAMING-") ||
		strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked")
}

// decodeStreamingPayload decodes an aws-chunked body, signed or unsigned.
// Chunk signatures and trailers are ignored.
func decodeStreamingPayload(body io.Reader) ([]byte, error) {
	br := bufio.NewReader(body)

	var out []byte
	for {
		// Each chunk begins with: <size-hex>[;extensions]\r\n
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("unexpected EOF while reading chunk header")
			}
			return nil, fmt.Errorf("read chunk header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		// Strip any chunk extensions (e.g. ";chunk-signature=...").
		if idx := strings.IndexByte(line, ';'); idx != -1 {
			line = line[:idx]
		}

		size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse chunk size %q: %w", line, err)
		}
		if size == 0 {
			return out, nil
		}

		chunk := make([]byte, size)
		if _, err := io.ReadFull(br, chunk); err != nil {
			return nil, fmt.Errorf("read chunk body: %w", err)
		}
		out = append(out, chunk...)

		// Consume the trailing CRLF after the chunk body.
		if crlf, err := br.Peek(2); err == nil && string(crlf) == "\r\n" {
			_, _ = br.Discard(2)
		} else {
			return nil, errors.New("missing CRLF after chunk")
		}
	}
}
