package fakes3

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"
)

const indexFile = "index.json"

// diskStore mirrors buckets onto a directory. Payloads use a
// content-addressed layout, <dir>/<bucket>/<first two hex chars>/<sha256>,
// and each bucket keeps an index mapping keys to payload hashes. A payload
// already present in another bucket is hard linked instead of written again.
type diskStore struct {
	dir string
}

type indexEntry struct {
	Hash         string            `json:"hash"`
	ContentType  string            `json:"content_type"`
	CacheControl string            `json:"cache_control,omitempty"`
	ACL          string            `json:"acl,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ETag         string            `json:"etag"`
	ModifiedAt   time.Time         `json:"modified_at"`
}

func validBucketName(bucket string) bool {
	return bucket != "" && bucket != "." && bucket != ".." &&
		!strings.ContainsAny(bucket, `/\`)
}

// blobPath computes where the payload hashHex of bucket lives.
func blobPath(dir string, bucket string, hashHex string) (string, error) {
	if len(hashHex) < 2 {
		return "", fmt.Errorf("invalid hash length: %d", len(hashHex))
	}
	if !validBucketName(bucket) {
		return "", fmt.Errorf("invalid bucket name %q", bucket)
	}
	return filepath.Join(dir, bucket, hashHex[:2], hashHex), nil
}

// locateExisting returns copies of hashHex with the given size held by
// other buckets.
func locateExisting(dir string, target string, hashHex string, size int64) []string {
	matches, _ := filepath.Glob(filepath.Join(dir, "*", hashHex[:2], hashHex))

	var results []string
	for _, existing := range matches {
		if existing == target {
			continue
		}
		info, err := os.Stat(existing)
		if err != nil || !info.Mode().IsRegular() || info.Size() != size {
			continue
		}
		results = append(results, existing)
	}
	return results
}

// putBlob stores data for bucket and returns its hash.
func (d *diskStore) putBlob(bucket string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hashHex := hex.EncodeToString(sum[:])

	target, err := blobPath(d.dir, bucket, hashHex)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(target); err == nil && info.Size() == int64(len(data)) {
		return hashHex, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}

	for _, existing := range locateExisting(d.dir, target, hashHex, int64(len(data))) {
		if err := linkOrCopyFile(existing, target); err == nil {
			return hashHex, nil
		}
	}
	return hashHex, writeFileAtomic(target, data)
}

func (d *diskStore) removeBlob(bucket string, hashHex string) error {
	target, err := blobPath(d.dir, bucket, hashHex)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (d *diskStore) createBucket(bucket string) error {
	if !validBucketName(bucket) {
		return fmt.Errorf("invalid bucket name %q", bucket)
	}
	return d.writeIndex(bucket, nil)
}

// writeIndex replaces the index of bucket with objects.
func (d *diskStore) writeIndex(bucket string, objects map[string]Object) error {
	index := make(map[string]indexEntry, len(objects))
	for key, obj := range objects {
		index[key] = indexEntry{
			Hash:         obj.hash,
			ContentType:  obj.ContentType,
			CacheControl: obj.CacheControl,
			ACL:          obj.ACL,
			Metadata:     obj.Metadata,
			ETag:         obj.ETag,
			ModifiedAt:   obj.ModifiedAt,
		}
	}

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}

	bucketDir := filepath.Join(d.dir, bucket)
	if err := os.MkdirAll(bucketDir, 0o755); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(bucketDir, indexFile), data)
}

// load reads every bucket found under the directory.
func (d *diskStore) load() (map[string]map[string]Object, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]map[string]Object{}, nil
		}
		return nil, err
	}

	buckets := make(map[string]map[string]Object)
	for _, entry := range entries {
		if !entry.IsDir() || !validBucketName(entry.Name()) {
			continue
		}
		objects, err := d.loadBucket(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("load bucket %s: %w", entry.Name(), err)
		}
		buckets[entry.Name()] = objects
	}
	return buckets, nil
}

func (d *diskStore) loadBucket(bucket string) (map[string]Object, error) {
	objects := make(map[string]Object)

	raw, err := os.ReadFile(filepath.Join(d.dir, bucket, indexFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return objects, nil
		}
		return nil, err
	}

	var index map[string]indexEntry
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, fmt.Errorf("decode %s: %w", indexFile, err)
	}

	for _, key := range slices.Sorted(maps.Keys(index)) {
		entry := index[key]
		path, err := blobPath(d.dir, bucket, entry.Hash)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}

		metadata := entry.Metadata
		if metadata == nil {
			metadata = make(map[string]string)
		}
		objects[key] = Object{
			Data:         data,
			ContentType:  entry.ContentType,
			CacheControl: entry.CacheControl,
			ACL:          entry.ACL,
			Metadata:     metadata,
			ETag:         entry.ETag,
			ModifiedAt:   entry.ModifiedAt,
			hash:         entry.Hash,
		}
	}
	return objects, nil
}

func copyFile(srcPath string, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dest, err := os.Create(destPath)
	if err != nil {
		return err
	}
	if _, err := dest.ReadFrom(src); err != nil {
		dest.Close()
		return err
	}
	return dest.Close()
}

// linkOrCopyFile hard links srcPath to destPath, copying when linking
// fails. An existing destPath is removed first so a link never truncates
// the file it shares an inode with.
func linkOrCopyFile(srcPath string, destPath string) error {
	if srcPath == destPath {
		return nil
	}
	if err := os.Remove(destPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Link(srcPath, destPath); err == nil {
		return nil
	}
	return copyFile(srcPath, destPath)
}

// moveFile renames srcPath to destPath, copying across filesystems.
func moveFile(srcPath string, destPath string) error {
	err := os.Rename(srcPath, destPath)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}
	if err := linkOrCopyFile(srcPath, destPath); err != nil {
		return err
	}
	if err := os.Remove(srcPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// writeFileAtomic writes data next to path and moves it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := moveFile(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
