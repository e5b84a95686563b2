package fakes3_test

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"dh2ocol/internal/auth"
	"dh2ocol/internal/storage/fakes3"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/require"
)

const bucket = "media-bucket"

func newTestServer(t *testing.T) (*fakes3.Server, *httptest.Server) {
	t.Helper()

	fake := fakes3.New("us-east-1", bucket)
	httpSrv := httptest.NewServer(fake.Handler())
	t.Cleanup(httpSrv.Close)
	return fake, httpSrv
}

func newMinioClient(t *testing.T, httpSrv *httptest.Server) *minio.Client {
	t.Helper()
	return newMinioClientWithKeys(t, httpSrv, "test", "test")
}

func newMinioClientWithKeys(t *testing.T, httpSrv *httptest.Server, accessKey string, secretKey string) *minio.Client {
	t.Helper()

	u, err := url.Parse(httpSrv.URL)
	require.NoError(t, err, "parsing test server URL")

	client, err := minio.New(u.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure:       false,
		Region:       "us-east-1",
		BucketLookup: minio.BucketLookupPath,
	})
	require.NoError(t, err, "creating MinIO client")
	return client
}

func TestObjectLifecycleUsingMinioClient(t *testing.T) {
	t.Parallel()

	fake, httpSrv := newTestServer(t)
	client := newMinioClient(t, httpSrv)
	ctx := t.Context()

	payload := []byte("hello object store")
	_, err := client.PutObject(ctx, bucket, "docs/hello.txt", bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType:  "text/plain",
		CacheControl: "no-cache",
		UserMetadata: map[string]string{"x-amz-acl": "public-read", "owner": "admin"},
	})
	require.NoError(t, err, "PutObject")

	obj, ok := fake.Object(bucket, "docs/hello.txt")
	require.True(t, ok, "object stored")
	require.Equal(t, payload, obj.Data, "payload decoded from streaming upload")
	require.Equal(t, "text/plain", obj.ContentType)
	require.Equal(t, "no-cache", obj.CacheControl)
	require.Equal(t, "public-read", obj.ACL)
	require.Equal(t, "admin", obj.Metadata["owner"])

	info, err := client.StatObject(ctx, bucket, "docs/hello.txt", minio.StatObjectOptions{})
	require.NoError(t, err, "StatObject")
	require.Equal(t, int64(len(payload)), info.Size)
	require.Equal(t, obj.ETag, info.ETag)

	reader, err := client.GetObject(ctx, bucket, "docs/hello.txt", minio.GetObjectOptions{})
	require.NoError(t, err, "GetObject")
	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	require.Equal(t, payload, got)

	require.NoError(t, client.RemoveObject(ctx, bucket, "docs/hello.txt", minio.RemoveObjectOptions{}), "RemoveObject")
	_, ok = fake.Object(bucket, "docs/hello.txt")
	require.False(t, ok, "object removed")

	_, err = client.StatObject(ctx, bucket, "docs/hello.txt", minio.StatObjectOptions{})
	require.Error(t, err)
	require.Equal(t, http.StatusNotFound, minio.ToErrorResponse(err).StatusCode)
}

func TestListObjectsV2Pagination(t *testing.T) {
	t.Parallel()

	fake, httpSrv := newTestServer(t)
	client := newMinioClient(t, httpSrv)
	ctx := t.Context()

	for _, key := range []string{"a/1.txt", "a/2.txt", "a/3.txt", "b/1.txt"} {
		_, err := client.PutObject(ctx, bucket, key, strings.NewReader(key), int64(len(key)), minio.PutObjectOptions{})
		require.NoError(t, err, "PutObject %s", key)
	}
	require.Equal(t, []string{"a/1.txt", "a/2.txt", "a/3.txt", "b/1.txt"}, fake.Keys(bucket))

	var keys []string
	for info := range client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: "a/", Recursive: true, MaxKeys: 2}) {
		require.NoError(t, info.Err)
		keys = append(keys, info.Key)
	}
	require.Equal(t, []string{"a/1.txt", "a/2.txt", "a/3.txt"}, keys)

	var prefixes []string
	for info := range client.ListObjects(ctx, bucket, minio.ListObjectsOptions{}) {
		require.NoError(t, info.Err)
		prefixes = append(prefixes, info.Key)
	}
	require.Equal(t, []string{"a/", "b/"}, prefixes)
}

func TestFailWrites(t *testing.T) {
	t.Parallel()

	fake, httpSrv := newTestServer(t)
	client := newMinioClient(t, httpSrv)

	fake.FailWrites(true)
	_, err := client.PutObject(t.Context(), bucket, "x.txt", strings.NewReader("x"), 1, minio.PutObjectOptions{})
	require.Error(t, err)
	require.Equal(t, "AccessDenied", minio.ToErrorResponse(err).Code)
	require.Empty(t, fake.Keys(bucket))
}

func TestUnknownBucket(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPut, httpSrv.URL+"/missing-bucket/key.txt", strings.NewReader("x"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "NoSuchBucket")
}

func TestRequireAuthChecksSignatures(t *testing.T) {
	t.Parallel()

	fake, httpSrv := newTestServer(t)
	fake.RequireAuth(auth.NewAwsHmacAuthEngine("media-key", "media-secret"))
	ctx := t.Context()

	client := newMinioClientWithKeys(t, httpSrv, "media-key", "media-secret")
	payload := []byte("signed payload")
	_, err := client.PutObject(ctx, bucket, "signed/ok.txt", bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType:  "text/plain",
		UserMetadata: map[string]string{"x-amz-acl": "public-read"},
	})
	require.NoError(t, err, "PutObject with the right keys")

	_, err = client.StatObject(ctx, bucket, "signed/ok.txt", minio.StatObjectOptions{})
	require.NoError(t, err, "StatObject with the right keys")

	for info := range client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: "signed/", Recursive: true}) {
		require.NoError(t, info.Err, "ListObjects with the right keys")
	}

	wrongSecret := newMinioClientWithKeys(t, httpSrv, "media-key", "not-the-secret")
	_, err = wrongSecret.PutObject(ctx, bucket, "signed/bad.txt", bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{})
	require.Error(t, err)
	require.Equal(t, "SignatureDoesNotMatch", minio.ToErrorResponse(err).Code)

	wrongKey := newMinioClientWithKeys(t, httpSrv, "someone-else", "media-secret")
	err = wrongKey.RemoveObject(ctx, bucket, "signed/ok.txt", minio.RemoveObjectOptions{})
	require.Error(t, err)
	require.Equal(t, "AccessDenied", minio.ToErrorResponse(err).Code)

	require.Equal(t, []string{"signed/ok.txt"}, fake.Keys(bucket))
}

func TestRequireAuthServesPublicReadObjects(t *testing.T) {
	t.Parallel()

	fake, httpSrv := newTestServer(t)
	fake.RequireAuth(auth.NewAwsHmacAuthEngine("media-key", "media-secret"))
	ctx := t.Context()

	client := newMinioClientWithKeys(t, httpSrv, "media-key", "media-secret")
	payload := []byte("visible to browsers")
	_, err := client.PutObject(ctx, bucket, "public/logo.txt", bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		UserMetadata: map[string]string{"x-amz-acl": "public-read"},
	})
	require.NoError(t, err)
	_, err = client.PutObject(ctx, bucket, "private/notes.txt", bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{})
	require.NoError(t, err)

	resp, err := http.Get(httpSrv.URL + "/" + bucket + "/public/logo.txt")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, payload, body)

	for _, path := range []string{"/private/notes.txt", "/public/missing.txt"} {
		resp, err := http.Get(httpSrv.URL + "/" + bucket + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equalf(t, http.StatusForbidden, resp.StatusCode, "GET %s", path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, httpSrv.URL+"/"+bucket+"/public/logo.txt", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRequireAuthAcceptsPresignedURLs(t *testing.T) {
	t.Parallel()

	fake, httpSrv := newTestServer(t)
	fake.RequireAuth(auth.NewAwsHmacAuthEngine("media-key", "media-secret"))
	ctx := t.Context()

	client := newMinioClientWithKeys(t, httpSrv, "media-key", "media-secret")
	payload := []byte("private but shareable")
	_, err := client.PutObject(ctx, bucket, "private/ficha tecnica.pdf", bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{})
	require.NoError(t, err)

	signed, err := client.PresignedGetObject(ctx, bucket, "private/ficha tecnica.pdf", time.Hour, nil)
	require.NoError(t, err)

	resp, err := http.Get(signed.String())
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, payload, body)

	tampered := *signed
	q := tampered.Query()
	q.Set("X-Amz-Expires", "604800")
	tampered.RawQuery = q.Encode()

	resp, err = http.Get(tampered.String())
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Contains(t, string(body), "SignatureDoesNotMatch")
}
