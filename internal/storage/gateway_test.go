package storage_test

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"dh2ocol/internal/config"
	"dh2ocol/internal/optimize"
	"dh2ocol/internal/storage"
	"dh2ocol/internal/storage/fakes3"

	"github.com/stretchr/testify/require"
)

const testBucket = "dh2ocol.appspot.com"

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type testEnv struct {
	fake    *fakes3.Server
	store   *storage.MinioStore
	gateway *storage.Gateway
}

func newTestStore(t *testing.T) (*fakes3.Server, *storage.MinioStore) {
	t.Helper()

	fake := fakes3.New("auto", testBucket)
	httpSrv := httptest.NewServer(fake.Handler())
	t.Cleanup(httpSrv.Close)

	u, err := url.Parse(httpSrv.URL)
	require.NoError(t, err, "parsing test server URL")

	store, err := storage.NewMinioStore(storage.MinioOptions{
		Endpoint:  u.Host,
		Region:    "auto",
		AccessKey: "GOOG1TESTKEY",
		SecretKey: "secret",
		Bucket:    testBucket,
	})
	require.NoError(t, err, "creating store")

	return fake, store
}

func newGateway(store storage.ObjectStore, style storage.URLShape) *storage.Gateway {
	var n atomic.Int64
	return storage.NewGateway(store, storage.GatewayOptions{
		URLs: storage.URLFormat{
			Scheme:       "https",
			PublicHost:   "storage.googleapis.com",
			ResourceHost: "firebasestorage.googleapis.com",
			Style:        style,
		},
		Now:    func() time.Time { return fixedNow },
		Suffix: func() string { return fmt.Sprintf("%08x", 0xabcdef00+n.Add(1)) },
	})
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	fake, store := newTestStore(t)
	return testEnv{fake: fake, store: store, gateway: newGateway(store, storage.PathStyle)}
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 30, G: 90, B: 200, A: 255}}, image.Point{}, draw.Src)

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func imagePayload(t *testing.T, name string, w, h int) storage.UploadPayload {
	t.Helper()
	return storage.UploadPayload{
		Filename:    name,
		ContentType: "image/jpeg",
		Body:        bytes.NewReader(jpegBytes(t, w, h)),
	}
}

func TestUploadAndDeleteBothURLShapes(t *testing.T) {
	t.Parallel()

	fake, store := newTestStore(t)

	for _, style := range []storage.URLShape{storage.PathStyle, storage.ResourceStyle} {
		gw := newGateway(store, style)

		obj, err := gw.Upload(t.Context(), imagePayload(t, "Foto Tanque.JPG", 640, 480), storage.UploadOptions{Folder: "servicios", Optimize: true})
		require.NoError(t, err, "upload in %s style", style)
		require.NotNil(t, obj)

		_, ok := fake.Object(testBucket, obj.Key)
		require.True(t, ok, "object stored")
		require.True(t, gw.Exists(t.Context(), obj.URL))

		require.True(t, gw.Delete(t.Context(), obj.URL), "delete %s", obj.URL)
		_, ok = fake.Object(testBucket, obj.Key)
		require.False(t, ok, "object removed")
		require.False(t, gw.Exists(t.Context(), obj.URL))
	}
}

func TestUploadNamingAndMetadata(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	obj, err := env.gateway.Upload(t.Context(), imagePayload(t, "Tanque 500L (azul).jpeg", 1600, 1200), storage.UploadOptions{
		Folder:   "productos",
		Optimize: true,
		Category: "Tanques",
	})
	require.NoError(t, err)

	require.Equal(t, "productos/Tanque_500L_azul_20260102_030405_abcdef01.jpg", obj.Key)
	require.Regexp(t, regexp.MustCompile(`^productos/[A-Za-z0-9_-]+_\d{8}_\d{6}_[0-9a-f]{8}\.jpg$`), obj.Key)
	require.Equal(t, "https://storage.googleapis.com/dh2ocol.appspot.com/"+obj.Key, obj.URL)
	require.Equal(t, "image/jpeg", obj.ContentType)
	require.Equal(t, "Tanques", obj.Profile)
	require.Equal(t, optimize.Optimized, obj.Outcome)

	stored, ok := env.fake.Object(testBucket, obj.Key)
	require.True(t, ok)
	require.Equal(t, storage.CacheControl, stored.CacheControl)
	require.Equal(t, "public, max-age=31536000, immutable", stored.CacheControl)
	require.Equal(t, "public-read", stored.ACL)
	require.Equal(t, "image/jpeg", stored.ContentType)
	require.Equal(t, obj.Size, int64(len(stored.Data)))

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(stored.Data))
	require.NoError(t, err)
	require.Equal(t, 800, cfg.Width)
	require.Equal(t, 600, cfg.Height)
}

func TestUploadKeysAreUnique(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	first, err := env.gateway.Upload(t.Context(), imagePayload(t, "same.jpg", 50, 50), storage.UploadOptions{Folder: "galeria", Optimize: true})
	require.NoError(t, err)
	second, err := env.gateway.Upload(t.Context(), imagePayload(t, "same.jpg", 50, 50), storage.UploadOptions{Folder: "galeria", Optimize: true})
	require.NoError(t, err)

	require.NotEqual(t, first.Key, second.Key)
	require.Len(t, env.fake.Keys(testBucket), 2)
}

func TestUploadRejections(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	tests := []struct {
		name    string
		gateway *storage.Gateway
		payload storage.UploadPayload
		want    error
	}{
		{
			name:    "unavailable",
			gateway: storage.NewGateway(nil, storage.GatewayOptions{}),
			payload: imagePayload(t, "a.jpg", 10, 10),
			want:    storage.ErrUnavailable,
		},
		{
			name:    "no filename",
			payload: storage.UploadPayload{Filename: "  ", ContentType: "image/jpeg", Body: bytes.NewReader(jpegBytes(t, 10, 10))},
			want:    storage.ErrNoFilename,
		},
		{
			name:    "zero length",
			payload: storage.UploadPayload{Filename: "empty.jpg", ContentType: "image/jpeg", Body: bytes.NewReader(nil)},
			want:    storage.ErrEmptyPayload,
		},
		{
			name:    "nil body",
			payload: storage.UploadPayload{Filename: "empty.jpg", ContentType: "image/jpeg"},
			want:    storage.ErrEmptyPayload,
		},
		{
			name:    "image content type with text bytes",
			payload: storage.UploadPayload{Filename: "fake.jpg", ContentType: "image/jpeg", Body: strings.NewReader("this is not a jpeg")},
			want:    storage.ErrInvalidImage,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gw := tc.gateway
			if gw == nil {
				gw = env.gateway
			}

			for _, optimizeImages := range []bool{true, false} {
				obj, err := gw.Upload(t.Context(), tc.payload, storage.UploadOptions{Folder: "productos", Optimize: optimizeImages})
				require.ErrorIs(t, err, tc.want)
				require.Nil(t, obj)

				if seeker, ok := tc.payload.Body.(io.Seeker); ok {
					_, _ = seeker.Seek(0, io.SeekStart)
				}
			}
		})
	}

	require.Empty(t, env.fake.Keys(testBucket), "nothing stored for rejected uploads")
}

func TestUploadStoreFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.fake.FailWrites(true)

	obj, err := env.gateway.Upload(t.Context(), imagePayload(t, "a.jpg", 20, 20), storage.UploadOptions{Folder: "servicios", Optimize: true})
	require.ErrorIs(t, err, storage.ErrStoreFailed)
	require.Nil(t, obj)
}

func TestUploadNonImageStoredAsIs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	payload := []byte("%PDF-1.4\n%âãÏÓ\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n")

	obj, err := env.gateway.Upload(t.Context(), storage.UploadPayload{
		Filename:    "Catálogo 2026.PDF",
		ContentType: "application/pdf",
		Body:        bytes.NewReader(payload),
	}, storage.UploadOptions{Folder: "documentos", Optimize: true})
	require.NoError(t, err)

	require.Equal(t, "documentos/Catalogo_2026_20260102_030405_abcdef01.pdf", obj.Key)
	require.Empty(t, obj.Profile, "documents are not optimized")

	stored, ok := env.fake.Object(testBucket, obj.Key)
	require.True(t, ok)
	require.Equal(t, payload, stored.Data)
	require.Equal(t, "application/pdf", stored.ContentType)
}

func TestUploadWithoutOptimizeKeepsBytes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	data := jpegBytes(t, 2000, 1000)

	obj, err := env.gateway.Upload(t.Context(), storage.UploadPayload{
		Filename:    "raw.jpg",
		ContentType: "image/jpeg",
		Body:        bytes.NewReader(data),
	}, storage.UploadOptions{Folder: "productos", Category: "Bombas"})
	require.NoError(t, err)

	stored, ok := env.fake.Object(testBucket, obj.Key)
	require.True(t, ok)
	require.Equal(t, data, stored.Data)
}

func TestUploadLargeProductAndCarouselImages(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	data := jpegBytes(t, 4000, 3000)

	tests := []struct {
		name        string
		opts        storage.UploadOptions
		wantProfile string
		wantW       int
		wantH       int
	}{
		{name: "tanques", opts: storage.UploadOptions{Folder: "productos", Category: "Tanques", Optimize: true}, wantProfile: "Tanques", wantW: 800, wantH: 600},
		{name: "carousel", opts: storage.UploadOptions{Folder: "carousel", Optimize: true}, wantProfile: "carousel", wantW: 1440, wantH: 1080},
		{name: "productos without category", opts: storage.UploadOptions{Folder: "productos", Optimize: true}, wantProfile: "Accesorios", wantW: 500, wantH: 375},
	}

	for _, tc := range tests {
		obj, err := env.gateway.Upload(t.Context(), storage.UploadPayload{
			Filename:    "big.jpg",
			ContentType: "image/jpeg",
			Body:        bytes.NewReader(data),
		}, tc.opts)
		require.NoError(t, err, tc.name)
		require.Equal(t, tc.wantProfile, obj.Profile, tc.name)

		stored, ok := env.fake.Object(testBucket, obj.Key)
		require.True(t, ok, tc.name)

		cfg, format, err := image.DecodeConfig(bytes.NewReader(stored.Data))
		require.NoError(t, err, tc.name)
		require.Equal(t, "jpeg", format, tc.name)
		require.Equal(t, tc.wantW, cfg.Width, tc.name)
		require.Equal(t, tc.wantH, cfg.Height, tc.name)
	}
}

func TestDeleteRefusesUnknownURLs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	obj, err := env.gateway.Upload(t.Context(), imagePayload(t, "keep.jpg", 30, 30), storage.UploadOptions{Folder: "galeria", Optimize: true})
	require.NoError(t, err)

	for _, raw := range []string{
		"",
		"not a url",
		"https://cdn.example.com/" + testBucket + "/" + obj.Key,
		"https://storage.googleapis.com/another-bucket/" + obj.Key,
		"https://firebasestorage.googleapis.com/v0/b/another-bucket/o/" + url.PathEscape(obj.Key),
		"https://storage.googleapis.com/" + testBucket,
	} {
		require.False(t, env.gateway.Delete(t.Context(), raw), "delete %q", raw)
	}

	_, ok := env.fake.Object(testBucket, obj.Key)
	require.True(t, ok, "object must survive refused deletes")

	unavailable := storage.NewGateway(nil, storage.GatewayOptions{})
	require.False(t, unavailable.Delete(t.Context(), obj.URL))
	require.False(t, unavailable.Exists(t.Context(), obj.URL))
}

func TestDeleteResourceStyleURLForPathStyleUpload(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	obj, err := env.gateway.Upload(t.Context(), imagePayload(t, "x.jpg", 30, 30), storage.UploadOptions{Folder: "productos", Category: "Filtros", Optimize: true})
	require.NoError(t, err)

	resourceURL := "https://firebasestorage.googleapis.com/v0/b/" + testBucket + "/o/" + url.PathEscape(obj.Key) + "?alt=media&token=t"
	require.True(t, env.gateway.Delete(t.Context(), resourceURL))
	require.Empty(t, env.fake.Keys(testBucket))
}

func TestListFolder(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	for range 3 {
		_, err := env.gateway.Upload(t.Context(), imagePayload(t, "p.jpg", 20, 20), storage.UploadOptions{Folder: "productos", Optimize: true})
		require.NoError(t, err)
	}
	_, err := env.gateway.Upload(t.Context(), imagePayload(t, "c.jpg", 20, 20), storage.UploadOptions{Folder: "carousel", Optimize: true})
	require.NoError(t, err)

	all := env.gateway.List(t.Context(), "productos/", 0)
	require.Len(t, all, 3)
	for _, obj := range all {
		require.True(t, strings.HasPrefix(obj.Key, "productos/"), obj.Key)
		require.Equal(t, env.gateway.PublicURL(obj.Key), obj.URL)
		require.Positive(t, obj.Size)
	}

	require.Len(t, env.gateway.List(t.Context(), "productos", 2), 2)
	require.Len(t, env.gateway.List(t.Context(), "", 0), 4)
	require.Empty(t, env.gateway.List(t.Context(), "missing", 0))
	require.Empty(t, storage.NewGateway(nil, storage.GatewayOptions{}).List(t.Context(), "", 0))
}

func TestSignedURL(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	signed, err := env.gateway.SignedURL(t.Context(), "productos/a.jpg", 0)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	require.Equal(t, "/"+testBucket+"/productos/a.jpg", u.Path)
	require.Equal(t, "3600", u.Query().Get("X-Amz-Expires"))
	require.NotEmpty(t, u.Query().Get("X-Amz-Signature"))

	_, err = storage.NewGateway(nil, storage.GatewayOptions{}).SignedURL(t.Context(), "a.jpg", time.Minute)
	require.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestUploadFile(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	path := filepath.Join(t.TempDir(), "banner.jpg")
	require.NoError(t, os.WriteFile(path, jpegBytes(t, 3000, 2000), 0o600))

	obj, err := env.gateway.UploadFile(t.Context(), path, "carousel", true)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(obj.Key, "carousel/banner_"), obj.Key)
	require.Equal(t, "carousel", obj.Profile)

	_, err = env.gateway.UploadFile(t.Context(), filepath.Join(t.TempDir(), "missing.jpg"), "carousel", true)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewFromConfig(t *testing.T) {
	t.Parallel()

	cfg := config.NewConfig().Storage
	require.False(t, storage.New(cfg).IsAvailable(), "no credentials")

	cfg.Credentials = testCredentials(t)
	require.False(t, storage.New(cfg).IsAvailable(), "no HMAC keys")

	cfg.AccessKey = "GOOG1KEY"
	cfg.SecretKey = "secret"
	cfg.URLStyle = "sideways"
	require.False(t, storage.New(cfg).IsAvailable(), "bad url style")

	cfg.URLStyle = "resource"
	gw := storage.New(cfg)
	require.True(t, gw.IsAvailable())
	require.Equal(t,
		"https://firebasestorage.googleapis.com/v0/b/dh2ocol.appspot.com/o/a%2Fb.jpg?alt=media",
		gw.PublicURL("a/b.jpg"))
}

func TestOwns(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	key := "productos/a.jpg"

	require.True(t, env.gateway.Owns(env.gateway.PublicURL(key)))
	require.True(t, env.gateway.Owns("https://firebasestorage.googleapis.com/v0/b/"+testBucket+"/o/"+url.PathEscape(key)))
	require.False(t, env.gateway.Owns("https://storage.googleapis.com/another-bucket/"+key))
	require.False(t, env.gateway.Owns("https://images.example.com/a.jpg"))
	require.False(t, env.gateway.Owns(""))

	cfg := config.NewConfig().Storage
	cfg.Bucket = testBucket
	unavailable := storage.New(cfg)
	require.False(t, unavailable.IsAvailable())
	require.True(t, unavailable.Owns("https://storage.googleapis.com/"+testBucket+"/"+key), "configured bucket is known without a client")
}
