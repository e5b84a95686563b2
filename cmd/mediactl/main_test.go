package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dh2ocol/internal/storage"
	"dh2ocol/internal/storage/fakes3"

	"github.com/stretchr/testify/require"
)

const testBucket = "mediactl-bucket"

func newTestGateway(t *testing.T) (*fakes3.Server, *storage.Gateway) {
	t.Helper()

	fake := fakes3.New("auto", testBucket)
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	store, err := storage.NewMinioStore(storage.MinioOptions{
		Endpoint:  u.Host,
		Region:    "auto",
		AccessKey: "key",
		SecretKey: "secret",
		Bucket:    testBucket,
	})
	require.NoError(t, err)

	return fake, storage.NewGateway(store, storage.GatewayOptions{
		URLs: storage.URLFormat{Scheme: "https", PublicHost: "storage.googleapis.com", Bucket: testBucket},
	})
}

func TestUploadListDelete(t *testing.T) {
	t.Parallel()

	fake, gw := newTestGateway(t)
	ctx := t.Context()

	path := filepath.Join(t.TempDir(), "Ficha Técnica.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4\n%%EOF\n"), 0o600))

	var out bytes.Buffer
	require.NoError(t, Run(ctx, gw, &out, []string{"upload", "-folder", "documentos", path}))

	var obj storage.StoredObject
	require.NoError(t, json.Unmarshal(out.Bytes(), &obj))
	require.True(t, strings.HasPrefix(obj.Key, "documentos/Ficha_Tecnica_"), obj.Key)
	require.Equal(t, []string{obj.Key}, fake.Keys(testBucket))

	out.Reset()
	require.NoError(t, Run(ctx, gw, &out, []string{"list", "-folder", "documentos"}))
	var listed []storage.ListedObject
	require.NoError(t, json.Unmarshal(out.Bytes(), &listed))
	require.Len(t, listed, 1)
	require.Equal(t, obj.URL, listed[0].URL)

	out.Reset()
	require.NoError(t, Run(ctx, gw, &out, []string{"exists", obj.URL}))
	require.Equal(t, "true\n", out.String())

	out.Reset()
	require.NoError(t, Run(ctx, gw, &out, []string{"sign", "-expires", "5m", obj.Key}))
	require.Contains(t, out.String(), "X-Amz-Expires=300")

	out.Reset()
	require.NoError(t, Run(ctx, gw, &out, []string{"delete", obj.URL}))
	require.Empty(t, fake.Keys(testBucket))

	require.Error(t, Run(ctx, gw, &out, []string{"delete", "https://example.com/other/x.pdf"}))
}

func TestRunUsageErrors(t *testing.T) {
	t.Parallel()

	_, gw := newTestGateway(t)
	var out bytes.Buffer

	require.ErrorIs(t, Run(t.Context(), gw, &out, nil), errUsage)
	require.ErrorIs(t, Run(t.Context(), gw, &out, []string{"frobnicate"}), errUsage)
	require.ErrorIs(t, Run(t.Context(), gw, &out, []string{"upload"}), errUsage)
	require.ErrorIs(t, Run(t.Context(), gw, &out, []string{"delete"}), errUsage)

	unavailable := storage.NewGateway(nil, storage.GatewayOptions{})
	require.ErrorIs(t, Run(t.Context(), unavailable, &out, []string{"list"}), storage.ErrUnavailable)
}
