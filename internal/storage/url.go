package storage

import (
	"fmt"
	"net/url"
	"strings"
)

// URLShape identifies one of the public URL forms produced by the store.
type URLShape int

const (
	// Unrecognized covers every URL that is not one of the known shapes,
	// including URLs on hosts the gateway does not own.
	Unrecognized URLShape = iota
	// PathStyle is https://<public-host>/<bucket>/<key>.
	PathStyle
	// ResourceStyle is https://<resource-host>/v0/b/<bucket>/o/<escaped key>?alt=media.
	ResourceStyle
)

func (s URLShape) String() string {
	switch s {
	case PathStyle:
		return "path"
	case ResourceStyle:
		return "resource"
	default:
		return "unrecognized"
	}
}

// ParseURLShape maps a configuration value to a shape. Only "path" and
// "resource" are accepted.
func ParseURLShape(s string) (URLShape, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "path":
		return PathStyle, nil
	case "resource":
		return ResourceStyle, nil
	default:
		return Unrecognized, fmt.Errorf("unknown url style %q", s)
	}
}

// ObjectRef is the result of parsing a public URL.
type ObjectRef struct {
	Shape  URLShape
	Bucket string
	Key    string
}

// URLFormat converts between storage keys and public URLs.
type URLFormat struct {
	Scheme       string
	PublicHost   string
	ResourceHost string
	Bucket       string
	Style        URLShape
}

// Format returns the public URL of key in f.Style.
func (f URLFormat) Format(key string) string {
	scheme := f.Scheme
	if scheme == "" {
		scheme = "https"
	}

	if f.Style == ResourceStyle {
		u := url.URL{
			Scheme:   scheme,
			Host:     f.ResourceHost,
			Path:     "/v0/b/" + f.Bucket + "/o/" + key,
			RawPath:  "/v0/b/" + url.PathEscape(f.Bucket) + "/o/" + url.PathEscape(key),
			RawQuery: "alt=media",
		}
		return u.String()
	}

	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	u := url.URL{
		Scheme:  scheme,
		Host:    f.PublicHost,
		Path:    "/" + f.Bucket + "/" + key,
		RawPath: "/" + url.PathEscape(f.Bucket) + "/" + strings.Join(segments, "/"),
	}
	return u.String()
}

// Parse classifies raw. Only URLs on the configured public or resource
// host are recognized. The returned key is unescaped. The bucket is
// reported as found in the URL and is not checked against f.Bucket.
func (f URLFormat) Parse(raw string) ObjectRef {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ObjectRef{}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ObjectRef{}
	}

	switch {
	case f.ResourceHost != "" && strings.EqualFold(u.Host, f.ResourceHost):
		return parseResourceStyle(u)
	case f.PublicHost != "" && strings.EqualFold(u.Host, f.PublicHost):
		return parsePathStyle(u)
	default:
		return ObjectRef{}
	}
}

// parseResourceStyle handles /v0/b/<bucket>/o/<escaped key>. When the
// object segment is missing, the "name" query parameter is used instead.
func parseResourceStyle(u *url.URL) ObjectRef {
	rest, ok := strings.CutPrefix(u.EscapedPath(), "/v0/b/")
	if !ok {
		return ObjectRef{}
	}

	rawBucket, tail, _ := strings.Cut(rest, "/")
	bucket, err := url.PathUnescape(rawBucket)
	if err != nil || bucket == "" {
		return ObjectRef{}
	}

	var key string
	switch {
	case tail == "o" || tail == "o/":
		key = u.Query().Get("name")
	case strings.HasPrefix(tail, "o/"):
		key, err = url.PathUnescape(tail[len("o/"):])
		if err != nil {
			return ObjectRef{}
		}
	}

	if key == "" {
		return ObjectRef{}
	}
	return ObjectRef{Shape: ResourceStyle, Bucket: bucket, Key: key}
}

// parsePathStyle handles /<bucket>/<key>.
func parsePathStyle(u *url.URL) ObjectRef {
	rawBucket, rawKey, ok := strings.Cut(strings.TrimPrefix(u.EscapedPath(), "/"), "/")
	if !ok {
		return ObjectRef{}
	}

	bucket, err := url.PathUnescape(rawBucket)
	if err != nil || bucket == "" {
		return ObjectRef{}
	}
	key, err := url.PathUnescape(rawKey)
	if err != nil || key == "" {
		return ObjectRef{}
	}
	return ObjectRef{Shape: PathStyle, Bucket: bucket, Key: key}
}
