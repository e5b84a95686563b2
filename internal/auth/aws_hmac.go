package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	AWSv4Prefix = "AWS4-HMAC-SHA256 "

	unsignedPayload   = "UNSIGNED-PAYLOAD"
	amzDateFormat     = "20060102T150405Z"
	maxPresignSeconds = 7 * 24 * 60 * 60
)

// AwsHmacAuthEngine verifies AWS Signature Version 4 headers. The local
// S3-compatible endpoint uses it to check that the object store client
// signs with the configured HMAC keys.
type AwsHmacAuthEngine struct {
	AccessKeyID     string
	SecretAccessKey string

	// Now is used to expire presigned requests. Defaults to time.Now.
	Now func() time.Time
}

// NewAwsHmacAuthEngine creates a new AwsHmacAuthEngine with the given access key ID
// and secret access key.
func NewAwsHmacAuthEngine(accessKeyID string, secretAccessKey string) *AwsHmacAuthEngine {
	return &AwsHmacAuthEngine{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
	}
}

func awsURLEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		if c == '/' && !encodeSlash {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

func canonicalQueryString(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}

	values := u.Query()
	values.Del("X-Amz-Signature")
	var parts []string
	for _, k := range slices.Sorted(maps.Keys(values)) {
		vs := slices.Clone(values[k])
		slices.Sort(vs)
		for _, v := range vs {
			parts = append(parts, awsURLEncode(k, true)+"="+awsURLEncode(v, true))
		}
	}

	return strings.Join(parts, "&")
}

func canonicalHeaderValue(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

// BuildCanonicalRequest renders r as the canonical request of SigV4. The
// path is encoded from its decoded form, the way S3 clients sign it.
func BuildCanonicalRequest(r *http.Request, signedHeaderNames []string, payloadHash string) string {
	canonicalURI := awsURLEncode(r.URL.Path, false)
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	lowerNames := make([]string, 0, len(signedHeaderNames))
	for _, h := range signedHeaderNames {
		if name := strings.ToLower(strings.TrimSpace(h)); name != "" {
			lowerNames = append(lowerNames, name)
		}
	}

	var hdrBuilder strings.Builder
	for _, name := range lowerNames {
		var value string
		if name == "host" {
			value = r.Host
			if value == "" {
				value = r.URL.Host
			}
		} else {
			value = strings.Join(r.Header.Values(name), ",")
		}
		hdrBuilder.WriteString(name)
		hdrBuilder.WriteString(":")
		hdrBuilder.WriteString(canonicalHeaderValue(value))
		hdrBuilder.WriteString("\n")
	}

	return strings.Join([]string{
		r.Method,
		canonicalURI,
		canonicalQueryString(r.URL),
		hdrBuilder.String(),
		strings.Join(lowerNames, ";"),
		payloadHash,
	}, "\n")
}

func HmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// SigningKey derives the SigV4 signing key for a date, region and service.
func SigningKey(secret string, dateStamp string, region string, service string) []byte {
	kDate := HmacSHA256([]byte("AWS4"+secret), dateStamp)
	kRegion := HmacSHA256(kDate, region)
	kService := HmacSHA256(kRegion, service)
	return HmacSHA256(kService, "aws4_request")
}

// sigV4Request holds the signature fields of a request, taken either from
// the Authorization header or from a presigned query string.
type sigV4Request struct {
	credential    string
	signedHeaders string
	signature     string
	amzDate       string
	payloadHash   string
	presigned     bool
}

func headerSignature(r *http.Request) (sigV4Request, bool) {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, AWSv4Prefix) {
		return sigV4Request{}, false
	}

	kv := make(map[string]string)
	for p := range strings.SplitSeq(strings.TrimSpace(strings.TrimPrefix(authz, AWSv4Prefix)), ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || k == "" {
			continue
		}
		kv[k] = strings.TrimSpace(v)
	}

	return sigV4Request{
		credential:    kv["Credential"],
		signedHeaders: kv["SignedHeaders"],
		signature:     kv["Signature"],
		amzDate:       r.Header.Get("X-Amz-Date"),
		payloadHash:   r.Header.Get("X-Amz-Content-Sha256"),
	}, true
}

func querySignature(r *http.Request) (sigV4Request, bool) {
	q := r.URL.Query()
	if q.Get("X-Amz-Algorithm") != strings.TrimSpace(AWSv4Prefix) {
		return sigV4Request{}, false
	}
	return sigV4Request{
		credential:    q.Get("X-Amz-Credential"),
		signedHeaders: q.Get("X-Amz-SignedHeaders"),
		signature:     q.Get("X-Amz-Signature"),
		amzDate:       q.Get("X-Amz-Date"),
		payloadHash:   unsignedPayload,
		presigned:     true,
	}, true
}

// checkExpiry rejects presigned requests used after X-Amz-Expires seconds.
func checkExpiry(r *http.Request, amzDate string, now time.Time) error {
	signedAt, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return ErrInvalidCredentials
	}
	seconds, err := strconv.Atoi(r.URL.Query().Get("X-Amz-Expires"))
	if err != nil || seconds <= 0 || seconds > maxPresignSeconds {
		return ErrInvalidCredentials
	}
	if now.After(signedAt.Add(time.Duration(seconds) * time.Second)) {
		return fmt.Errorf("%w: presigned request expired", ErrInvalidCredentials)
	}
	return nil
}

// AuthenticateRequest checks a SigV4 signature carried by the Authorization
// header or by a presigned query string. Requests with neither are ignored;
// malformed, expired or mismatching signatures are reported as errors.
func (e *AwsHmacAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	sig, ok := headerSignature(r)
	if !ok {
		if sig, ok = querySignature(r); !ok {
			return nil, nil
		}
	}

	if sig.credential == "" || sig.signedHeaders == "" || sig.signature == "" {
		return nil, ErrInvalidCredentials
	}

	credParts := strings.Split(sig.credential, "/")
	if len(credParts) != 5 {
		return nil, ErrInvalidCredentials
	}
	accessKeyID := credParts[0]
	dateStamp := credParts[1]
	region := credParts[2]
	service := credParts[3]
	term := credParts[4]

	if term != "aws4_request" || region == "" || service == "" {
		return nil, ErrInvalidCredentials
	}
	if accessKeyID != e.AccessKeyID {
		return nil, ErrInvalidCredentials
	}
	if sig.amzDate == "" || sig.payloadHash == "" {
		return nil, ErrInvalidCredentials
	}
	if sig.presigned {
		now := time.Now
		if e.Now != nil {
			now = e.Now
		}
		if err := checkExpiry(r, sig.amzDate, now()); err != nil {
			return nil, err
		}
	}

	canonicalReq := BuildCanonicalRequest(r, strings.Split(sig.signedHeaders, ";"), sig.payloadHash)
	crHash := sha256.Sum256([]byte(canonicalReq))

	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		sig.amzDate,
		strings.Join([]string{dateStamp, region, service, "aws4_request"}, "/"),
		hex.EncodeToString(crHash[:]),
	}, "\n")

	computedSignature := HmacSHA256(SigningKey(e.SecretAccessKey, dateStamp, region, service), stringToSign)

	decodedSignature, err := hex.DecodeString(sig.signature)
	if err != nil || !hmac.Equal(computedSignature, decodedSignature) {
		return nil, ErrSignatureMismatch
	}

	return &User{
		Name:   accessKeyID,
		Method: MethodAWSv4,
	}, nil
}
