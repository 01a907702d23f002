package provider

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/nivara-ai/museflow/internal/apierr"
	"github.com/nivara-ai/museflow/internal/logging"
	"github.com/rs/zerolog"
)

// Uploader converts inline data URIs into fetchable URLs for vendors that
// refuse inline payloads. Conversions are cached by content hash for the
// process lifetime, so resubmitting the same bytes does not re-upload.
type Uploader struct {
	caller   *Caller
	endpoint string
	log      zerolog.Logger
	mu       sync.Mutex
	byHash   map[string]string
}

// NewUploader creates an uploader posting to the given endpoint. An empty
// endpoint disables conversion; EnsureURL then reports a validation error
// for data URIs.
func NewUploader(caller *Caller, endpoint string) *Uploader {
	return &Uploader{
		caller:   caller,
		endpoint: endpoint,
		log:      logging.NewLogger("uploader"),
		byHash:   make(map[string]string),
	}
}

// EnsureURL returns ref unchanged when it is already fetchable, otherwise
// uploads the decoded data URI and returns the hosted URL
func (u *Uploader) EnsureURL(ctx context.Context, ref string) (string, error) {
	if isHTTPURL(ref) {
		return ref, nil
	}
	contentType, data, err := decodeDataURI(ref)
	if err != nil {
		return "", apierr.NewValidationError("reference image is neither a URL nor a data URI", err.Error())
	}
	if u.endpoint == "" {
		return "", apierr.NewValidationError("inline reference images are not supported without an upload endpoint", nil)
	}

	hash := sha256.Sum256(data)
	key := hex.EncodeToString(hash[:])

	u.mu.Lock()
	cached, hit := u.byHash[key]
	u.mu.Unlock()
	if hit {
		return cached, nil
	}

	payload := map[string]any{
		"content_type": contentType,
		"data":         base64.StdEncoding.EncodeToString(data),
	}
	resp, err := u.caller.PostJSON(ctx, "upload", u.endpoint, nil, payload)
	if err != nil {
		return "", err
	}
	url, _ := resp["url"].(string)
	if !isHTTPURL(url) {
		return "", apierr.NewProviderFailed("upload", fmt.Sprintf("upload response carried no URL: %v", resp))
	}

	u.mu.Lock()
	u.byHash[key] = url
	u.mu.Unlock()

	u.log.Debug().Str("hash", key[:12]).Str("url", url).Msg("Reference image uploaded")
	return url, nil
}

// decodeDataURI splits "data:<type>;base64,<payload>" into its parts
func decodeDataURI(uri string) (contentType string, data []byte, err error) {
	if !strings.HasPrefix(uri, "data:") {
		return "", nil, fmt.Errorf("not a data URI")
	}
	rest := uri[len("data:"):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return "", nil, fmt.Errorf("malformed data URI")
	}
	meta := rest[:comma]
	payload := rest[comma+1:]

	contentType = meta
	if semi := strings.IndexByte(meta, ';'); semi >= 0 {
		contentType = meta[:semi]
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if strings.Contains(meta, "base64") {
		data, err = base64.StdEncoding.DecodeString(payload)
	} else {
		data = []byte(payload)
	}
	if err != nil {
		return "", nil, fmt.Errorf("malformed data URI payload: %w", err)
	}
	return contentType, data, nil
}
