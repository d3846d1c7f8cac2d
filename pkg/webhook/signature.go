package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Signed deliveries carry these headers
const (
	headerID        = "webhook-id"
	headerTimestamp = "webhook-timestamp"
	headerSignature = "webhook-signature"
)

var errBadSignature = errors.New("invalid webhook signature")

// decodeSecret strips the whsec_ prefix and decodes the base64 key
func decodeSecret(secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, "whsec_"))
	if err != nil {
		return nil, fmt.Errorf("invalid webhook secret: %w", err)
	}
	return key, nil
}

// sign computes the base64 HMAC-SHA256 of "id.timestamp.body"
func sign(key []byte, id, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(id))
	h.Write([]byte{'.'})
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write(body)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// verifySignature checks the signature headers of a delivery. The signature
// header may list several space-separated "v1,<sig>" entries; any match passes.
func verifySignature(key []byte, header http.Header, body []byte, tolerance time.Duration, now time.Time) error {
	id := header.Get(headerID)
	ts := header.Get(headerTimestamp)
	sigs := header.Get(headerSignature)
	if id == "" || ts == "" || sigs == "" {
		return fmt.Errorf("%w: missing headers", errBadSignature)
	}

	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", errBadSignature)
	}
	sent := time.Unix(secs, 0)
	if now.Sub(sent) > tolerance || sent.Sub(now) > tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", errBadSignature)
	}

	expected := []byte(sign(key, id, ts, body))
	for _, entry := range strings.Fields(sigs) {
		version, sig, ok := strings.Cut(entry, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), expected) {
			return nil
		}
	}
	return errBadSignature
}
