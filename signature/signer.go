// Package signature signs outbound push webhook payloads with HMAC-SHA256 and
// verifies them on the receiving side.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Header names set on signed requests.
const (
	HeaderSignature = "X-Notifly-Signature"
	HeaderTimestamp = "X-Notifly-Timestamp"
)

// Verification errors.
var (
	ErrMissingHeaders = errors.New("signature: missing signature headers")
	ErrStale          = errors.New("signature: timestamp outside tolerance")
	ErrMismatch       = errors.New("signature: mismatch")
)

// Sign computes "v1=<hex>" over "{timestamp}.{payload}".
func Sign(payload []byte, secret string, timestamp int64) string {
	content := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(content))
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig matches payload for secret and timestamp.
func Verify(payload []byte, secret string, timestamp int64, sig string) bool {
	return hmac.Equal([]byte(Sign(payload, secret, timestamp)), []byte(sig))
}

// VerifyHeaders checks header values produced by a signing sender. A zero
// tolerance skips the freshness check.
func VerifyHeaders(payload []byte, secret, sigHeader, tsHeader string, tolerance time.Duration, now time.Time) error {
	if sigHeader == "" || tsHeader == "" {
		return ErrMissingHeaders
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("signature: parse timestamp: %w", err)
	}
	if tolerance > 0 {
		skew := now.Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > tolerance {
			return ErrStale
		}
	}
	if !Verify(payload, secret, ts, sigHeader) {
		return ErrMismatch
	}
	return nil
}
