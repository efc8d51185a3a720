package signature_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/xraph/notifly/signature"
)

func TestSignKnownVector(t *testing.T) {
	payload := []byte(`{"recipient":"device-token"}`)
	secret := "pushsec_testsecret123"
	timestamp := int64(1700000000)

	got := signature.Sign(payload, secret, timestamp)

	content := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(content))
	expected := "v1=" + hex.EncodeToString(mac.Sum(nil))

	if got != expected {
		t.Errorf("Sign() = %q, want %q", got, expected)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	sig := signature.Sign([]byte(`{"a":1}`), "secret", 42)
	if signature.Verify([]byte(`{"a":2}`), "secret", 42, sig) {
		t.Fatal("tampered payload verified")
	}
	if signature.Verify([]byte(`{"a":1}`), "other", 42, sig) {
		t.Fatal("wrong secret verified")
	}
}

func TestVerifyHeaders(t *testing.T) {
	now := time.Unix(1700000000, 0)
	payload := []byte(`{"content":"hi"}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := signature.Sign(payload, "secret", now.Unix())

	if err := signature.VerifyHeaders(payload, "secret", sig, ts, time.Minute, now.Add(30*time.Second)); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	if err := signature.VerifyHeaders(payload, "secret", sig, ts, time.Minute, now.Add(2*time.Minute)); !errors.Is(err, signature.ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	if err := signature.VerifyHeaders(payload, "secret", "", ts, 0, now); !errors.Is(err, signature.ErrMissingHeaders) {
		t.Fatalf("expected ErrMissingHeaders, got %v", err)
	}
	if err := signature.VerifyHeaders(payload, "secret", "v1=00", ts, 0, now); !errors.Is(err, signature.ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
}
