package redis

import (
	"testing"
	"time"
)

func TestParseSlide(t *testing.T) {
	res, err := parseSlide([]any{int64(1), int64(3), "1700000000123"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || res.Count != 3 || !res.Oldest.Equal(time.UnixMilli(1700000000123)) {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = parseSlide([]any{int64(0), int64(0), "0"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || !res.Oldest.IsZero() {
		t.Fatalf("expected empty rejected window, got %+v", res)
	}
}

func TestParseSlideRejectsMalformedReply(t *testing.T) {
	cases := [][]any{
		nil,
		{int64(1), int64(1)},
		{"1", int64(1), "0"},
		{int64(1), int64(1), "abc"},
	}
	for _, raw := range cases {
		if _, err := parseSlide(raw); err == nil {
			t.Fatalf("expected error for %v", raw)
		}
	}
}
