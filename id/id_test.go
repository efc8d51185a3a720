package id_test

import (
	"strings"
	"testing"

	"github.com/xraph/notifly/id"
)

func TestNewCarriesPrefix(t *testing.T) {
	cases := map[id.Prefix]func() id.ID{
		id.PrefixRequest:     id.NewRequestID,
		id.PrefixOutbox:      id.NewOutboxID,
		id.PrefixDeliveryLog: id.NewDeliveryLogID,
		id.PrefixDLQ:         id.NewDLQID,
		id.PrefixTemplate:    id.NewTemplateID,
	}
	for prefix, gen := range cases {
		got := gen()
		if got.Prefix() != prefix {
			t.Fatalf("expected prefix %q, got %q", prefix, got.Prefix())
		}
		if !strings.HasPrefix(got.String(), string(prefix)+"_") {
			t.Fatalf("unexpected string form %q", got.String())
		}
	}
}

func TestParseWithPrefixRejectsMismatch(t *testing.T) {
	dlqID := id.NewDLQID()
	if _, err := id.ParseOutboxID(dlqID.String()); err == nil {
		t.Fatal("expected prefix mismatch error")
	}
	parsed, err := id.ParseDLQID(dlqID.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.String() != dlqID.String() {
		t.Fatalf("round trip mismatch: %s != %s", parsed, dlqID)
	}
}

func TestScanAndValue(t *testing.T) {
	orig := id.NewOutboxID()
	v, err := orig.Value()
	if err != nil {
		t.Fatal(err)
	}

	var scanned id.ID
	if err := scanned.Scan(v); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if scanned.String() != orig.String() {
		t.Fatalf("expected %s, got %s", orig, scanned)
	}

	var empty id.ID
	if err := empty.Scan(nil); err != nil {
		t.Fatal(err)
	}
	if !empty.IsNil() {
		t.Fatal("expected Nil after scanning NULL")
	}
	if v, _ := empty.Value(); v != nil {
		t.Fatalf("expected nil driver value, got %v", v)
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Fatal("expected error for empty string")
	}
}
