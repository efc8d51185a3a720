// Package id defines the TypeID identifiers of notifly's stored records.
//
// An ID renders as "prefix_suffix" where the suffix is a UUIDv7, so IDs of
// one kind sort by creation time. The zero ID is Nil and stores as NULL.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix names the record kind carried by an ID.
type Prefix string

// Record kinds.
const (
	PrefixRequest     Prefix = "req"
	PrefixOutbox      Prefix = "obx"
	PrefixDeliveryLog Prefix = "dlog"
	PrefixDLQ         Prefix = "dlq"
	PrefixTemplate    Prefix = "tpl"
)

// ID is a prefix-qualified TypeID.
//
//nolint:recvcheck // UnmarshalText and Scan need pointer receivers.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero ID.
var Nil ID

// New generates an ID of the given kind. It panics on a malformed prefix.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: generate %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

func NewRequestID() ID     { return New(PrefixRequest) }
func NewOutboxID() ID      { return New(PrefixOutbox) }
func NewDeliveryLogID() ID { return New(PrefixDeliveryLog) }
func NewDLQID() ID         { return New(PrefixDLQ) }
func NewTemplateID() ID    { return New(PrefixTemplate) }

// Parse decodes any TypeID string.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse: empty string")
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix decodes s and requires it to be of the given kind.
func ParseWithPrefix(s string, want Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if got := parsed.Prefix(); got != want {
		return Nil, fmt.Errorf("id: %q has prefix %q, want %q", s, got, want)
	}
	return parsed, nil
}

func ParseOutboxID(s string) (ID, error)      { return ParseWithPrefix(s, PrefixOutbox) }
func ParseDeliveryLogID(s string) (ID, error) { return ParseWithPrefix(s, PrefixDeliveryLog) }
func ParseDLQID(s string) (ID, error)         { return ParseWithPrefix(s, PrefixDLQ) }
func ParseTemplateID(s string) (ID, error)    { return ParseWithPrefix(s, PrefixTemplate) }

// String returns "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// Prefix returns the record kind, or "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

// IsNil reports whether i is the zero ID.
func (i ID) IsNil() bool { return !i.valid }

// MarshalText implements encoding.TextMarshaler. Nil encodes as "".
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. "" decodes as Nil.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Value implements driver.Valuer. Nil stores as NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // NULL
	}
	return i.inner.String(), nil
}

// Scan implements sql.Scanner for TEXT, BLOB and NULL columns.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T", src)
	}
}
