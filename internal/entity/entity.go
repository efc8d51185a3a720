// Package entity defines the base entity type for persisted notifly objects.
package entity

import "time"

// Entity is the base type embedded by persisted domain objects.
type Entity struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New returns an Entity with both timestamps set to the current UTC time.
func New() Entity {
	return At(time.Now())
}

// At returns an Entity stamped with t, normalized to UTC.
func At(t time.Time) Entity {
	t = t.UTC()
	return Entity{CreatedAt: t, UpdatedAt: t}
}
