// Package mongo implements dlq.Store on MongoDB via Grove ORM, for
// deployments that keep dead letters in a document store next to a
// relational pipeline store.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/notifly/dlq"
)

// Collection name constants.
const (
	colDLQ = "notifly_dead_letters"
)

// Compile-time interface check.
var _ dlq.Store = (*DLQStore)(nil)

// DLQStore implements dlq.Store using MongoDB via Grove ORM.
type DLQStore struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// Open opens a grove database on the mongo driver. uri names the database
// in its path.
func Open(ctx context.Context, uri string) (*grove.DB, error) {
	drv := mongodriver.New()
	if err := drv.Open(ctx, uri); err != nil {
		return nil, fmt.Errorf("notifly/mongo: open: %w", err)
	}
	db, err := grove.Open(drv)
	if err != nil {
		return nil, fmt.Errorf("notifly/mongo: open: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("notifly/mongo: ping: %w", err)
	}
	return db, nil
}

// New creates a new MongoDB DLQ store backed by Grove ORM.
func New(db *grove.DB) *DLQStore {
	return &DLQStore{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *DLQStore) DB() *grove.DB { return s.db }

// Migrate creates the dead-letter indexes.
func (s *DLQStore) Migrate(ctx context.Context) error {
	_, err := s.mdb.Collection(colDLQ).Indexes().CreateMany(ctx, migrationIndexes())
	if err != nil {
		return fmt.Errorf("notifly/mongo: migrate %s indexes: %w", colDLQ, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *DLQStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *DLQStore) Close() error {
	return s.db.Close()
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the dead-letter index definitions. Entries without
// a request_id are excluded from the per-cycle uniqueness constraint.
func migrationIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "tenant_id", Value: 1},
				{Key: "request_id", Value: 1},
				{Key: "correlation_id", Value: 1},
			},
			Options: options.Index().
				SetName("uq_dead_letters_cycle").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"request_id": bson.M{"$exists": true}}),
		},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "failed_at", Value: -1}}},
		{Keys: bson.D{{Key: "failed_at", Value: 1}}},
	}
}
