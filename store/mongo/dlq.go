package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/xraph/notifly"
	"github.com/xraph/notifly/dlq"
	"github.com/xraph/notifly/id"
)

// PushDLQ inserts an entry and reports whether it was stored. A second entry
// for the same (tenant, requestId, correlationId) hits the unique index and
// is dropped.
func (s *DLQStore) PushDLQ(ctx context.Context, entry *dlq.Entry) (bool, error) {
	_, err := s.mdb.NewInsert(toDLQEntryModel(entry)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("notifly/mongo: push dlq: %w", err)
	}
	return true, nil
}

// ListDLQ returns entries newest first, optionally filtered.
func (s *DLQStore) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	var models []dlqEntryModel

	filter := bson.M{}
	if opts.TenantID != "" {
		filter["tenant_id"] = opts.TenantID
	}

	if opts.From != nil || opts.To != nil {
		dateFilter := bson.M{}
		if opts.From != nil {
			dateFilter["$gte"] = opts.From.UTC()
		}
		if opts.To != nil {
			dateFilter["$lte"] = opts.To.UTC()
		}
		filter["failed_at"] = dateFilter
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "failed_at", Value: -1}, {Key: "_id", Value: -1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("notifly/mongo: list dlq: %w", err)
	}

	result := make([]*dlq.Entry, 0, len(models))
	for i := range models {
		entry, err := fromDLQEntryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, nil
}

// GetDLQ returns an entry by ID.
func (s *DLQStore) GetDLQ(ctx context.Context, dlqID id.ID) (*dlq.Entry, error) {
	var m dlqEntryModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": dlqID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, notifly.ErrDLQNotFound
		}
		return nil, fmt.Errorf("notifly/mongo: get dlq: %w", err)
	}
	return fromDLQEntryModel(&m)
}

// CountDLQ returns the number of entries for tenantID, or all when empty.
func (s *DLQStore) CountDLQ(ctx context.Context, tenantID string) (int64, error) {
	filter := bson.M{}
	if tenantID != "" {
		filter["tenant_id"] = tenantID
	}
	count, err := s.mdb.NewFind((*dlqEntryModel)(nil)).
		Filter(filter).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("notifly/mongo: count dlq: %w", err)
	}
	return count, nil
}

// PurgeDLQ deletes entries that failed before the threshold.
func (s *DLQStore) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.mdb.NewDelete((*dlqEntryModel)(nil)).
		Many().
		Filter(bson.M{"failed_at": bson.M{"$lt": before.UTC()}}).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("notifly/mongo: purge dlq: %w", err)
	}
	return res.DeletedCount(), nil
}
