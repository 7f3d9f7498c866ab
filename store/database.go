package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ScoredEntry represents one (bucket, value, score) row.
type ScoredEntry struct {
	Bucket string `gorm:"primaryKey"`
	Value  string `gorm:"primaryKey"`
	Score  int64  `gorm:"index"`
}

// BucketExpiry tracks a bucket's own absolute expiration, emulating
// the native key TTL that Redis provides.
type BucketExpiry struct {
	Bucket    string    `gorm:"primaryKey"`
	ExpiresAt time.Time `gorm:"index"`
}

// DatabaseStore implements Store on a SQL database through gorm, for
// deployments without Redis. Buckets are rows sharing a bucket name;
// reads treat buckets past their expiry as absent, and CleanupExpired
// reclaims their rows.
type DatabaseStore struct {
	db *gorm.DB
}

// NewDatabaseStore connects to Postgres and migrates the schema.
func NewDatabaseStore(dsn string) (*DatabaseStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return newDatabaseStore(db)
}

// NewDatabaseStoreWithDialector opens the store on any gorm dialector,
// e.g. an in-memory SQLite database for tests.
func NewDatabaseStoreWithDialector(dialector gorm.Dialector) (*DatabaseStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return newDatabaseStore(db)
}

func newDatabaseStore(db *gorm.DB) (*DatabaseStore, error) {
	// Auto-create tables if needed
	if err := db.AutoMigrate(&ScoredEntry{}, &BucketExpiry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &DatabaseStore{db: db}, nil
}

// Batch and TxBatch both run inside one transaction; SQL gives the
// same atomicity to reads and writes here.
func (ds *DatabaseStore) Batch() Batch   { return &databaseBatch{store: ds} }
func (ds *DatabaseStore) TxBatch() Batch { return &databaseBatch{store: ds} }

// CleanupExpired removes all rows of buckets whose absolute expiration
// has passed. The batch operations never call this; it exists for
// periodic housekeeping jobs, since SQL has no native key TTL.
func (ds *DatabaseStore) CleanupExpired() error {
	return ds.db.Transaction(func(tx *gorm.DB) error {
		var expired []BucketExpiry
		if err := tx.Where("expires_at <= ?", time.Now()).Find(&expired).Error; err != nil {
			return err
		}
		for _, e := range expired {
			if err := tx.Delete(&ScoredEntry{}, "bucket = ?", e.Bucket).Error; err != nil {
				return err
			}
			if err := tx.Delete(&BucketExpiry{}, "bucket = ?", e.Bucket).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the database connection.
func (ds *DatabaseStore) Close() error {
	sqlDB, err := ds.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type databaseOp func(tx *gorm.DB, now time.Time) error

type databaseBatch struct {
	store *DatabaseStore
	ops   []databaseOp
}

func (b *databaseBatch) AddScored(bucket string, values ...ScoredValue) {
	// All rows go out in one upsert statement, and Postgres rejects an
	// ON CONFLICT DO UPDATE that touches the same row twice. Collapse
	// duplicated values to their last score, the same refresh result a
	// sorted set produces.
	index := make(map[string]int, len(values))
	rows := make([]ScoredEntry, 0, len(values))
	for _, v := range values {
		if i, ok := index[v.Value]; ok {
			rows[i].Score = v.Score
			continue
		}
		index[v.Value] = len(rows)
		rows = append(rows, ScoredEntry{Bucket: bucket, Value: v.Value, Score: v.Score})
	}
	b.ops = append(b.ops, func(tx *gorm.DB, now time.Time) error {
		if len(rows) == 0 {
			return nil
		}
		// Upsert: re-adding a value refreshes its score.
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bucket"}, {Name: "value"}},
			DoUpdates: clause.AssignmentColumns([]string{"score"}),
		}).Create(&rows).Error
	})
}

func (b *databaseBatch) RemoveScoredBelow(bucket string, cutoff int64) {
	b.ops = append(b.ops, func(tx *gorm.DB, now time.Time) error {
		return tx.Delete(&ScoredEntry{}, "bucket = ? AND score < ?", bucket, cutoff).Error
	})
}

func (b *databaseBatch) RangeFrom(bucket string, min int64) *RangeCmd {
	out := &RangeCmd{}
	b.ops = append(b.ops, func(tx *gorm.DB, now time.Time) error {
		var expiries []BucketExpiry
		if err := tx.Where("bucket = ?", bucket).Limit(1).Find(&expiries).Error; err != nil {
			return err
		}
		if len(expiries) == 1 && !expiries[0].ExpiresAt.After(now) {
			// Bucket past its deadline reads as absent.
			return nil
		}

		var values []string
		err := tx.Model(&ScoredEntry{}).
			Where("bucket = ? AND score >= ?", bucket, min).
			Order("score asc, value asc").
			Pluck("value", &values).Error
		if err != nil {
			return err
		}
		out.values = values
		return nil
	})
	return out
}

func (b *databaseBatch) ExpireAt(bucket string, at time.Time) {
	b.ops = append(b.ops, func(tx *gorm.DB, now time.Time) error {
		// A bucket with no entries is left alone, matching the
		// contract and the EXPIREAT no-op on a missing key.
		var count int64
		if err := tx.Model(&ScoredEntry{}).Where("bucket = ?", bucket).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bucket"}},
			DoUpdates: clause.AssignmentColumns([]string{"expires_at"}),
		}).Create(&BucketExpiry{Bucket: bucket, ExpiresAt: at}).Error
	})
}

func (b *databaseBatch) Delete(buckets ...string) {
	names := append([]string(nil), buckets...)
	b.ops = append(b.ops, func(tx *gorm.DB, now time.Time) error {
		if len(names) == 0 {
			return nil
		}
		if err := tx.Delete(&ScoredEntry{}, "bucket IN ?", names).Error; err != nil {
			return err
		}
		return tx.Delete(&BucketExpiry{}, "bucket IN ?", names).Error
	})
}

func (b *databaseBatch) Exec(ctx context.Context) error {
	ops := b.ops
	b.ops = nil
	err := b.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		for _, op := range ops {
			if err := op(tx, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("database batch failed: %w", err)
	}
	return nil
}
