package stores

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type contextKey string

const TxKey contextKey = "tx"

var ErrNotFound = errors.New("record not found")

type BaseStore struct {
	db    *gorm.DB
	clock func() time.Time
}

func (s *BaseStore) GetDB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(TxKey).(*gorm.DB); ok {
		return tx
	}
	return s.db.WithContext(ctx)
}

// WithTransaction runs fn inside a transaction. Nested calls join the
// outer transaction carried by ctx.
func (s *BaseStore) WithTransaction(ctx context.Context, fn func(context.Context) error) error {
	if _, ok := ctx.Value(TxKey).(*gorm.DB); ok {
		return fn(ctx)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txCtx := context.WithValue(ctx, TxKey, tx)
		return fn(txCtx)
	})
}

func (s *BaseStore) SetClock(clock func() time.Time) {
	s.clock = clock
}

func (s *BaseStore) now() time.Time {
	if s.clock != nil {
		return s.clock().UTC()
	}
	return time.Now().UTC()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
