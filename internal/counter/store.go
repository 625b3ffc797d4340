package counter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fiskalwerk/rksv/internal/config"
	"github.com/fiskalwerk/rksv/internal/counter/domain"
	"github.com/fiskalwerk/rksv/internal/observability/metrics"
	"github.com/fiskalwerk/rksv/pkg/db"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Redis   *redis.Client `optional:"true"`
	Fiscal  *config.FiscalConfigHolder
	Metrics *metrics.Metrics `optional:"true"`
	Log     *zap.Logger
}

// Store keeps counter state in the database and mirrors it into a redis hot
// cache. The database row is the system of record; the cache is rebuilt from
// it on every miss, so losing redis never loses counters.
type Store struct {
	db      *gorm.DB
	redis   *redis.Client
	fiscal  *config.FiscalConfigHolder
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewStore(p Params) domain.Store {
	return &Store{
		db:      p.DB,
		redis:   p.Redis,
		fiscal:  p.Fiscal,
		metrics: p.Metrics,
		log:     p.Log.Named("counter.store"),
	}
}

func cacheKey(cashRegisterID string) string {
	return "rksv:counters:" + cashRegisterID
}

// Initialize creates the zero-valued counter row for a new register. All
// counters start at zero; the START receipt advances them to one during
// registration.
func (s *Store) Initialize(ctx context.Context, cashRegisterID string) error {
	record := domain.CounterRecord{
		CashRegisterID:  cashRegisterID,
		LastReceiptHash: "",
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.ErrAlreadyInitialized
		}
		return err
	}
	return nil
}

// Read returns the current counter state, preferring the hot cache. An
// absent register reads as the zero state, so a read racing the first
// Initialize sees the same default the row would hold. The zero state is
// never cached: only real rows populate the hot cache.
func (s *Store) Read(ctx context.Context, cashRegisterID string) (domain.State, error) {
	if state, ok := s.cacheGet(ctx, cashRegisterID); ok {
		return state, nil
	}

	var record domain.CounterRecord
	err := s.db.WithContext(ctx).
		Where("cash_register_id = ?", cashRegisterID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.State{}, nil
		}
		return domain.State{}, err
	}

	state := record.State()
	s.cacheSet(ctx, cashRegisterID, state)
	return state, nil
}

// CommitTx advances the counter row inside the caller's transaction. The
// update is conditional on the previous version: if another writer advanced
// the counters since they were read, no row matches and the commit fails with
// a version conflict instead of silently overwriting.
func (s *Store) CommitTx(ctx context.Context, tx *gorm.DB, cashRegisterID string, next domain.State) error {
	result := tx.WithContext(ctx).
		Model(&domain.CounterRecord{}).
		Where("cash_register_id = ? AND version = ?", cashRegisterID, next.Version-1).
		Updates(map[string]any{
			"receipt_counter":   next.ReceiptCounter,
			"signature_counter": next.SignatureCounter,
			"turnover_counter":  next.TurnoverCounter,
			"last_receipt_hash": next.LastReceiptHash,
			"version":           next.Version,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		s.metrics.RecordCounterConflict(ctx)
		s.log.Warn("counter version conflict",
			zap.String("cash_register_id", cashRegisterID),
			zap.Int64("attempted_version", next.Version),
		)
		return fmt.Errorf("%w: register %s version %d", domain.ErrVersionConflict, cashRegisterID, next.Version)
	}
	return nil
}

// Invalidate drops the cached state. Called after a successful transaction
// commit; the next Read rebuilds the cache from the database.
func (s *Store) Invalidate(ctx context.Context, cashRegisterID string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, cacheKey(cashRegisterID)).Err(); err != nil {
		s.log.Warn("counter cache invalidate failed",
			zap.String("cash_register_id", cashRegisterID),
			zap.Error(err),
		)
	}
}

func (s *Store) cacheGet(ctx context.Context, cashRegisterID string) (domain.State, bool) {
	if s.redis == nil {
		return domain.State{}, false
	}
	raw, err := s.redis.Get(ctx, cacheKey(cashRegisterID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("counter cache read failed", zap.Error(err))
		}
		return domain.State{}, false
	}
	var state domain.State
	if err := json.Unmarshal(raw, &state); err != nil {
		s.log.Warn("counter cache entry corrupt, dropping", zap.Error(err))
		_ = s.redis.Del(ctx, cacheKey(cashRegisterID)).Err()
		return domain.State{}, false
	}
	return state, true
}

func (s *Store) cacheSet(ctx context.Context, cashRegisterID string, state domain.State) {
	if s.redis == nil {
		return
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return
	}
	ttl := s.fiscal.Get().CounterCacheTTL
	if err := s.redis.Set(ctx, cacheKey(cashRegisterID), raw, ttl).Err(); err != nil {
		s.log.Warn("counter cache write failed", zap.Error(err))
	}
}
