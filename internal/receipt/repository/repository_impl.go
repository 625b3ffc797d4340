package repository

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/fiskalwerk/rksv/internal/receipt/domain"
	"github.com/fiskalwerk/rksv/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Repository struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewRepository(p Params) domain.Repository {
	return &Repository{
		db:  p.DB,
		log: p.Log.Named("receipt.repository"),
	}
}

// AppendTx inserts a signed receipt inside the caller's transaction. The
// history is append-only: there is no update or delete path.
func (r *Repository) AppendTx(ctx context.Context, tx *gorm.DB, receipt *domain.SignedReceipt) error {
	if err := tx.WithContext(ctx).Create(receipt).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.ErrDuplicateNumber
		}
		return err
	}
	return nil
}

func (r *Repository) GetByPublicID(ctx context.Context, publicID string) (domain.SignedReceipt, error) {
	var receipt domain.SignedReceipt
	err := r.db.WithContext(ctx).
		Where("public_id = ?", publicID).
		First(&receipt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.SignedReceipt{}, domain.ErrReceiptNotFound
		}
		return domain.SignedReceipt{}, err
	}
	return receipt, nil
}

func (r *Repository) GetByNumber(ctx context.Context, cashRegisterID string, receiptNumber int64) (domain.SignedReceipt, error) {
	var receipt domain.SignedReceipt
	err := r.db.WithContext(ctx).
		Where("cash_register_id = ? AND receipt_number = ?", cashRegisterID, receiptNumber).
		First(&receipt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.SignedReceipt{}, domain.ErrReceiptNotFound
		}
		return domain.SignedReceipt{}, err
	}
	return receipt, nil
}

func (r *Repository) GetByIdempotencyKey(ctx context.Context, cashRegisterID, key string) (domain.SignedReceipt, bool, error) {
	var receipt domain.SignedReceipt
	err := r.db.WithContext(ctx).
		Where("cash_register_id = ? AND idempotency_key = ?", cashRegisterID, key).
		First(&receipt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.SignedReceipt{}, false, nil
		}
		return domain.SignedReceipt{}, false, err
	}
	return receipt, true, nil
}

func (r *Repository) List(ctx context.Context, cashRegisterID string, limit, offset int) ([]domain.SignedReceipt, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var receipts []domain.SignedReceipt
	err := r.db.WithContext(ctx).
		Where("cash_register_id = ?", cashRegisterID).
		Order("receipt_number").
		Limit(limit).
		Offset(offset).
		Find(&receipts).Error
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

func (r *Repository) ListPeriod(ctx context.Context, cashRegisterID string, from, to time.Time) ([]domain.SignedReceipt, error) {
	var receipts []domain.SignedReceipt
	err := r.db.WithContext(ctx).
		Where("cash_register_id = ? AND receipt_time >= ? AND receipt_time < ?", cashRegisterID, from, to).
		Order("receipt_number").
		Find(&receipts).Error
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// AggregatePeriod computes closing totals over a period. Training and null
// receipts never contribute to turnover, matching the turnover counter rules.
func (r *Repository) AggregatePeriod(ctx context.Context, cashRegisterID string, from, to time.Time) (domain.PeriodTotals, error) {
	receipts, err := r.ListPeriod(ctx, cashRegisterID, from, to)
	if err != nil {
		return domain.PeriodTotals{}, err
	}

	totals := domain.PeriodTotals{ReceiptCount: int64(len(receipts))}
	buckets := map[int64]*domain.VatBucket{}
	rates := []int64{}

	for _, receipt := range receipts {
		if receipt.TrainingMode || receipt.ReceiptType == domain.TypeTraining {
			continue
		}
		switch receipt.ReceiptType {
		case domain.TypeStandard, domain.TypeVoid:
		default:
			continue
		}
		totals.Turnover += receipt.TotalAmount

		var breakdown []domain.VatBucket
		if len(receipt.VatBreakdown) > 0 {
			if err := json.Unmarshal(receipt.VatBreakdown, &breakdown); err != nil {
				return domain.PeriodTotals{}, err
			}
		}
		for _, b := range breakdown {
			bucket, ok := buckets[b.Rate]
			if !ok {
				bucket = &domain.VatBucket{Rate: b.Rate}
				buckets[b.Rate] = bucket
				rates = append(rates, b.Rate)
			}
			bucket.NetAmount += b.NetAmount
			bucket.VatAmount += b.VatAmount
			bucket.GrossAmount += b.GrossAmount
		}
	}

	sort.Slice(rates, func(i, j int) bool { return rates[i] < rates[j] })
	for _, rate := range rates {
		totals.VatBreakdown = append(totals.VatBreakdown, *buckets[rate])
	}
	return totals, nil
}

// IdleSince lists registers whose most recent receipt predates the cutoff.
func (r *Repository) IdleSince(ctx context.Context, cutoff time.Time) ([]domain.IdleRegister, error) {
	var idle []domain.IdleRegister
	err := r.db.WithContext(ctx).
		Model(&domain.SignedReceipt{}).
		Select("cash_register_id, MAX(receipt_time) AS last_receipt_at").
		Group("cash_register_id").
		Having("MAX(receipt_time) < ?", cutoff).
		Scan(&idle).Error
	if err != nil {
		return nil, err
	}
	return idle, nil
}
