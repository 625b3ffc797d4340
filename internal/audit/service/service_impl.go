package service

import (
	"context"
	"encoding/json"

	"github.com/bwmarrin/snowflake"
	"github.com/fiskalwerk/rksv/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Node *snowflake.Node
	Log  *zap.Logger
}

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	log  *zap.Logger
}

func NewService(p Params) domain.Recorder {
	return &Service{
		db:   p.DB,
		node: p.Node,
		log:  p.Log.Named("audit.service"),
	}
}

// Record writes one audit entry. Errors are swallowed after logging so a
// broken audit sink cannot block signing.
func (s *Service) Record(ctx context.Context, entry domain.Entry) {
	detail := entry.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		s.log.Error("audit detail not serializable", zap.Error(err))
		raw = []byte("{}")
	}

	record := domain.AuditLog{
		ID:             s.node.Generate(),
		CashRegisterID: entry.CashRegisterID,
		Action:         entry.Action,
		Outcome:        entry.Outcome,
		ReceiptType:    entry.ReceiptType,
		ReceiptNumber:  entry.ReceiptNumber,
		Detail:         raw,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.log.Error("audit write failed",
			zap.String("cash_register_id", entry.CashRegisterID),
			zap.String("action", string(entry.Action)),
			zap.Error(err),
		)
	}
}

func (s *Service) List(ctx context.Context, cashRegisterID string, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []domain.AuditLog
	err := s.db.WithContext(ctx).
		Where("cash_register_id = ?", cashRegisterID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
