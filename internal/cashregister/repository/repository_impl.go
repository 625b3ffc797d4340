package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/fiskalwerk/rksv/internal/cashregister/domain"
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
		log: p.Log.Named("cashregister.repository"),
	}
}

func (r *Repository) Create(ctx context.Context, register *domain.CashRegister) error {
	if err := r.db.WithContext(ctx).Create(register).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.ErrAlreadyRegistered
		}
		return err
	}
	return nil
}

func (r *Repository) GetByRegisterID(ctx context.Context, cashRegisterID string) (domain.CashRegister, error) {
	var register domain.CashRegister
	err := r.db.WithContext(ctx).
		Where("cash_register_id = ?", cashRegisterID).
		First(&register).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.CashRegister{}, domain.ErrNotFound
		}
		return domain.CashRegister{}, err
	}
	return register, nil
}

func (r *Repository) List(ctx context.Context, organizationID snowflake.ID) ([]domain.CashRegister, error) {
	var registers []domain.CashRegister
	query := r.db.WithContext(ctx).Order("cash_register_id")
	if organizationID != 0 {
		query = query.Where("organization_id = ?", organizationID)
	}
	if err := query.Find(&registers).Error; err != nil {
		return nil, err
	}
	return registers, nil
}

func (r *Repository) ListByStatus(ctx context.Context, status domain.RegistrationStatus) ([]domain.CashRegister, error) {
	var registers []domain.CashRegister
	err := r.db.WithContext(ctx).
		Where("registration_status = ?", status).
		Order("cash_register_id").
		Find(&registers).Error
	if err != nil {
		return nil, err
	}
	return registers, nil
}

// UpdateStatus performs a guarded transition: the update is conditional on the
// current status so concurrent transitions cannot cross each other.
func (r *Repository) UpdateStatus(ctx context.Context, cashRegisterID string, from, to domain.RegistrationStatus) error {
	result := r.db.WithContext(ctx).
		Model(&domain.CashRegister{}).
		Where("cash_register_id = ? AND registration_status = ?", cashRegisterID, from).
		Update("registration_status", to)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var register domain.CashRegister
		err := r.db.WithContext(ctx).
			Where("cash_register_id = ?", cashRegisterID).
			First(&register).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		return domain.ErrInvalidTransition
	}
	return nil
}
