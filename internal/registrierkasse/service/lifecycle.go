package service

import (
	"context"
	"fmt"

	auditdomain "github.com/fiskalwerk/rksv/internal/audit/domain"
	registerdomain "github.com/fiskalwerk/rksv/internal/cashregister/domain"
	"go.uber.org/zap"
)

// Deactivate suspends signing. The counters and receipt history stay in
// place; reactivation resumes the chain where it stopped.
func (s *Service) Deactivate(ctx context.Context, cashRegisterID string) error {
	return s.transition(ctx, cashRegisterID, registerdomain.StatusInactive)
}

// Reactivate resumes signing for an inactive or failed register.
func (s *Service) Reactivate(ctx context.Context, cashRegisterID string) error {
	return s.transition(ctx, cashRegisterID, registerdomain.StatusActive)
}

// Deregister retires the register permanently. The receipt history remains
// queryable and exportable for the statutory retention period.
func (s *Service) Deregister(ctx context.Context, cashRegisterID string) error {
	return s.transition(ctx, cashRegisterID, registerdomain.StatusDeregistered)
}

func (s *Service) transition(ctx context.Context, cashRegisterID string, to registerdomain.RegistrationStatus) error {
	register, err := s.registers.GetByRegisterID(ctx, cashRegisterID)
	if err != nil {
		return err
	}
	from := register.RegistrationStatus
	if !registerdomain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", registerdomain.ErrInvalidTransition, from, to)
	}
	if err := s.registers.UpdateStatus(ctx, cashRegisterID, from, to); err != nil {
		return err
	}

	s.audit.Record(ctx, auditdomain.Entry{
		CashRegisterID: cashRegisterID,
		Action:         auditdomain.ActionStatusChange,
		Outcome:        auditdomain.OutcomeSuccess,
		Detail:         map[string]any{"from": string(from), "to": string(to)},
	})
	s.log.Info("register status changed",
		zap.String("cash_register_id", cashRegisterID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}
