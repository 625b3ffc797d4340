package domain

import (
	"context"
	"errors"
	"time"

	registerdomain "github.com/fiskalwerk/rksv/internal/cashregister/domain"
	receiptdomain "github.com/fiskalwerk/rksv/internal/receipt/domain"
)

// RegisterRequest creates a new cash register and signs its START receipt.
type RegisterRequest struct {
	CashRegisterID string                      `json:"cash_register_id"`
	OrganizationID int64                       `json:"organization_id"`
	TaxNumber      string                      `json:"tax_number"`
	AESKey         string                      `json:"aes_key"`
	Device         registerdomain.DeviceConfig `json:"device"`
}

// RegisterResult is a freshly registered cash register with its START receipt,
// the root of the hash chain.
type RegisterResult struct {
	Register     registerdomain.CashRegister
	StartReceipt receiptdomain.SignedReceipt
}

// SignRequest submits one receipt for signing. The idempotency key is
// optional; a replay with the same key returns the originally signed receipt.
type SignRequest struct {
	Data           receiptdomain.ReceiptData
	IdempotencyKey string
}

// SignResult is a signed receipt plus whether it was served from a previous
// attempt via the idempotency key.
type SignResult struct {
	Receipt  receiptdomain.SignedReceipt
	Replayed bool
}

// ClosingResult is a period closing: the signed closing receipt and the
// aggregated totals it covers.
type ClosingResult struct {
	Receipt receiptdomain.SignedReceipt
	Totals  receiptdomain.PeriodTotals
	From    time.Time
	To      time.Time
}

// VerifyResult reports structural verification of a stored receipt. Failures
// name the field that did not check out.
type VerifyResult struct {
	Valid    bool     `json:"valid"`
	Failures []string `json:"failures,omitempty"`
}

// Service is the signing orchestrator. It owns the pipeline ordering:
// validate, check the register, serialize access, read counters, sign, chain,
// persist. Counters only ever advance inside a committed transaction.
type Service interface {
	RegisterCashRegister(ctx context.Context, req RegisterRequest) (RegisterResult, error)
	GetRegister(ctx context.Context, cashRegisterID string) (registerdomain.CashRegister, error)
	ListRegisters(ctx context.Context) ([]registerdomain.CashRegister, error)

	SignReceipt(ctx context.Context, req SignRequest) (SignResult, error)
	CreateNullReceipt(ctx context.Context, cashRegisterID string) (SignResult, error)
	CreateClosingReceipt(ctx context.Context, cashRegisterID string, closingType receiptdomain.ReceiptType, from, to time.Time) (ClosingResult, error)

	GetReceipt(ctx context.Context, publicID string) (receiptdomain.SignedReceipt, error)
	ListReceipts(ctx context.Context, cashRegisterID string, limit, offset int) ([]receiptdomain.SignedReceipt, error)
	VerifyReceipt(ctx context.Context, publicID string) (VerifyResult, error)
	VerifyChain(ctx context.Context, cashRegisterID string) (VerifyResult, error)

	Deactivate(ctx context.Context, cashRegisterID string) error
	Reactivate(ctx context.Context, cashRegisterID string) error
	Deregister(ctx context.Context, cashRegisterID string) error
}

var (
	// ErrRegisterNotActive rejects signing on registers that are inactive,
	// failed or deregistered.
	ErrRegisterNotActive = errors.New("cash_register_not_active")
	// ErrRegisterBusy reports a concurrent sign in flight for the register.
	ErrRegisterBusy = errors.New("cash_register_busy")
	// ErrInvalidClosingType rejects closing requests with a non-closing type.
	ErrInvalidClosingType = errors.New("invalid_closing_type")
)
