package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// MaxCounterValue is the inclusive ceiling for the receipt and signature
// counters. A register that reaches it can never sign again; the overflow is
// detected before the signature device is invoked.
const MaxCounterValue = 999_999_999

// State is one register's counter triple plus the chain tail. ReceiptCounter
// and SignatureCounter advance by exactly one per signed receipt;
// TurnoverCounter accumulates totals and may go negative through voids.
type State struct {
	ReceiptCounter   int64
	SignatureCounter int64
	TurnoverCounter  int64
	LastReceiptHash  string
	Version          int64
}

// Next returns the state after signing a receipt that contributes delta to
// the turnover and leaves chainHash as the new tail.
func (s State) Next(delta int64, chainHash string) State {
	return State{
		ReceiptCounter:   s.ReceiptCounter + 1,
		SignatureCounter: s.SignatureCounter + 1,
		TurnoverCounter:  s.TurnoverCounter + delta,
		LastReceiptHash:  chainHash,
		Version:          s.Version + 1,
	}
}

// Overflowed reports whether advancing either monotonic counter would exceed
// the ceiling.
func (s State) Overflowed() bool {
	return s.ReceiptCounter+1 > MaxCounterValue || s.SignatureCounter+1 > MaxCounterValue
}

// CounterRecord is the durable row backing a register's counters. The version
// column makes commits conditional so a stale writer can never clobber a
// newer state.
type CounterRecord struct {
	CashRegisterID   string    `gorm:"column:cash_register_id;type:text;primaryKey"`
	ReceiptCounter   int64     `gorm:"not null"`
	SignatureCounter int64     `gorm:"not null"`
	TurnoverCounter  int64     `gorm:"not null"`
	LastReceiptHash  string    `gorm:"type:text;not null"`
	Version          int64     `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CounterRecord) TableName() string { return "counter_states" }

// State converts the row to its in-memory form.
func (r CounterRecord) State() State {
	return State{
		ReceiptCounter:   r.ReceiptCounter,
		SignatureCounter: r.SignatureCounter,
		TurnoverCounter:  r.TurnoverCounter,
		LastReceiptHash:  r.LastReceiptHash,
		Version:          r.Version,
	}
}

// Store owns counter persistence. CommitTx runs inside the caller's
// transaction so the receipt insert and the counter advance land atomically.
type Store interface {
	Initialize(ctx context.Context, cashRegisterID string) error
	Read(ctx context.Context, cashRegisterID string) (State, error)
	CommitTx(ctx context.Context, tx *gorm.DB, cashRegisterID string, next State) error
	Invalidate(ctx context.Context, cashRegisterID string)
}

var (
	ErrAlreadyInitialized = errors.New("counter_state_already_initialized")
	ErrVersionConflict    = errors.New("counter_version_conflict")
	ErrCounterOverflow    = errors.New("counter_overflow")
)
