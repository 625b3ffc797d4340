package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ReceiptType covers the RKSV receipt kinds. Closing receipts chain like any
// other receipt; only the START receipt is special (chain root).
type ReceiptType string

const (
	TypeStandard       ReceiptType = "STANDARD"
	TypeTraining       ReceiptType = "TRAINING"
	TypeVoid           ReceiptType = "VOID"
	TypeNull           ReceiptType = "NULL"
	TypeStart          ReceiptType = "START"
	TypeDailyClosing   ReceiptType = "DAILY_CLOSING"
	TypeMonthlyClosing ReceiptType = "MONTHLY_CLOSING"
	TypeAnnualClosing  ReceiptType = "ANNUAL_CLOSING"
)

// ClosingTypes are the receipt types produced by period closings.
var ClosingTypes = map[ReceiptType]bool{
	TypeDailyClosing:   true,
	TypeMonthlyClosing: true,
	TypeAnnualClosing:  true,
}

// Item is one receipt line. Amounts are gross, in minor currency units.
type Item struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	VatRate     int64  `json:"vat_rate"`
	TotalAmount int64  `json:"total_amount"`
}

// VatBucket is a per-rate VAT breakdown entry, in minor currency units.
type VatBucket struct {
	Rate        int64 `json:"rate"`
	NetAmount   int64 `json:"net_amount"`
	VatAmount   int64 `json:"vat_amount"`
	GrossAmount int64 `json:"gross_amount"`
}

// ReceiptData is an unsigned receipt as submitted by the caller. The receipt
// number it carries is provisional; the counter store assigns the definitive
// one during signing.
type ReceiptData struct {
	CashRegisterID    string      `json:"cash_register_id"`
	ReceiptNumber     int64       `json:"receipt_number,omitempty"`
	DateTime          time.Time   `json:"date_time"`
	Type              ReceiptType `json:"type"`
	Items             []Item      `json:"items,omitempty"`
	TotalAmount       int64       `json:"total_amount"`
	VatBreakdown      []VatBucket `json:"vat_breakdown,omitempty"`
	PaymentMethod     string      `json:"payment_method,omitempty"`
	Currency          string      `json:"currency"`
	TrainingMode      bool        `json:"training_mode,omitempty"`
	PreviousReceiptID string      `json:"previous_receipt_id,omitempty"`
	CustomerReference string      `json:"customer_reference,omitempty"`
	Notes             string      `json:"notes,omitempty"`
}

// SignedReceipt is the immutable signed record. Rows are append-only: never
// updated, never deleted, even after the register is deregistered.
type SignedReceipt struct {
	ID                  snowflake.ID   `gorm:"primaryKey"`
	PublicID            string         `gorm:"type:text;not null;uniqueIndex:ux_signed_receipts_public_id"`
	CashRegisterID      string         `gorm:"type:text;not null;uniqueIndex:ux_signed_receipts_register_number,priority:1;index:ix_signed_receipts_register_time,priority:1"`
	ReceiptNumber       int64          `gorm:"not null;uniqueIndex:ux_signed_receipts_register_number,priority:2"`
	ReceiptType         ReceiptType    `gorm:"type:text;not null"`
	ReceiptTime         time.Time      `gorm:"not null;index:ix_signed_receipts_register_time,priority:2"`
	TotalAmount         int64          `gorm:"not null"`
	Currency            string         `gorm:"type:text;not null"`
	PaymentMethod       string         `gorm:"type:text;not null;default:''"`
	TrainingMode        bool           `gorm:"not null;default:false"`
	Items               datatypes.JSON `gorm:"type:jsonb;not null"`
	VatBreakdown        datatypes.JSON `gorm:"type:jsonb;not null"`
	JWS                 string         `gorm:"column:jws;type:text;not null"`
	CertificateSerial   string         `gorm:"type:text;not null"`
	Algorithm           string         `gorm:"type:text;not null"`
	SignatureCounter    int64          `gorm:"not null"`
	TurnoverCounter     int64          `gorm:"not null"`
	SignedAt            time.Time      `gorm:"not null"`
	QRCode              string         `gorm:"column:qr_code;type:text;not null"`
	OCRCode             string         `gorm:"column:ocr_code;type:text;not null"`
	DEPFormat           string         `gorm:"column:dep_format;type:text;not null"`
	PreviousReceiptHash string         `gorm:"type:text;not null"`
	ChainHash           string         `gorm:"type:text;not null"`
	IdempotencyKey      *string        `gorm:"type:text"`
	CustomerReference   string         `gorm:"type:text;not null;default:''"`
	Notes               string         `gorm:"type:text;not null;default:''"`
	CreatedAt           time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SignedReceipt) TableName() string { return "signed_receipts" }

// PeriodTotals aggregates signed receipts over a closing period.
type PeriodTotals struct {
	ReceiptCount int64
	Turnover     int64
	VatBreakdown []VatBucket
}

// IdleRegister pairs a register with the time of its last signed receipt, for
// the null-receipt scheduler.
type IdleRegister struct {
	CashRegisterID string
	LastReceiptAt  time.Time
}

// Repository is the append-only receipt history store.
type Repository interface {
	AppendTx(ctx context.Context, tx *gorm.DB, receipt *SignedReceipt) error
	GetByPublicID(ctx context.Context, publicID string) (SignedReceipt, error)
	GetByNumber(ctx context.Context, cashRegisterID string, receiptNumber int64) (SignedReceipt, error)
	GetByIdempotencyKey(ctx context.Context, cashRegisterID, key string) (SignedReceipt, bool, error)
	List(ctx context.Context, cashRegisterID string, limit, offset int) ([]SignedReceipt, error)
	ListPeriod(ctx context.Context, cashRegisterID string, from, to time.Time) ([]SignedReceipt, error)
	AggregatePeriod(ctx context.Context, cashRegisterID string, from, to time.Time) (PeriodTotals, error)
	IdleSince(ctx context.Context, cutoff time.Time) ([]IdleRegister, error)
}

var (
	ErrReceiptNotFound = errors.New("receipt_not_found")
	ErrDuplicateNumber = errors.New("duplicate_receipt_number")

	ErrMissingField  = errors.New("missing_field")
	ErrVatMismatch   = errors.New("vat_mismatch")
	ErrItemsMismatch = errors.New("items_mismatch")
)
