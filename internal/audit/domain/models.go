package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Action names an auditable operation.
type Action string

const (
	ActionRegister     Action = "register"
	ActionSign         Action = "sign_receipt"
	ActionVerify       Action = "verify_receipt"
	ActionStatusChange Action = "status_change"
	ActionDEPExport    Action = "dep_export"
)

// Outcome records how the operation ended. Rejected attempts are logged too:
// a register that keeps submitting unbalanced receipts is itself a finding.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// AuditLog is one immutable audit trail entry.
type AuditLog struct {
	ID             snowflake.ID   `gorm:"primaryKey"`
	CashRegisterID string         `gorm:"type:text;not null;index:ix_audit_logs_register,priority:1"`
	Action         Action         `gorm:"type:text;not null"`
	Outcome        Outcome        `gorm:"type:text;not null"`
	ReceiptType    string         `gorm:"type:text;not null;default:''"`
	ReceiptNumber  int64          `gorm:"not null;default:0"`
	Detail         datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP;index:ix_audit_logs_register,priority:2"`
}

// TableName sets the database table name.
func (AuditLog) TableName() string { return "audit_logs" }

// Entry is a pending audit record before persistence.
type Entry struct {
	CashRegisterID string
	Action         Action
	Outcome        Outcome
	ReceiptType    string
	ReceiptNumber  int64
	Detail         map[string]any
}

// Recorder persists audit entries. Recording never fails the operation it
// describes; failures are logged and dropped.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
	List(ctx context.Context, cashRegisterID string, limit int) ([]AuditLog, error)
}
