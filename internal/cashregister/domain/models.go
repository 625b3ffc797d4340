package domain

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// RegistrationStatus is the lifecycle state of a cash register. Receipts may
// only be signed while the register is active. Deregistration is a status
// change, never a delete: receipt history must survive for audit retention.
type RegistrationStatus string

const (
	StatusActive       RegistrationStatus = "ACTIVE"
	StatusInactive     RegistrationStatus = "INACTIVE"
	StatusDeregistered RegistrationStatus = "DEREGISTERED"
	StatusFailed       RegistrationStatus = "FAILED"
)

// DeviceType selects the signature device implementation for a register.
type DeviceType string

const (
	DeviceTypeHSM           DeviceType = "hsm"
	DeviceTypeQualifiedCard DeviceType = "qualified_card"
	DeviceTypeSoftwareStub  DeviceType = "software_stub"
)

// DeviceConfig is stored per register as a JSON column.
type DeviceConfig struct {
	Type              DeviceType `json:"type"`
	Algorithm         string     `json:"algorithm"`
	CertificateSerial string     `json:"certificate_serial"`
	Endpoint          string     `json:"endpoint,omitempty"`
	AuthToken         string     `json:"auth_token,omitempty"`
}

// CashRegister identifies one fiscal cash-register instance.
type CashRegister struct {
	ID                 snowflake.ID       `gorm:"primaryKey"`
	CashRegisterID     string             `gorm:"column:cash_register_id;type:text;not null;uniqueIndex:ux_cash_registers_register_id"`
	OrganizationID     snowflake.ID       `gorm:"not null;index:ix_cash_registers_org"`
	RegistrationStatus RegistrationStatus `gorm:"type:text;not null"`
	TaxNumber          string             `gorm:"type:text;not null"`
	DeviceConfig       datatypes.JSON     `gorm:"type:jsonb;not null"`
	AESKey             string             `gorm:"column:aes_key;type:text;not null"`
	RegisteredAt       time.Time          `gorm:"not null"`
	CreatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CashRegister) TableName() string { return "cash_registers" }

// Active reports whether the register may sign receipts.
func (r CashRegister) Active() bool {
	return r.RegistrationStatus == StatusActive
}

// Repository is the cash-register registry.
type Repository interface {
	Create(ctx context.Context, register *CashRegister) error
	GetByRegisterID(ctx context.Context, cashRegisterID string) (CashRegister, error)
	List(ctx context.Context, organizationID snowflake.ID) ([]CashRegister, error)
	ListByStatus(ctx context.Context, status RegistrationStatus) ([]CashRegister, error)
	UpdateStatus(ctx context.Context, cashRegisterID string, from, to RegistrationStatus) error
}

var (
	ErrNotFound          = errors.New("cash_register_not_found")
	ErrAlreadyRegistered = errors.New("cash_register_already_registered")
	ErrInvalidRegisterID = errors.New("invalid_cash_register_id")
	ErrInvalidTransition = errors.New("invalid_status_transition")
)

var registerIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,20}$`)

// ValidRegisterID checks the authority-mandated identifier format.
func ValidRegisterID(id string) bool {
	return registerIDPattern.MatchString(id)
}

// CanTransition encodes the register lifecycle state machine.
func CanTransition(from, to RegistrationStatus) bool {
	switch from {
	case StatusActive:
		return to == StatusInactive || to == StatusDeregistered || to == StatusFailed
	case StatusInactive:
		return to == StatusActive || to == StatusDeregistered
	case StatusFailed:
		return to == StatusActive || to == StatusDeregistered
	default:
		return false
	}
}
