package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validReceipt() ReceiptData {
	return ReceiptData{
		CashRegisterID: "KASSE001",
		DateTime:       time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
		Type:           TypeStandard,
		Currency:       "EUR",
		TotalAmount:    1200,
		Items: []Item{
			{Description: "Melange", Quantity: 2, UnitPrice: 450, VatRate: 10, TotalAmount: 900},
			{Description: "Croissant", Quantity: 1, UnitPrice: 300, VatRate: 10, TotalAmount: 300},
		},
		VatBreakdown: []VatBucket{
			{Rate: 10, NetAmount: 1091, VatAmount: 109, GrossAmount: 1200},
		},
	}
}

func TestValidateStandardReceipt(t *testing.T) {
	v := NewValidator(1)
	assert.NoError(t, v.Validate(validReceipt()))
}

func TestValidateMissingFields(t *testing.T) {
	v := NewValidator(1)

	data := validReceipt()
	data.CashRegisterID = ""
	assert.ErrorIs(t, v.Validate(data), ErrMissingField)

	data = validReceipt()
	data.DateTime = time.Time{}
	assert.ErrorIs(t, v.Validate(data), ErrMissingField)

	data = validReceipt()
	data.Currency = ""
	assert.ErrorIs(t, v.Validate(data), ErrMissingField)

	data = validReceipt()
	data.Type = ReceiptType("BOGUS")
	assert.ErrorIs(t, v.Validate(data), ErrMissingField)

	data = validReceipt()
	data.Items = nil
	assert.ErrorIs(t, v.Validate(data), ErrMissingField)
}

func TestValidateItemsMismatch(t *testing.T) {
	v := NewValidator(1)

	data := validReceipt()
	data.TotalAmount = 1500
	assert.ErrorIs(t, v.Validate(data), ErrItemsMismatch)

	data = validReceipt()
	data.Items[0].TotalAmount = 905
	assert.ErrorIs(t, v.Validate(data), ErrItemsMismatch)
}

func TestValidateRoundingTolerance(t *testing.T) {
	v := NewValidator(1)

	// One cent off is within tolerance.
	data := validReceipt()
	data.TotalAmount = 1201
	data.VatBreakdown[0].GrossAmount = 1201
	data.VatBreakdown[0].VatAmount = 110
	assert.NoError(t, v.Validate(data))

	// Two cents off is not.
	data = validReceipt()
	data.TotalAmount = 1202
	data.VatBreakdown = nil
	assert.ErrorIs(t, v.Validate(data), ErrItemsMismatch)

	// A wider tolerance admits it.
	loose := NewValidator(5)
	assert.NoError(t, loose.Validate(data))
}

func TestValidateVatMismatch(t *testing.T) {
	v := NewValidator(1)

	data := validReceipt()
	data.VatBreakdown[0].VatAmount = 200
	assert.ErrorIs(t, v.Validate(data), ErrVatMismatch)

	data = validReceipt()
	data.VatBreakdown = []VatBucket{
		{Rate: 10, NetAmount: 500, VatAmount: 50, GrossAmount: 550},
	}
	assert.ErrorIs(t, v.Validate(data), ErrVatMismatch)
}

func TestValidateVoidReceipt(t *testing.T) {
	v := NewValidator(1)

	data := ReceiptData{
		CashRegisterID: "KASSE001",
		DateTime:       time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC),
		Type:           TypeVoid,
		Currency:       "EUR",
		TotalAmount:    -1200,
		Items: []Item{
			{Description: "Storno Melange", Quantity: -2, UnitPrice: 450, VatRate: 10, TotalAmount: -900},
			{Description: "Storno Croissant", Quantity: -1, UnitPrice: 300, VatRate: 10, TotalAmount: -300},
		},
	}
	assert.NoError(t, v.Validate(data))

	data.TotalAmount = 1200
	assert.ErrorIs(t, v.Validate(data), ErrItemsMismatch)
}

func TestValidateZeroTotalReceipts(t *testing.T) {
	v := NewValidator(1)

	for _, typ := range []ReceiptType{TypeNull, TypeStart, TypeDailyClosing, TypeMonthlyClosing, TypeAnnualClosing} {
		data := ReceiptData{
			CashRegisterID: "KASSE001",
			DateTime:       time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC),
			Type:           typ,
			Currency:       "EUR",
		}
		assert.NoError(t, v.Validate(data), string(typ))

		data.TotalAmount = 100
		assert.ErrorIs(t, v.Validate(data), ErrItemsMismatch, string(typ))

		data.TotalAmount = 0
		data.Items = []Item{{Description: "x", Quantity: 1, UnitPrice: 0, TotalAmount: 0}}
		assert.ErrorIs(t, v.Validate(data), ErrItemsMismatch, string(typ))
	}
}

// Closing receipts document the period's VAT; the breakdown never has to sum
// to the (zero) closing total, but each bucket must still be internally sound.
func TestValidateClosingVatBreakdown(t *testing.T) {
	v := NewValidator(1)

	data := ReceiptData{
		CashRegisterID: "KASSE001",
		DateTime:       time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC),
		Type:           TypeDailyClosing,
		Currency:       "EUR",
		VatBreakdown: []VatBucket{
			{Rate: 10, NetAmount: 1091, VatAmount: 109, GrossAmount: 1200},
			{Rate: 20, NetAmount: 500, VatAmount: 100, GrossAmount: 600},
		},
	}
	assert.NoError(t, v.Validate(data))

	data.VatBreakdown[1].VatAmount = 250
	assert.ErrorIs(t, v.Validate(data), ErrVatMismatch)
}
