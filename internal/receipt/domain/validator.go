package domain

import "fmt"

// Validator checks unsigned receipts before they reach the signature pipeline.
// It is pure: no clock, no storage, no randomness, so the same input always
// yields the same verdict.
type Validator struct {
	// RoundingTolerance is the permitted absolute difference, in minor
	// currency units, between declared totals and recomputed sums.
	RoundingTolerance int64
}

// NewValidator returns a validator with the given rounding tolerance.
func NewValidator(tolerance int64) *Validator {
	return &Validator{RoundingTolerance: tolerance}
}

var validTypes = map[ReceiptType]bool{
	TypeStandard:       true,
	TypeTraining:       true,
	TypeVoid:           true,
	TypeNull:           true,
	TypeStart:          true,
	TypeDailyClosing:   true,
	TypeMonthlyClosing: true,
	TypeAnnualClosing:  true,
}

// Validate checks structural completeness and arithmetic consistency of an
// unsigned receipt. VOID receipts carry negative totals; NULL, START and
// closing receipts carry zero totals and no items.
func (v *Validator) Validate(data ReceiptData) error {
	if data.CashRegisterID == "" {
		return fmt.Errorf("%w: cash_register_id", ErrMissingField)
	}
	if data.DateTime.IsZero() {
		return fmt.Errorf("%w: date_time", ErrMissingField)
	}
	if data.Type == "" {
		return fmt.Errorf("%w: type", ErrMissingField)
	}
	if !validTypes[data.Type] {
		return fmt.Errorf("%w: unknown receipt type %q", ErrMissingField, data.Type)
	}
	if data.Currency == "" {
		return fmt.Errorf("%w: currency", ErrMissingField)
	}

	switch data.Type {
	case TypeNull, TypeStart, TypeDailyClosing, TypeMonthlyClosing, TypeAnnualClosing:
		if data.TotalAmount != 0 {
			return fmt.Errorf("%w: %s receipt must have zero total, got %d", ErrItemsMismatch, data.Type, data.TotalAmount)
		}
		if len(data.Items) != 0 {
			return fmt.Errorf("%w: %s receipt must not carry items", ErrItemsMismatch, data.Type)
		}
		// Closing receipts carry the period's aggregated VAT breakdown. It
		// documents turnover signed on earlier receipts, so only the
		// bucket-internal arithmetic is checked, never the sum against the
		// (zero) total.
		for i, bucket := range data.VatBreakdown {
			if absDiff(bucket.NetAmount+bucket.VatAmount, bucket.GrossAmount) > v.RoundingTolerance {
				return fmt.Errorf("%w: vat_breakdown[%d] net %d + vat %d != gross %d",
					ErrVatMismatch, i, bucket.NetAmount, bucket.VatAmount, bucket.GrossAmount)
			}
		}
		return nil
	case TypeVoid:
		if data.TotalAmount >= 0 {
			return fmt.Errorf("%w: void receipt total must be negative, got %d", ErrItemsMismatch, data.TotalAmount)
		}
	default:
		if len(data.Items) == 0 {
			return fmt.Errorf("%w: items", ErrMissingField)
		}
	}

	for i, item := range data.Items {
		if item.Description == "" {
			return fmt.Errorf("%w: items[%d].description", ErrMissingField, i)
		}
		if item.Quantity == 0 {
			return fmt.Errorf("%w: items[%d].quantity", ErrMissingField, i)
		}
		if line := item.Quantity * item.UnitPrice; absDiff(line, item.TotalAmount) > v.RoundingTolerance {
			return fmt.Errorf("%w: items[%d] line total %d, expected %d", ErrItemsMismatch, i, item.TotalAmount, line)
		}
	}

	if len(data.Items) > 0 {
		var itemSum int64
		for _, item := range data.Items {
			itemSum += item.TotalAmount
		}
		if absDiff(itemSum, data.TotalAmount) > v.RoundingTolerance {
			return fmt.Errorf("%w: items sum to %d, total is %d", ErrItemsMismatch, itemSum, data.TotalAmount)
		}
	}

	if len(data.VatBreakdown) > 0 {
		var grossSum int64
		for i, bucket := range data.VatBreakdown {
			if absDiff(bucket.NetAmount+bucket.VatAmount, bucket.GrossAmount) > v.RoundingTolerance {
				return fmt.Errorf("%w: vat_breakdown[%d] net %d + vat %d != gross %d",
					ErrVatMismatch, i, bucket.NetAmount, bucket.VatAmount, bucket.GrossAmount)
			}
			grossSum += bucket.GrossAmount
		}
		if absDiff(grossSum, data.TotalAmount) > v.RoundingTolerance {
			return fmt.Errorf("%w: vat breakdown sums to %d, total is %d", ErrVatMismatch, grossSum, data.TotalAmount)
		}
	}

	return nil
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
