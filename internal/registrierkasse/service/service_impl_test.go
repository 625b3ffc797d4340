package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/fiskalwerk/rksv/internal/audit/domain"
	auditservice "github.com/fiskalwerk/rksv/internal/audit/service"
	registerdomain "github.com/fiskalwerk/rksv/internal/cashregister/domain"
	registerrepo "github.com/fiskalwerk/rksv/internal/cashregister/repository"
	"github.com/fiskalwerk/rksv/internal/chain"
	"github.com/fiskalwerk/rksv/internal/clock"
	"github.com/fiskalwerk/rksv/internal/config"
	"github.com/fiskalwerk/rksv/internal/counter"
	counterdomain "github.com/fiskalwerk/rksv/internal/counter/domain"
	receiptdomain "github.com/fiskalwerk/rksv/internal/receipt/domain"
	receiptrepo "github.com/fiskalwerk/rksv/internal/receipt/repository"
	"github.com/fiskalwerk/rksv/internal/registrierkasse/domain"
	"github.com/fiskalwerk/rksv/internal/signature"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc   domain.Service
	impl  *Service
	db    *gorm.DB
	clock *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&registerdomain.CashRegister{},
		&counterdomain.CounterRecord{},
		&receiptdomain.SignedReceipt{},
		&auditdomain.AuditLog{},
	))

	node, err := snowflake.NewNode(1)
	assert.NoError(t, err)
	log := zap.NewNop()
	fiscal := config.NewStaticFiscalConfigHolder(config.DefaultFiscalConfig())
	fakeClock := clock.NewFakeClock(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))

	registers := registerrepo.NewRepository(registerrepo.Params{DB: db, Log: log})
	receipts := receiptrepo.NewRepository(receiptrepo.Params{DB: db, Log: log})
	counters := counter.NewStore(counter.Params{DB: db, Fiscal: fiscal, Log: log})
	recorder := auditservice.NewService(auditservice.Params{DB: db, Node: node, Log: log})

	svc := NewService(Params{
		DB:        db,
		Registers: registers,
		Receipts:  receipts,
		Counters:  counters,
		Factory:   signature.NewFactory(config.DeviceConfig{Timeout: 5 * time.Second}, nil),
		Engine:    signature.NewEngine(),
		Builder:   chain.NewBuilder(fiscal),
		Fiscal:    fiscal,
		Audit:     recorder,
		Clock:     fakeClock,
		Node:      node,
		Log:       log,
	})

	return &fixture{svc: svc, impl: svc.(*Service), db: db, clock: fakeClock}
}

func (f *fixture) register(t *testing.T, id string) domain.RegisterResult {
	t.Helper()
	result, err := f.svc.RegisterCashRegister(context.Background(), domain.RegisterRequest{
		CashRegisterID: id,
		OrganizationID: 1,
		TaxNumber:      "ATU12345678",
		AESKey:         "0123456789abcdef0123456789abcdef",
		Device:         registerdomain.DeviceConfig{Type: registerdomain.DeviceTypeSoftwareStub},
	})
	assert.NoError(t, err)
	return result
}

func standardReceipt(id string, amount int64, at time.Time) receiptdomain.ReceiptData {
	return receiptdomain.ReceiptData{
		CashRegisterID: id,
		DateTime:       at,
		Type:           receiptdomain.TypeStandard,
		Currency:       "EUR",
		TotalAmount:    amount,
		Items: []receiptdomain.Item{
			{Description: "Tageskarte", Quantity: 1, UnitPrice: amount, VatRate: 10, TotalAmount: amount},
		},
	}
}

func voidReceipt(id string, amount int64, at time.Time) receiptdomain.ReceiptData {
	return receiptdomain.ReceiptData{
		CashRegisterID: id,
		DateTime:       at,
		Type:           receiptdomain.TypeVoid,
		Currency:       "EUR",
		TotalAmount:    -amount,
		Items: []receiptdomain.Item{
			{Description: "Storno Tageskarte", Quantity: -1, UnitPrice: amount, VatRate: 10, TotalAmount: -amount},
		},
	}
}

func TestRegisterCreatesStartReceipt(t *testing.T) {
	f := newFixture(t)

	result := f.register(t, "KASSE001")
	assert.Equal(t, registerdomain.StatusActive, result.Register.RegistrationStatus)

	start := result.StartReceipt
	assert.Equal(t, receiptdomain.TypeStart, start.ReceiptType)
	assert.Equal(t, int64(1), start.ReceiptNumber)
	assert.Equal(t, int64(1), start.SignatureCounter)
	assert.Equal(t, int64(0), start.TurnoverCounter)
	assert.Equal(t, "0", start.PreviousReceiptHash)
	assert.NotEmpty(t, start.ChainHash)
	assert.NotEmpty(t, start.QRCode)
	assert.NotEmpty(t, start.OCRCode)
	assert.NotEmpty(t, start.PublicID)
}

func TestRegisterRejectsInvalidID(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RegisterCashRegister(context.Background(), domain.RegisterRequest{
		CashRegisterID: "not/valid!",
	})
	assert.ErrorIs(t, err, registerdomain.ErrInvalidRegisterID)
}

func TestRegisterDuplicateRejected(t *testing.T) {
	f := newFixture(t)

	f.register(t, "KASSE001")
	_, err := f.svc.RegisterCashRegister(context.Background(), domain.RegisterRequest{
		CashRegisterID: "KASSE001",
		AESKey:         "0123456789abcdef0123456789abcdef",
	})
	assert.ErrorIs(t, err, registerdomain.ErrAlreadyRegistered)
}

// The full lifecycle scenario: register, sell, void the sale, close the day.
// Counters and chain links must line up at every step.
func TestSignReceiptEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start := f.register(t, "KASSE001").StartReceipt

	f.clock.Advance(30 * time.Minute)
	sale, err := f.svc.SignReceipt(ctx, domain.SignRequest{
		Data: standardReceipt("KASSE001", 1000, f.clock.Now()),
	})
	assert.NoError(t, err)
	assert.False(t, sale.Replayed)
	assert.Equal(t, int64(2), sale.Receipt.ReceiptNumber)
	assert.Equal(t, int64(2), sale.Receipt.SignatureCounter)
	assert.Equal(t, int64(1000), sale.Receipt.TurnoverCounter)
	assert.Equal(t, start.ChainHash, sale.Receipt.PreviousReceiptHash)

	f.clock.Advance(10 * time.Minute)
	void, err := f.svc.SignReceipt(ctx, domain.SignRequest{
		Data: voidReceipt("KASSE001", 1000, f.clock.Now()),
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(3), void.Receipt.ReceiptNumber)
	assert.Equal(t, int64(3), void.Receipt.SignatureCounter)
	assert.Equal(t, int64(0), void.Receipt.TurnoverCounter)
	assert.Equal(t, sale.Receipt.ChainHash, void.Receipt.PreviousReceiptHash)

	f.clock.Advance(8 * time.Hour)
	closing, err := f.svc.CreateClosingReceipt(ctx, "KASSE001", receiptdomain.TypeDailyClosing,
		f.clock.Now().Add(-24*time.Hour), f.clock.Now())
	assert.NoError(t, err)
	assert.Equal(t, int64(4), closing.Receipt.ReceiptNumber)
	assert.Equal(t, int64(0), closing.Receipt.TotalAmount)
	assert.Equal(t, int64(0), closing.Totals.Turnover)
	assert.Equal(t, int64(3), closing.Totals.ReceiptCount)
	assert.Equal(t, void.Receipt.ChainHash, closing.Receipt.PreviousReceiptHash)

	verdict, err := f.svc.VerifyChain(ctx, "KASSE001")
	assert.NoError(t, err)
	assert.True(t, verdict.Valid, strings.Join(verdict.Failures, "; "))
}

func TestTrainingReceiptSkipsTurnover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "KASSE001")

	data := standardReceipt("KASSE001", 500, f.clock.Now())
	data.Type = receiptdomain.TypeTraining
	data.TrainingMode = true
	result, err := f.svc.SignReceipt(ctx, domain.SignRequest{Data: data})
	assert.NoError(t, err)
	assert.Equal(t, int64(2), result.Receipt.ReceiptNumber)
	assert.Equal(t, int64(2), result.Receipt.SignatureCounter)
	assert.Equal(t, int64(0), result.Receipt.TurnoverCounter)
	assert.True(t, result.Receipt.TrainingMode)
}

func TestNullReceiptAdvancesCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "KASSE001")
	result, err := f.svc.CreateNullReceipt(ctx, "KASSE001")
	assert.NoError(t, err)
	assert.Equal(t, receiptdomain.TypeNull, result.Receipt.ReceiptType)
	assert.Equal(t, int64(2), result.Receipt.ReceiptNumber)
	assert.Equal(t, int64(0), result.Receipt.TotalAmount)
	assert.Equal(t, int64(0), result.Receipt.TurnoverCounter)
}

func TestSignInactiveRegisterRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "KASSE001")
	assert.NoError(t, f.svc.Deactivate(ctx, "KASSE001"))

	_, err := f.svc.SignReceipt(ctx, domain.SignRequest{
		Data: standardReceipt("KASSE001", 1000, f.clock.Now()),
	})
	assert.ErrorIs(t, err, domain.ErrRegisterNotActive)

	assert.NoError(t, f.svc.Reactivate(ctx, "KASSE001"))
	result, err := f.svc.SignReceipt(ctx, domain.SignRequest{
		Data: standardReceipt("KASSE001", 1000, f.clock.Now()),
	})
	assert.NoError(t, err)
	// Numbering resumed without a gap.
	assert.Equal(t, int64(2), result.Receipt.ReceiptNumber)
}

func TestDeregisteredRegisterIsFinal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "KASSE001")
	assert.NoError(t, f.svc.Deregister(ctx, "KASSE001"))

	assert.ErrorIs(t, f.svc.Reactivate(ctx, "KASSE001"), registerdomain.ErrInvalidTransition)
	_, err := f.svc.SignReceipt(ctx, domain.SignRequest{
		Data: standardReceipt("KASSE001", 1000, f.clock.Now()),
	})
	assert.ErrorIs(t, err, domain.ErrRegisterNotActive)

	// History stays readable.
	receipts, err := f.svc.ListReceipts(ctx, "KASSE001", 10, 0)
	assert.NoError(t, err)
	assert.Len(t, receipts, 1)
}

func TestValidationFailureLeavesCountersUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "KASSE001")

	bad := standardReceipt("KASSE001", 9999, f.clock.Now())
	bad.Items[0].TotalAmount = 1000
	_, err := f.svc.SignReceipt(ctx, domain.SignRequest{Data: bad})
	assert.ErrorIs(t, err, receiptdomain.ErrItemsMismatch)

	result, err := f.svc.SignReceipt(ctx, domain.SignRequest{
		Data: standardReceipt("KASSE001", 1000, f.clock.Now()),
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(2), result.Receipt.ReceiptNumber)
}

func TestDeviceFailureLeavesCountersUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "KASSE001")

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "card removed", http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	// Swap the register onto an unreachable signing device.
	deviceCfg, _ := json.Marshal(registerdomain.DeviceConfig{
		Type:     registerdomain.DeviceTypeQualifiedCard,
		Endpoint: broken.URL,
	})
	assert.NoError(t, f.db.Model(&registerdomain.CashRegister{}).
		Where("cash_register_id = ?", "KASSE001").
		Update("device_config", deviceCfg).Error)

	_, err := f.svc.SignReceipt(ctx, domain.SignRequest{
		Data: standardReceipt("KASSE001", 1000, f.clock.Now()),
	})
	assert.ErrorIs(t, err, signature.ErrDevice)

	// Restore the stub; the next receipt continues the chain with no gap.
	stubCfg, _ := json.Marshal(registerdomain.DeviceConfig{Type: registerdomain.DeviceTypeSoftwareStub})
	assert.NoError(t, f.db.Model(&registerdomain.CashRegister{}).
		Where("cash_register_id = ?", "KASSE001").
		Update("device_config", stubCfg).Error)

	result, err := f.svc.SignReceipt(ctx, domain.SignRequest{
		Data: standardReceipt("KASSE001", 1000, f.clock.Now()),
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(2), result.Receipt.ReceiptNumber)
	assert.Equal(t, int64(2), result.Receipt.SignatureCounter)
}

func TestIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "KASSE001")

	req := domain.SignRequest{
		Data:           standardReceipt("KASSE001", 1000, f.clock.Now()),
		IdempotencyKey: "pos-7-retry-42",
	}
	first, err := f.svc.SignReceipt(ctx, req)
	assert.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := f.svc.SignReceipt(ctx, req)
	assert.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Receipt.PublicID, second.Receipt.PublicID)
	assert.Equal(t, first.Receipt.ReceiptNumber, second.Receipt.ReceiptNumber)

	// The replay did not advance the chain.
	next, err := f.svc.SignReceipt(ctx, domain.SignRequest{
		Data: standardReceipt("KASSE001", 500, f.clock.Now()),
	})
	assert.NoError(t, err)
	assert.Equal(t, first.Receipt.ReceiptNumber+1, next.Receipt.ReceiptNumber)
}

func TestCounterOverflowMarksRegisterFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "KASSE001")
	assert.NoError(t, f.db.Model(&counterdomain.CounterRecord{}).
		Where("cash_register_id = ?", "KASSE001").
		Updates(map[string]any{
			"receipt_counter":   counterdomain.MaxCounterValue,
			"signature_counter": counterdomain.MaxCounterValue,
		}).Error)

	_, err := f.svc.SignReceipt(ctx, domain.SignRequest{
		Data: standardReceipt("KASSE001", 1000, f.clock.Now()),
	})
	assert.ErrorIs(t, err, counterdomain.ErrCounterOverflow)

	register, err := f.svc.GetRegister(ctx, "KASSE001")
	assert.NoError(t, err)
	assert.Equal(t, registerdomain.StatusFailed, register.RegistrationStatus)

	// The failed attempt left the counters exactly where they were.
	state, err := f.impl.counters.Read(ctx, "KASSE001")
	assert.NoError(t, err)
	assert.Equal(t, int64(counterdomain.MaxCounterValue), state.ReceiptCounter)
	assert.Equal(t, int64(counterdomain.MaxCounterValue), state.SignatureCounter)
}

func TestConcurrentSignRejectedWhileBusy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "KASSE001")

	release, err := f.impl.acquire(ctx, "KASSE001", time.Second)
	assert.NoError(t, err)

	_, err = f.svc.SignReceipt(ctx, domain.SignRequest{
		Data: standardReceipt("KASSE001", 1000, f.clock.Now()),
	})
	assert.ErrorIs(t, err, domain.ErrRegisterBusy)

	release()
	_, err = f.svc.SignReceipt(ctx, domain.SignRequest{
		Data: standardReceipt("KASSE001", 1000, f.clock.Now()),
	})
	assert.NoError(t, err)
}

func TestVerifyReceiptDetectsTampering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "KASSE001")
	result, err := f.svc.SignReceipt(ctx, domain.SignRequest{
		Data: standardReceipt("KASSE001", 1000, f.clock.Now()),
	})
	assert.NoError(t, err)

	verdict, err := f.svc.VerifyReceipt(ctx, result.Receipt.PublicID)
	assert.NoError(t, err)
	assert.True(t, verdict.Valid)

	// An attacker edits the stored amount after the fact.
	assert.NoError(t, f.db.Model(&receiptdomain.SignedReceipt{}).
		Where("public_id = ?", result.Receipt.PublicID).
		Update("total_amount", 100).Error)

	verdict, err = f.svc.VerifyReceipt(ctx, result.Receipt.PublicID)
	assert.NoError(t, err)
	assert.False(t, verdict.Valid)
	assert.Contains(t, verdict.Failures, "total_amount")
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "KASSE001")
	result, err := f.svc.SignReceipt(ctx, domain.SignRequest{
		Data: standardReceipt("KASSE001", 1000, f.clock.Now()),
	})
	assert.NoError(t, err)

	assert.NoError(t, f.db.Model(&receiptdomain.SignedReceipt{}).
		Where("public_id = ?", result.Receipt.PublicID).
		Update("previous_receipt_hash", "deadbeef").Error)

	verdict, err := f.svc.VerifyChain(ctx, "KASSE001")
	assert.NoError(t, err)
	assert.False(t, verdict.Valid)
}

func TestClosingReceiptRejectsNonClosingType(t *testing.T) {
	f := newFixture(t)

	f.register(t, "KASSE001")
	_, err := f.svc.CreateClosingReceipt(context.Background(), "KASSE001",
		receiptdomain.TypeStandard, f.clock.Now().Add(-time.Hour), f.clock.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidClosingType)
}

func TestClosingTotalsExcludeTraining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "KASSE001")

	_, err := f.svc.SignReceipt(ctx, domain.SignRequest{
		Data: standardReceipt("KASSE001", 2000, f.clock.Now()),
	})
	assert.NoError(t, err)

	training := standardReceipt("KASSE001", 700, f.clock.Now())
	training.Type = receiptdomain.TypeTraining
	training.TrainingMode = true
	_, err = f.svc.SignReceipt(ctx, domain.SignRequest{Data: training})
	assert.NoError(t, err)

	closing, err := f.svc.CreateClosingReceipt(ctx, "KASSE001", receiptdomain.TypeDailyClosing,
		f.clock.Now().Add(-time.Hour), f.clock.Now().Add(time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, int64(2000), closing.Totals.Turnover)
}

// The signed closing record itself carries the period bounds and the
// aggregated VAT breakdown, not just the API response around it.
func TestClosingReceiptEmbedsPeriodTotals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "KASSE001")

	sale := standardReceipt("KASSE001", 1200, f.clock.Now())
	sale.VatBreakdown = []receiptdomain.VatBucket{
		{Rate: 10, NetAmount: 1091, VatAmount: 109, GrossAmount: 1200},
	}
	_, err := f.svc.SignReceipt(ctx, domain.SignRequest{Data: sale})
	assert.NoError(t, err)

	from := f.clock.Now().Add(-time.Hour)
	to := f.clock.Now().Add(time.Hour)
	closing, err := f.svc.CreateClosingReceipt(ctx, "KASSE001", receiptdomain.TypeDailyClosing, from, to)
	assert.NoError(t, err)

	var buckets []receiptdomain.VatBucket
	assert.NoError(t, json.Unmarshal(closing.Receipt.VatBreakdown, &buckets))
	assert.Equal(t, []receiptdomain.VatBucket{
		{Rate: 10, NetAmount: 1091, VatAmount: 109, GrossAmount: 1200},
	}, buckets)

	var summary struct {
		PeriodStart  time.Time `json:"period_start"`
		PeriodEnd    time.Time `json:"period_end"`
		ReceiptCount int64     `json:"receipt_count"`
		Turnover     int64     `json:"turnover"`
	}
	assert.NoError(t, json.Unmarshal([]byte(closing.Receipt.Notes), &summary))
	assert.True(t, summary.PeriodStart.Equal(from))
	assert.True(t, summary.PeriodEnd.Equal(to))
	assert.Equal(t, int64(2), summary.ReceiptCount)
	assert.Equal(t, int64(1200), summary.Turnover)
}
