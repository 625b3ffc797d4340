package scheduler

import (
	"context"
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
	rksvdomain "github.com/fiskalwerk/rksv/internal/registrierkasse/domain"
	rksvservice "github.com/fiskalwerk/rksv/internal/registrierkasse/service"
	"github.com/fiskalwerk/rksv/internal/signature"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestScheduler(t *testing.T) (*NullReceiptScheduler, rksvdomain.Service, *clock.FakeClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:nullsched?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&registerdomain.CashRegister{},
		&counterdomain.CounterRecord{},
		&receiptdomain.SignedReceipt{},
		&auditdomain.AuditLog{},
	))
	db.Exec("DELETE FROM cash_registers")
	db.Exec("DELETE FROM counter_states")
	db.Exec("DELETE FROM signed_receipts")

	node, err := snowflake.NewNode(1)
	assert.NoError(t, err)
	log := zap.NewNop()
	fiscal := config.NewStaticFiscalConfigHolder(config.DefaultFiscalConfig())
	fakeClock := clock.NewFakeClock(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))

	registers := registerrepo.NewRepository(registerrepo.Params{DB: db, Log: log})
	receipts := receiptrepo.NewRepository(receiptrepo.Params{DB: db, Log: log})
	counters := counter.NewStore(counter.Params{DB: db, Fiscal: fiscal, Log: log})
	recorder := auditservice.NewService(auditservice.Params{DB: db, Node: node, Log: log})

	svc := rksvservice.NewService(rksvservice.Params{
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

	sched := New(Params{
		Registers: registers,
		Receipts:  receipts,
		Service:   svc,
		Fiscal:    fiscal,
		Clock:     fakeClock,
		Config:    config.Config{Scheduler: config.SchedulerConfig{Enabled: true, CheckInterval: time.Minute}},
		Log:       log,
	})
	return sched, svc, fakeClock
}

func register(t *testing.T, svc rksvdomain.Service, id string) {
	t.Helper()
	_, err := svc.RegisterCashRegister(context.Background(), rksvdomain.RegisterRequest{
		CashRegisterID: id,
		OrganizationID: 1,
		TaxNumber:      "ATU12345678",
		AESKey:         "0123456789abcdef0123456789abcdef",
		Device:         registerdomain.DeviceConfig{Type: registerdomain.DeviceTypeSoftwareStub},
	})
	assert.NoError(t, err)
}

func TestRunOnceSignsNullReceiptForIdleRegister(t *testing.T) {
	sched, svc, fakeClock := newTestScheduler(t)
	ctx := context.Background()

	register(t, svc, "KASSE001")

	// Still inside the window: nothing to do.
	fakeClock.Advance(23 * time.Hour)
	assert.Equal(t, 0, sched.RunOnce(ctx))

	// Past the 24h window: one Nullbeleg, continuing the chain.
	fakeClock.Advance(2 * time.Hour)
	assert.Equal(t, 1, sched.RunOnce(ctx))

	receipts, err := svc.ListReceipts(ctx, "KASSE001", 10, 0)
	assert.NoError(t, err)
	assert.Len(t, receipts, 2)
	assert.Equal(t, receiptdomain.TypeNull, receipts[1].ReceiptType)
	assert.Equal(t, receipts[0].ChainHash, receipts[1].PreviousReceiptHash)

	// The fresh null receipt resets the silence window.
	assert.Equal(t, 0, sched.RunOnce(ctx))
}

func TestRunOnceSkipsInactiveRegisters(t *testing.T) {
	sched, svc, fakeClock := newTestScheduler(t)
	ctx := context.Background()

	register(t, svc, "KASSE001")
	assert.NoError(t, svc.Deactivate(ctx, "KASSE001"))

	fakeClock.Advance(48 * time.Hour)
	assert.Equal(t, 0, sched.RunOnce(ctx))

	receipts, err := svc.ListReceipts(ctx, "KASSE001", 10, 0)
	assert.NoError(t, err)
	assert.Len(t, receipts, 1)
}
