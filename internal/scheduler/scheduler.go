package scheduler

import (
	"context"
	"time"

	registerdomain "github.com/fiskalwerk/rksv/internal/cashregister/domain"
	"github.com/fiskalwerk/rksv/internal/clock"
	"github.com/fiskalwerk/rksv/internal/config"
	receiptdomain "github.com/fiskalwerk/rksv/internal/receipt/domain"
	rksvdomain "github.com/fiskalwerk/rksv/internal/registrierkasse/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NullReceiptScheduler watches for registers that have not signed anything
// within the null-receipt window and signs a Nullbeleg for them, proving the
// chain was intact during the silence.
type NullReceiptScheduler struct {
	registers registerdomain.Repository
	receipts  receiptdomain.Repository
	service   rksvdomain.Service
	fiscal    *config.FiscalConfigHolder
	clock     clock.Clock
	interval  time.Duration
	log       *zap.Logger

	stop chan struct{}
	done chan struct{}
}

type Params struct {
	fx.In

	Registers registerdomain.Repository
	Receipts  receiptdomain.Repository
	Service   rksvdomain.Service
	Fiscal    *config.FiscalConfigHolder
	Clock     clock.Clock
	Config    config.Config
	Log       *zap.Logger
}

func New(p Params) *NullReceiptScheduler {
	return &NullReceiptScheduler{
		registers: p.Registers,
		receipts:  p.Receipts,
		service:   p.Service,
		fiscal:    p.Fiscal,
		clock:     p.Clock,
		interval:  p.Config.Scheduler.CheckInterval,
		log:       p.Log.Named("scheduler.nullreceipt"),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// RunOnce performs a single sweep. Returns the number of null receipts
// signed; per-register failures are logged and do not stop the sweep.
func (s *NullReceiptScheduler) RunOnce(ctx context.Context) int {
	window := s.fiscal.Get().NullReceiptWindow
	cutoff := s.clock.Now().Add(-window)

	idle, err := s.receipts.IdleSince(ctx, cutoff)
	if err != nil {
		s.log.Error("idle register scan failed", zap.Error(err))
		return 0
	}

	signed := 0
	for _, candidate := range idle {
		register, err := s.registers.GetByRegisterID(ctx, candidate.CashRegisterID)
		if err != nil {
			s.log.Warn("idle register lookup failed",
				zap.String("cash_register_id", candidate.CashRegisterID), zap.Error(err))
			continue
		}
		if !register.Active() {
			continue
		}

		if _, err := s.service.CreateNullReceipt(ctx, candidate.CashRegisterID); err != nil {
			s.log.Warn("null receipt failed",
				zap.String("cash_register_id", candidate.CashRegisterID), zap.Error(err))
			continue
		}
		signed++
		s.log.Info("null receipt signed for idle register",
			zap.String("cash_register_id", candidate.CashRegisterID),
			zap.Time("last_receipt_at", candidate.LastReceiptAt),
		)
	}
	return signed
}

func (s *NullReceiptScheduler) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			s.RunOnce(ctx)
			cancel()
		case <-s.stop:
			return
		}
	}
}

// Register wires the sweep loop into the fx lifecycle.
func Register(lc fx.Lifecycle, s *NullReceiptScheduler, cfg config.Config) {
	if !cfg.Scheduler.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(s.stop)
			select {
			case <-s.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

var Module = fx.Module("scheduler",
	fx.Provide(New),
	fx.Invoke(Register),
)
