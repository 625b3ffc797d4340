package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/fiskalwerk/rksv/internal/audit/domain"
	registerdomain "github.com/fiskalwerk/rksv/internal/cashregister/domain"
	"github.com/fiskalwerk/rksv/internal/chain"
	"github.com/fiskalwerk/rksv/internal/clock"
	"github.com/fiskalwerk/rksv/internal/config"
	counterdomain "github.com/fiskalwerk/rksv/internal/counter/domain"
	"github.com/fiskalwerk/rksv/internal/observability/metrics"
	"github.com/fiskalwerk/rksv/internal/ratelimit"
	receiptdomain "github.com/fiskalwerk/rksv/internal/receipt/domain"
	"github.com/fiskalwerk/rksv/internal/registrierkasse/domain"
	"github.com/fiskalwerk/rksv/internal/signature"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultCurrency = "EUR"

type Params struct {
	fx.In

	DB        *gorm.DB
	Registers registerdomain.Repository
	Receipts  receiptdomain.Repository
	Counters  counterdomain.Store
	Factory   *signature.Factory
	Engine    *signature.Engine
	Builder   *chain.Builder
	Fiscal    *config.FiscalConfigHolder
	Locker    *ratelimit.Locker `optional:"true"`
	Audit     auditdomain.Recorder
	Metrics   *metrics.Metrics `optional:"true"`
	Clock     clock.Clock
	Node      *snowflake.Node
	Log       *zap.Logger
}

type Service struct {
	db        *gorm.DB
	registers registerdomain.Repository
	receipts  receiptdomain.Repository
	counters  counterdomain.Store
	factory   *signature.Factory
	engine    *signature.Engine
	builder   *chain.Builder
	fiscal    *config.FiscalConfigHolder
	locker    *ratelimit.Locker
	audit     auditdomain.Recorder
	metrics   *metrics.Metrics
	clock     clock.Clock
	node      *snowflake.Node
	log       *zap.Logger

	// registerLocks serializes signing per register within this process. The
	// redis lease extends the same guarantee across instances.
	registerLocks sync.Map
}

func NewService(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		registers: p.Registers,
		receipts:  p.Receipts,
		counters:  p.Counters,
		factory:   p.Factory,
		engine:    p.Engine,
		builder:   p.Builder,
		fiscal:    p.Fiscal,
		locker:    p.Locker,
		audit:     p.Audit,
		metrics:   p.Metrics,
		clock:     p.Clock,
		node:      p.Node,
		log:       p.Log.Named("registrierkasse.service"),
	}
}

// RegisterCashRegister creates the register, initializes its counters at zero
// and signs the START receipt that roots the hash chain. A register whose
// START receipt cannot be signed is marked FAILED.
func (s *Service) RegisterCashRegister(ctx context.Context, req domain.RegisterRequest) (domain.RegisterResult, error) {
	if !registerdomain.ValidRegisterID(req.CashRegisterID) {
		return domain.RegisterResult{}, registerdomain.ErrInvalidRegisterID
	}

	deviceCfg, err := json.Marshal(req.Device)
	if err != nil {
		return domain.RegisterResult{}, err
	}

	now := s.clock.Now()
	register := registerdomain.CashRegister{
		ID:                 s.node.Generate(),
		CashRegisterID:     req.CashRegisterID,
		OrganizationID:     snowflake.ID(req.OrganizationID),
		RegistrationStatus: registerdomain.StatusActive,
		TaxNumber:          req.TaxNumber,
		DeviceConfig:       deviceCfg,
		AESKey:             req.AESKey,
		RegisteredAt:       now,
	}
	if err := s.registers.Create(ctx, &register); err != nil {
		return domain.RegisterResult{}, err
	}
	if err := s.counters.Initialize(ctx, req.CashRegisterID); err != nil {
		return domain.RegisterResult{}, err
	}

	start, err := s.sign(ctx, receiptdomain.ReceiptData{
		CashRegisterID: req.CashRegisterID,
		DateTime:       now,
		Type:           receiptdomain.TypeStart,
		Currency:       defaultCurrency,
	}, "")
	if err != nil {
		if terr := s.registers.UpdateStatus(ctx, req.CashRegisterID, registerdomain.StatusActive, registerdomain.StatusFailed); terr != nil {
			s.log.Error("failed to mark register FAILED after start receipt failure",
				zap.String("cash_register_id", req.CashRegisterID), zap.Error(terr))
		}
		s.audit.Record(ctx, auditdomain.Entry{
			CashRegisterID: req.CashRegisterID,
			Action:         auditdomain.ActionRegister,
			Outcome:        auditdomain.OutcomeFailed,
			Detail:         map[string]any{"error": err.Error()},
		})
		return domain.RegisterResult{}, fmt.Errorf("start receipt: %w", err)
	}

	s.audit.Record(ctx, auditdomain.Entry{
		CashRegisterID: req.CashRegisterID,
		Action:         auditdomain.ActionRegister,
		Outcome:        auditdomain.OutcomeSuccess,
		ReceiptType:    string(receiptdomain.TypeStart),
		ReceiptNumber:  start.ReceiptNumber,
	})
	return domain.RegisterResult{Register: register, StartReceipt: start}, nil
}

func (s *Service) GetRegister(ctx context.Context, cashRegisterID string) (registerdomain.CashRegister, error) {
	return s.registers.GetByRegisterID(ctx, cashRegisterID)
}

func (s *Service) ListRegisters(ctx context.Context) ([]registerdomain.CashRegister, error) {
	return s.registers.List(ctx, 0)
}

// SignReceipt runs the signing pipeline for a caller-submitted receipt.
func (s *Service) SignReceipt(ctx context.Context, req domain.SignRequest) (domain.SignResult, error) {
	if req.IdempotencyKey != "" {
		original, found, err := s.receipts.GetByIdempotencyKey(ctx, req.Data.CashRegisterID, req.IdempotencyKey)
		if err != nil {
			return domain.SignResult{}, err
		}
		if found {
			return domain.SignResult{Receipt: original, Replayed: true}, nil
		}
	}

	receipt, err := s.sign(ctx, req.Data, req.IdempotencyKey)
	if err != nil {
		return domain.SignResult{}, err
	}
	return domain.SignResult{Receipt: receipt}, nil
}

// CreateNullReceipt signs a Nullbeleg: zero total, no items, but a full chain
// link and counter advance like any receipt.
func (s *Service) CreateNullReceipt(ctx context.Context, cashRegisterID string) (domain.SignResult, error) {
	receipt, err := s.sign(ctx, receiptdomain.ReceiptData{
		CashRegisterID: cashRegisterID,
		DateTime:       s.clock.Now(),
		Type:           receiptdomain.TypeNull,
		Currency:       defaultCurrency,
	}, "")
	if err != nil {
		return domain.SignResult{}, err
	}
	return domain.SignResult{Receipt: receipt}, nil
}

// closingSummary is the period documentation embedded in a closing receipt,
// so the signed record itself states what it closes.
type closingSummary struct {
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
	ReceiptCount int64     `json:"receipt_count"`
	Turnover     int64     `json:"turnover"`
}

// CreateClosingReceipt aggregates the period and signs the zero-total closing
// receipt documenting it. The aggregated VAT breakdown and the period bounds
// travel inside the signed record, not just the API response.
func (s *Service) CreateClosingReceipt(ctx context.Context, cashRegisterID string, closingType receiptdomain.ReceiptType, from, to time.Time) (domain.ClosingResult, error) {
	if !receiptdomain.ClosingTypes[closingType] {
		return domain.ClosingResult{}, domain.ErrInvalidClosingType
	}
	totals, err := s.receipts.AggregatePeriod(ctx, cashRegisterID, from, to)
	if err != nil {
		return domain.ClosingResult{}, err
	}

	summary, err := json.Marshal(closingSummary{
		PeriodStart:  from.UTC(),
		PeriodEnd:    to.UTC(),
		ReceiptCount: totals.ReceiptCount,
		Turnover:     totals.Turnover,
	})
	if err != nil {
		return domain.ClosingResult{}, err
	}

	receipt, err := s.sign(ctx, receiptdomain.ReceiptData{
		CashRegisterID: cashRegisterID,
		DateTime:       s.clock.Now(),
		Type:           closingType,
		Currency:       defaultCurrency,
		VatBreakdown:   totals.VatBreakdown,
		Notes:          string(summary),
	}, "")
	if err != nil {
		return domain.ClosingResult{}, err
	}
	return domain.ClosingResult{Receipt: receipt, Totals: totals, From: from, To: to}, nil
}

func (s *Service) GetReceipt(ctx context.Context, publicID string) (receiptdomain.SignedReceipt, error) {
	return s.receipts.GetByPublicID(ctx, publicID)
}

func (s *Service) ListReceipts(ctx context.Context, cashRegisterID string, limit, offset int) ([]receiptdomain.SignedReceipt, error) {
	return s.receipts.List(ctx, cashRegisterID, limit, offset)
}

// sign is the single path every receipt takes. Counters advance only inside
// the transaction that also persists the receipt; any failure before commit
// leaves the chain exactly as it was.
func (s *Service) sign(ctx context.Context, data receiptdomain.ReceiptData, idempotencyKey string) (receiptdomain.SignedReceipt, error) {
	fiscal := s.fiscal.Get()
	validator := receiptdomain.NewValidator(fiscal.RoundingTolerance)
	if err := validator.Validate(data); err != nil {
		s.recordRejection(ctx, data, err)
		return receiptdomain.SignedReceipt{}, err
	}

	register, err := s.registers.GetByRegisterID(ctx, data.CashRegisterID)
	if err != nil {
		return receiptdomain.SignedReceipt{}, err
	}
	if !register.Active() {
		s.recordRejection(ctx, data, domain.ErrRegisterNotActive)
		return receiptdomain.SignedReceipt{}, fmt.Errorf("%w: status %s", domain.ErrRegisterNotActive, register.RegistrationStatus)
	}

	release, err := s.acquire(ctx, data.CashRegisterID, fiscal.SignLockTTL)
	if err != nil {
		return receiptdomain.SignedReceipt{}, err
	}
	defer release()

	state, err := s.counters.Read(ctx, data.CashRegisterID)
	if err != nil {
		return receiptdomain.SignedReceipt{}, err
	}
	if state.Overflowed() {
		if terr := s.registers.UpdateStatus(ctx, data.CashRegisterID, registerdomain.StatusActive, registerdomain.StatusFailed); terr != nil {
			s.log.Error("failed to mark overflowed register FAILED",
				zap.String("cash_register_id", data.CashRegisterID), zap.Error(terr))
		}
		s.recordRejection(ctx, data, counterdomain.ErrCounterOverflow)
		return receiptdomain.SignedReceipt{}, counterdomain.ErrCounterOverflow
	}

	receiptNumber := state.ReceiptCounter + 1
	previousHash := state.LastReceiptHash
	if previousHash == "" {
		previousHash = chain.Sentinel
	}
	delta := turnoverDelta(data)
	next := state.Next(delta, "")

	device, err := s.factory.ForRegister(register)
	if err != nil {
		s.recordDeviceFailure(ctx, data, register, err)
		return receiptdomain.SignedReceipt{}, err
	}
	payload := signature.NewPayload(
		data.CashRegisterID, receiptNumber, data.DateTime,
		data.TotalAmount, next.SignatureCounter, next.TurnoverCounter,
		previousHash,
	)
	signed, err := s.engine.Sign(ctx, device, payload)
	if err != nil {
		s.recordDeviceFailure(ctx, data, register, err)
		return receiptdomain.SignedReceipt{}, err
	}

	chainHash := s.builder.ChainHash(data.CashRegisterID, receiptNumber, signed.JWS)
	next.LastReceiptHash = chainHash

	codeInput := chain.CodeInput{
		CashRegisterID:    data.CashRegisterID,
		ReceiptNumber:     receiptNumber,
		DateTime:          data.DateTime,
		TotalAmount:       data.TotalAmount,
		SignatureCounter:  next.SignatureCounter,
		TurnoverCounter:   next.TurnoverCounter,
		CertificateSerial: signed.CertificateSerial,
		PreviousHash:      previousHash,
		JWS:               signed.JWS,
	}
	qrCode, err := s.builder.QRCode(codeInput)
	if err != nil {
		return receiptdomain.SignedReceipt{}, err
	}
	ocrCode, err := s.builder.OCRCode(codeInput)
	if err != nil {
		return receiptdomain.SignedReceipt{}, err
	}

	record := receiptdomain.SignedReceipt{
		ID:                  s.node.Generate(),
		PublicID:            ulid.Make().String(),
		CashRegisterID:      data.CashRegisterID,
		ReceiptNumber:       receiptNumber,
		ReceiptType:         data.Type,
		ReceiptTime:         data.DateTime.UTC(),
		TotalAmount:         data.TotalAmount,
		Currency:            data.Currency,
		PaymentMethod:       data.PaymentMethod,
		TrainingMode:        data.TrainingMode || data.Type == receiptdomain.TypeTraining,
		Items:               mustJSON(data.Items),
		VatBreakdown:        mustJSON(data.VatBreakdown),
		JWS:                 signed.JWS,
		CertificateSerial:   signed.CertificateSerial,
		Algorithm:           signed.Algorithm,
		SignatureCounter:    next.SignatureCounter,
		TurnoverCounter:     next.TurnoverCounter,
		SignedAt:            s.clock.Now(),
		QRCode:              qrCode,
		OCRCode:             ocrCode,
		DEPFormat:           fiscal.DEPFormatVersion,
		PreviousReceiptHash: previousHash,
		ChainHash:           chainHash,
		CustomerReference:   data.CustomerReference,
		Notes:               data.Notes,
	}
	if idempotencyKey != "" {
		record.IdempotencyKey = &idempotencyKey
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.receipts.AppendTx(ctx, tx, &record); err != nil {
			return err
		}
		return s.counters.CommitTx(ctx, tx, data.CashRegisterID, next)
	})
	if err != nil {
		return receiptdomain.SignedReceipt{}, err
	}
	s.counters.Invalidate(ctx, data.CashRegisterID)

	s.metrics.RecordReceiptSigned(ctx, string(data.Type))
	s.audit.Record(ctx, auditdomain.Entry{
		CashRegisterID: data.CashRegisterID,
		Action:         auditdomain.ActionSign,
		Outcome:        auditdomain.OutcomeSuccess,
		ReceiptType:    string(data.Type),
		ReceiptNumber:  receiptNumber,
	})
	s.log.Info("receipt signed",
		zap.String("cash_register_id", data.CashRegisterID),
		zap.Int64("receipt_number", receiptNumber),
		zap.String("receipt_type", string(data.Type)),
		zap.Int64("total_amount", data.TotalAmount),
	)
	return record, nil
}

// acquire serializes signing for one register: a process-local mutex first,
// then the optional cross-instance redis lease.
func (s *Service) acquire(ctx context.Context, cashRegisterID string, ttl time.Duration) (func(), error) {
	value, _ := s.registerLocks.LoadOrStore(cashRegisterID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	if !mu.TryLock() {
		s.metrics.RecordLockContention(ctx)
		return nil, domain.ErrRegisterBusy
	}

	if s.locker == nil {
		return mu.Unlock, nil
	}

	key := "rksv:lock:sign:" + cashRegisterID
	token, ok, err := s.locker.TryLock(ctx, key, ttl)
	if err != nil {
		// The conditional counter commit still prevents double-signing;
		// degrade to the local lock rather than refusing service.
		s.log.Warn("sign lease unavailable, relying on local lock", zap.Error(err))
		return mu.Unlock, nil
	}
	if !ok {
		mu.Unlock()
		s.metrics.RecordLockContention(ctx)
		return nil, domain.ErrRegisterBusy
	}
	return func() {
		if err := s.locker.Release(ctx, key, token); err != nil {
			s.log.Warn("sign lease release failed", zap.Error(err))
		}
		mu.Unlock()
	}, nil
}

// turnoverDelta is the receipt's contribution to the turnover counter.
// Training receipts and the zero-total administrative types leave it alone;
// voids subtract.
func turnoverDelta(data receiptdomain.ReceiptData) int64 {
	if data.TrainingMode {
		return 0
	}
	switch data.Type {
	case receiptdomain.TypeStandard, receiptdomain.TypeVoid:
		return data.TotalAmount
	default:
		return 0
	}
}

func (s *Service) recordRejection(ctx context.Context, data receiptdomain.ReceiptData, err error) {
	s.audit.Record(ctx, auditdomain.Entry{
		CashRegisterID: data.CashRegisterID,
		Action:         auditdomain.ActionSign,
		Outcome:        auditdomain.OutcomeRejected,
		ReceiptType:    string(data.Type),
		Detail:         map[string]any{"error": err.Error()},
	})
}

func (s *Service) recordDeviceFailure(ctx context.Context, data receiptdomain.ReceiptData, register registerdomain.CashRegister, err error) {
	var cfg registerdomain.DeviceConfig
	_ = json.Unmarshal(register.DeviceConfig, &cfg)
	s.metrics.RecordDeviceError(ctx, string(cfg.Type))
	s.audit.Record(ctx, auditdomain.Entry{
		CashRegisterID: data.CashRegisterID,
		Action:         auditdomain.ActionSign,
		Outcome:        auditdomain.OutcomeFailed,
		ReceiptType:    string(data.Type),
		Detail:         map[string]any{"error": err.Error()},
	})
}

func mustJSON(v any) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil || string(raw) == "null" {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(raw)
}
