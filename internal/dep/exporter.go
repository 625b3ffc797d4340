package dep

import (
	"context"
	"time"

	auditdomain "github.com/fiskalwerk/rksv/internal/audit/domain"
	registerdomain "github.com/fiskalwerk/rksv/internal/cashregister/domain"
	"github.com/fiskalwerk/rksv/internal/clock"
	"github.com/fiskalwerk/rksv/internal/config"
	"github.com/fiskalwerk/rksv/internal/observability/metrics"
	receiptdomain "github.com/fiskalwerk/rksv/internal/receipt/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Export is a Datenerfassungsprotokoll: the register's complete signed
// receipt history for a period, grouped per signing certificate. Every field
// comes from the signed records, nothing is recomputed, so the export is a
// faithful copy of what was signed.
type Export struct {
	FormatVersion  string         `json:"format_version"`
	CashRegisterID string         `json:"cash_register_id"`
	TaxNumber      string         `json:"tax_number"`
	From           time.Time      `json:"from"`
	To             time.Time      `json:"to"`
	GeneratedAt    time.Time      `json:"generated_at"`
	ReceiptGroups  []ReceiptGroup `json:"Belege-Gruppe"`
}

// ReceiptGroup collects the compact receipts signed under one certificate.
type ReceiptGroup struct {
	CertificateSerial      string   `json:"Signaturzertifikat"`
	CertificateAuthorities []string `json:"Zertifizierungsstellen"`
	CompactReceipts        []string `json:"Belege-kompakt"`
}

// Exporter assembles DEP exports from the receipt history.
type Exporter struct {
	registers registerdomain.Repository
	receipts  receiptdomain.Repository
	fiscal    *config.FiscalConfigHolder
	audit     auditdomain.Recorder
	metrics   *metrics.Metrics
	clock     clock.Clock
	log       *zap.Logger
}

type ExporterParams struct {
	fx.In

	Registers registerdomain.Repository
	Receipts  receiptdomain.Repository
	Fiscal    *config.FiscalConfigHolder
	Audit     auditdomain.Recorder
	Metrics   *metrics.Metrics `optional:"true"`
	Clock     clock.Clock
	Log       *zap.Logger
}

func NewExporter(p ExporterParams) *Exporter {
	return &Exporter{
		registers: p.Registers,
		receipts:  p.Receipts,
		fiscal:    p.Fiscal,
		audit:     p.Audit,
		metrics:   p.Metrics,
		clock:     p.Clock,
		log:       p.Log.Named("dep.exporter"),
	}
}

// Export builds the DEP for one register and period. Receipts keep their
// signing order; groups appear in order of first use of their certificate.
func (e *Exporter) Export(ctx context.Context, cashRegisterID string, from, to time.Time) (Export, error) {
	register, err := e.registers.GetByRegisterID(ctx, cashRegisterID)
	if err != nil {
		return Export{}, err
	}
	receipts, err := e.receipts.ListPeriod(ctx, cashRegisterID, from, to)
	if err != nil {
		return Export{}, err
	}

	groupIndex := map[string]int{}
	var groups []ReceiptGroup
	for _, receipt := range receipts {
		idx, ok := groupIndex[receipt.CertificateSerial]
		if !ok {
			idx = len(groups)
			groupIndex[receipt.CertificateSerial] = idx
			groups = append(groups, ReceiptGroup{
				CertificateSerial:      receipt.CertificateSerial,
				CertificateAuthorities: []string{},
			})
		}
		groups[idx].CompactReceipts = append(groups[idx].CompactReceipts, receipt.JWS)
	}

	export := Export{
		FormatVersion:  e.fiscal.Get().DEPFormatVersion,
		CashRegisterID: cashRegisterID,
		TaxNumber:      register.TaxNumber,
		From:           from.UTC(),
		To:             to.UTC(),
		GeneratedAt:    e.clock.Now().UTC(),
		ReceiptGroups:  groups,
	}

	e.metrics.RecordDEPExport(ctx)
	e.audit.Record(ctx, auditdomain.Entry{
		CashRegisterID: cashRegisterID,
		Action:         auditdomain.ActionDEPExport,
		Outcome:        auditdomain.OutcomeSuccess,
		Detail: map[string]any{
			"from":     from.UTC(),
			"to":       to.UTC(),
			"receipts": len(receipts),
		},
	})
	e.log.Info("dep export generated",
		zap.String("cash_register_id", cashRegisterID),
		zap.Int("receipts", len(receipts)),
	)
	return export, nil
}
