package service

import (
	"context"
	"fmt"
	"time"

	auditdomain "github.com/fiskalwerk/rksv/internal/audit/domain"
	"github.com/fiskalwerk/rksv/internal/chain"
	receiptdomain "github.com/fiskalwerk/rksv/internal/receipt/domain"
	"github.com/fiskalwerk/rksv/internal/registrierkasse/domain"
	"github.com/fiskalwerk/rksv/internal/signature"
)

// VerifyReceipt structurally verifies one stored receipt: the JWS parses, its
// payload matches the stored columns, the chain hash recomputes, the codes
// recompute and the previous-hash links to the prior receipt. Cryptographic
// signature validation stays with the device that holds the key.
func (s *Service) VerifyReceipt(ctx context.Context, publicID string) (domain.VerifyResult, error) {
	receipt, err := s.receipts.GetByPublicID(ctx, publicID)
	if err != nil {
		return domain.VerifyResult{}, err
	}

	failures := s.verifyOne(ctx, receipt)

	outcome := auditdomain.OutcomeSuccess
	if len(failures) > 0 {
		outcome = auditdomain.OutcomeRejected
	}
	s.audit.Record(ctx, auditdomain.Entry{
		CashRegisterID: receipt.CashRegisterID,
		Action:         auditdomain.ActionVerify,
		Outcome:        outcome,
		ReceiptType:    string(receipt.ReceiptType),
		ReceiptNumber:  receipt.ReceiptNumber,
		Detail:         map[string]any{"failures": failures},
	})
	return domain.VerifyResult{Valid: len(failures) == 0, Failures: failures}, nil
}

// VerifyChain walks a register's full receipt history in order and checks
// numbering, linkage and every per-receipt property.
func (s *Service) VerifyChain(ctx context.Context, cashRegisterID string) (domain.VerifyResult, error) {
	var failures []string
	expectedNumber := int64(1)
	previousChainHash := chain.Sentinel

	const pageSize = 200
	for offset := 0; ; offset += pageSize {
		page, err := s.receipts.List(ctx, cashRegisterID, pageSize, offset)
		if err != nil {
			return domain.VerifyResult{}, err
		}
		if len(page) == 0 {
			break
		}
		for _, receipt := range page {
			if receipt.ReceiptNumber != expectedNumber {
				failures = append(failures, fmt.Sprintf("receipt %d: expected number %d", receipt.ReceiptNumber, expectedNumber))
				expectedNumber = receipt.ReceiptNumber
			}
			if receipt.PreviousReceiptHash != previousChainHash {
				failures = append(failures, fmt.Sprintf("receipt %d: previous_receipt_hash broken", receipt.ReceiptNumber))
			}
			for _, failure := range s.verifyFields(ctx, receipt) {
				failures = append(failures, fmt.Sprintf("receipt %d: %s", receipt.ReceiptNumber, failure))
			}
			previousChainHash = receipt.ChainHash
			expectedNumber++
		}
		if len(page) < pageSize {
			break
		}
	}

	return domain.VerifyResult{Valid: len(failures) == 0, Failures: failures}, nil
}

func (s *Service) verifyOne(ctx context.Context, receipt receiptdomain.SignedReceipt) []string {
	failures := s.verifyFields(ctx, receipt)

	if receipt.ReceiptNumber == 1 {
		if receipt.PreviousReceiptHash != chain.Sentinel {
			failures = append(failures, s.fail(ctx, "previous_receipt_hash"))
		}
	} else {
		previous, err := s.receipts.GetByNumber(ctx, receipt.CashRegisterID, receipt.ReceiptNumber-1)
		if err != nil {
			failures = append(failures, s.fail(ctx, "chain_link"))
		} else if previous.ChainHash != receipt.PreviousReceiptHash {
			failures = append(failures, s.fail(ctx, "chain_link"))
		}
	}
	return failures
}

// verifyFields checks the self-contained properties of a stored receipt.
func (s *Service) verifyFields(ctx context.Context, receipt receiptdomain.SignedReceipt) []string {
	var failures []string

	_, payload, _, err := signature.DecodeJWS(receipt.JWS)
	if err != nil {
		return append(failures, s.fail(ctx, "jws"))
	}

	if payload.CashRegisterID != receipt.CashRegisterID {
		failures = append(failures, s.fail(ctx, "cash_register_id"))
	}
	if payload.ReceiptNumber != receipt.ReceiptNumber {
		failures = append(failures, s.fail(ctx, "receipt_number"))
	}
	if payload.TotalAmount != receipt.TotalAmount {
		failures = append(failures, s.fail(ctx, "total_amount"))
	}
	if payload.SignatureCounter != receipt.SignatureCounter {
		failures = append(failures, s.fail(ctx, "signature_counter"))
	}
	if payload.TurnoverCounter != receipt.TurnoverCounter {
		failures = append(failures, s.fail(ctx, "turnover_counter"))
	}
	if payload.PreviousHash != receipt.PreviousReceiptHash {
		failures = append(failures, s.fail(ctx, "previous_receipt_hash"))
	}
	if payload.DateTime != receipt.ReceiptTime.UTC().Truncate(time.Second).Format(time.RFC3339) {
		failures = append(failures, s.fail(ctx, "date_time"))
	}

	if s.builder.ChainHash(receipt.CashRegisterID, receipt.ReceiptNumber, receipt.JWS) != receipt.ChainHash {
		failures = append(failures, s.fail(ctx, "chain_hash"))
	}

	codeInput := chain.CodeInput{
		CashRegisterID:    receipt.CashRegisterID,
		ReceiptNumber:     receipt.ReceiptNumber,
		DateTime:          receipt.ReceiptTime,
		TotalAmount:       receipt.TotalAmount,
		SignatureCounter:  receipt.SignatureCounter,
		TurnoverCounter:   receipt.TurnoverCounter,
		CertificateSerial: receipt.CertificateSerial,
		PreviousHash:      receipt.PreviousReceiptHash,
		JWS:               receipt.JWS,
	}
	if qr, err := s.builder.QRCode(codeInput); err != nil || qr != receipt.QRCode {
		failures = append(failures, s.fail(ctx, "qr_code"))
	}
	if ocr, err := s.builder.OCRCode(codeInput); err != nil || ocr != receipt.OCRCode {
		failures = append(failures, s.fail(ctx, "ocr_code"))
	}

	return failures
}

func (s *Service) fail(ctx context.Context, field string) string {
	s.metrics.RecordVerifyFailure(ctx, field)
	return field
}
