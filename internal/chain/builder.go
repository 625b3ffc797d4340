package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fiskalwerk/rksv/internal/config"
	"github.com/fiskalwerk/rksv/internal/signature"
)

// Sentinel is the previous-hash value of a register's first receipt.
const Sentinel = "0"

// Builder derives the hash chain link and the machine-readable codes for a
// signed receipt. All inputs come from the signed record, so verification can
// recompute every output from storage alone.
type Builder struct {
	fiscal *config.FiscalConfigHolder
}

func NewBuilder(fiscal *config.FiscalConfigHolder) *Builder {
	return &Builder{fiscal: fiscal}
}

// ChainHash links a receipt into the register's chain: SHA-256 over
// "{cashRegisterId}:{receiptNumber}:{jws}", hex encoded. The next receipt
// carries this value as its previous-hash.
func (b *Builder) ChainHash(cashRegisterID string, receiptNumber int64, jws string) string {
	sum := sha256.Sum256([]byte(cashRegisterID + ":" + strconv.FormatInt(receiptNumber, 10) + ":" + jws))
	return hex.EncodeToString(sum[:])
}

// CodeInput carries the receipt fields embedded in the QR and OCR codes.
type CodeInput struct {
	CashRegisterID    string
	ReceiptNumber     int64
	DateTime          time.Time
	TotalAmount       int64
	SignatureCounter  int64
	TurnoverCounter   int64
	CertificateSerial string
	PreviousHash      string
	JWS               string
}

// QRCode joins the receipt fields with the configured delimiter behind the
// configured prefix. The delimiter and prefix vary per fiscal authority.
func (b *Builder) QRCode(in CodeInput) (string, error) {
	signaturePart, err := signature.SignaturePart(in.JWS)
	if err != nil {
		return "", err
	}
	cfg := b.fiscal.Get()
	fields := []string{
		in.CashRegisterID,
		strconv.FormatInt(in.ReceiptNumber, 10),
		in.DateTime.UTC().Format("2006-01-02T15:04:05"),
		formatAmount(in.TotalAmount),
		strconv.FormatInt(in.SignatureCounter, 10),
		strconv.FormatInt(in.TurnoverCounter, 10),
		in.CertificateSerial,
		in.PreviousHash,
		signaturePart,
	}
	return cfg.QRPrefix + cfg.QRDelimiter + strings.Join(fields, cfg.QRDelimiter), nil
}

// OCRCode is the fallback printed when no QR printer is available. Fixed-width
// fields keep it typeable:
//
//	{id}-{number}-{YYMMDD}-{HHMM}-{amount, 10 digits}-{checksum, 4 chars}
//
// The amount field carries the absolute value; sign is recovered from the
// signed record, not the code.
func (b *Builder) OCRCode(in CodeInput) (string, error) {
	checksum, err := signatureChecksum(in.JWS)
	if err != nil {
		return "", err
	}
	amount := in.TotalAmount
	if amount < 0 {
		amount = -amount
	}
	at := in.DateTime.UTC()
	return fmt.Sprintf("%s-%d-%s-%s-%010d-%s",
		in.CashRegisterID,
		in.ReceiptNumber,
		at.Format("060102"),
		at.Format("1504"),
		amount,
		checksum,
	), nil
}

// signatureChecksum condenses the JWS signature segment into 4 uppercase hex
// characters for the OCR code.
func signatureChecksum(jws string) (string, error) {
	part, err := signature.SignaturePart(jws)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(part))
	return strings.ToUpper(hex.EncodeToString(sum[:2])), nil
}

// formatAmount renders minor currency units as a decimal string with a comma
// separator, e.g. -1250 -> "-12,50".
func formatAmount(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d,%02d", sign, amount/100, amount%100)
}
