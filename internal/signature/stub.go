package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	registerdomain "github.com/fiskalwerk/rksv/internal/cashregister/domain"
	"golang.org/x/crypto/hkdf"
)

const stubKeyInfo = "rksv-receipt-signature-v1"

// StubDevice signs with an HMAC key derived from the register's stored AES
// key. It stands in for certified hardware in development and for registers
// running in training mode; the produced JWS is structurally identical to a
// hardware-backed one.
type StubDevice struct {
	key       []byte
	algorithm string
	serial    string
}

// NewStubDevice derives the signing key with HKDF-SHA256, bound to the
// register identifier so two registers sharing a base key still sign
// differently.
func NewStubDevice(cashRegisterID, aesKey string, cfg registerdomain.DeviceConfig) (*StubDevice, error) {
	if aesKey == "" {
		return nil, fmt.Errorf("%w: register has no key material", ErrDevice)
	}

	reader := hkdf.New(sha256.New, []byte(aesKey), []byte(cashRegisterID), []byte(stubKeyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("%w: key derivation: %v", ErrDevice, err)
	}

	algorithm := cfg.Algorithm
	if algorithm == "" {
		algorithm = "HS256"
	}
	serial := cfg.CertificateSerial
	if serial == "" {
		sum := sha256.Sum256(key)
		serial = "STUB-" + base64.RawURLEncoding.EncodeToString(sum[:6])
	}

	return &StubDevice{key: key, algorithm: algorithm, serial: serial}, nil
}

func (d *StubDevice) Sign(_ context.Context, payload []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, d.key)
	mac.Write(payload)
	return mac.Sum(nil), nil
}

func (d *StubDevice) Algorithm() string { return d.algorithm }

func (d *StubDevice) CertificateSerial() string { return d.serial }
