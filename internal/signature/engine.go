package signature

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Payload is the canonical signing input. Field order is fixed by the struct;
// the same receipt always serializes to the same bytes.
type Payload struct {
	CashRegisterID   string `json:"cashRegisterId"`
	ReceiptNumber    int64  `json:"receiptNumber"`
	DateTime         string `json:"dateTime"`
	TotalAmount      int64  `json:"totalAmount"`
	SignatureCounter int64  `json:"signatureCounter"`
	TurnoverCounter  int64  `json:"turnoverCounter"`
	PreviousHash     string `json:"previousHash"`
}

// NewPayload fills the canonical payload. Timestamps are normalized to UTC
// seconds so re-serialization is stable.
func NewPayload(cashRegisterID string, receiptNumber int64, at time.Time, totalAmount, signatureCounter, turnoverCounter int64, previousHash string) Payload {
	return Payload{
		CashRegisterID:   cashRegisterID,
		ReceiptNumber:    receiptNumber,
		DateTime:         at.UTC().Truncate(time.Second).Format(time.RFC3339),
		TotalAmount:      totalAmount,
		SignatureCounter: signatureCounter,
		TurnoverCounter:  turnoverCounter,
		PreviousHash:     previousHash,
	}
}

// Result is a completed signature.
type Result struct {
	JWS               string
	Algorithm         string
	CertificateSerial string
}

// Header is the decoded JWS protected header.
type Header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid,omitempty"`
}

// Engine turns canonical payloads into compact JWS strings using whichever
// device the register is configured with.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// Sign serializes the payload, lets the device sign the JWS signing input and
// assembles the compact serialization header.payload.signature.
func (e *Engine) Sign(ctx context.Context, device Device, payload Payload) (Result, error) {
	headerJSON, err := json.Marshal(Header{Alg: device.Algorithm(), Kid: device.CertificateSerial()})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDevice, err)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDevice, err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(payloadJSON)

	signature, err := device.Sign(ctx, []byte(signingInput))
	if err != nil {
		return Result{}, err
	}

	return Result{
		JWS:               signingInput + "." + base64.RawURLEncoding.EncodeToString(signature),
		Algorithm:         device.Algorithm(),
		CertificateSerial: device.CertificateSerial(),
	}, nil
}

// ErrMalformedJWS reports a compact serialization that does not parse.
var ErrMalformedJWS = errors.New("malformed_jws")

// DecodeJWS splits and decodes a compact JWS without verifying the signature
// cryptographically. Structural verification recomputes the chain from stored
// fields; key custody stays with the signature device.
func DecodeJWS(jws string) (header Header, payload Payload, signature []byte, err error) {
	parts := strings.Split(jws, ".")
	if len(parts) != 3 {
		return header, payload, nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedJWS, len(parts))
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return header, payload, nil, fmt.Errorf("%w: header: %v", ErrMalformedJWS, err)
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return header, payload, nil, fmt.Errorf("%w: header: %v", ErrMalformedJWS, err)
	}
	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return header, payload, nil, fmt.Errorf("%w: payload: %v", ErrMalformedJWS, err)
	}
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return header, payload, nil, fmt.Errorf("%w: payload: %v", ErrMalformedJWS, err)
	}
	signature, err = base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(signature) == 0 {
		return header, payload, nil, fmt.Errorf("%w: signature", ErrMalformedJWS)
	}
	return header, payload, signature, nil
}

// SignaturePart returns the encoded signature segment of a compact JWS.
func SignaturePart(jws string) (string, error) {
	parts := strings.Split(jws, ".")
	if len(parts) != 3 || parts[2] == "" {
		return "", ErrMalformedJWS
	}
	return parts[2], nil
}
