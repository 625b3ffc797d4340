package signature

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	registerdomain "github.com/fiskalwerk/rksv/internal/cashregister/domain"
	"github.com/fiskalwerk/rksv/internal/config"
	"github.com/stretchr/testify/assert"
)

func configDefaults() config.DeviceConfig {
	return config.DeviceConfig{Timeout: 5 * time.Second}
}

func testPayload() Payload {
	return NewPayload("KASSE001", 2, time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC), 1000, 2, 1000, "abc123")
}

func TestStubDeviceDeterministic(t *testing.T) {
	device, err := NewStubDevice("KASSE001", "0123456789abcdef", registerdomain.DeviceConfig{})
	assert.NoError(t, err)
	assert.Equal(t, "HS256", device.Algorithm())
	assert.NotEmpty(t, device.CertificateSerial())

	ctx := context.Background()
	first, err := device.Sign(ctx, []byte("payload"))
	assert.NoError(t, err)
	second, err := device.Sign(ctx, []byte("payload"))
	assert.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := device.Sign(ctx, []byte("different"))
	assert.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestStubDeviceKeyBoundToRegister(t *testing.T) {
	a, err := NewStubDevice("KASSE001", "sharedkey", registerdomain.DeviceConfig{})
	assert.NoError(t, err)
	b, err := NewStubDevice("KASSE002", "sharedkey", registerdomain.DeviceConfig{})
	assert.NoError(t, err)

	ctx := context.Background()
	sigA, _ := a.Sign(ctx, []byte("payload"))
	sigB, _ := b.Sign(ctx, []byte("payload"))
	assert.NotEqual(t, sigA, sigB)
}

func TestStubDeviceRequiresKey(t *testing.T) {
	_, err := NewStubDevice("KASSE001", "", registerdomain.DeviceConfig{})
	assert.ErrorIs(t, err, ErrDevice)
}

func TestEngineSignRoundTrip(t *testing.T) {
	device, err := NewStubDevice("KASSE001", "0123456789abcdef", registerdomain.DeviceConfig{CertificateSerial: "SN-42"})
	assert.NoError(t, err)

	engine := NewEngine()
	result, err := engine.Sign(context.Background(), device, testPayload())
	assert.NoError(t, err)
	assert.Equal(t, "HS256", result.Algorithm)
	assert.Equal(t, "SN-42", result.CertificateSerial)

	header, payload, sig, err := DecodeJWS(result.JWS)
	assert.NoError(t, err)
	assert.Equal(t, "HS256", header.Alg)
	assert.Equal(t, "SN-42", header.Kid)
	assert.Equal(t, "KASSE001", payload.CashRegisterID)
	assert.Equal(t, int64(2), payload.ReceiptNumber)
	assert.Equal(t, "2026-03-14T10:30:00Z", payload.DateTime)
	assert.Equal(t, "abc123", payload.PreviousHash)
	assert.NotEmpty(t, sig)
}

func TestEngineSignStable(t *testing.T) {
	device, err := NewStubDevice("KASSE001", "0123456789abcdef", registerdomain.DeviceConfig{})
	assert.NoError(t, err)

	engine := NewEngine()
	first, err := engine.Sign(context.Background(), device, testPayload())
	assert.NoError(t, err)
	second, err := engine.Sign(context.Background(), device, testPayload())
	assert.NoError(t, err)
	assert.Equal(t, first.JWS, second.JWS)
}

func TestDecodeJWSMalformed(t *testing.T) {
	_, _, _, err := DecodeJWS("only.two")
	assert.ErrorIs(t, err, ErrMalformedJWS)

	_, _, _, err = DecodeJWS("not base64.!!.x")
	assert.ErrorIs(t, err, ErrMalformedJWS)

	_, err = SignaturePart("a.b")
	assert.ErrorIs(t, err, ErrMalformedJWS)

	part, err := SignaturePart("a.b.c")
	assert.NoError(t, err)
	assert.Equal(t, "c", part)
}

func TestRemoteDeviceSign(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sign", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req struct {
			Payload   string `json:"payload"`
			Algorithm string `json:"algorithm"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ES256", req.Algorithm)

		json.NewEncoder(w).Encode(map[string]string{
			"signature":          "c2lnbmF0dXJl",
			"certificate_serial": "HSM-777",
		})
	}))
	defer server.Close()

	device := NewRemoteDevice(server.URL, "secret", registerdomain.DeviceConfig{}, server.Client())
	sig, err := device.Sign(context.Background(), []byte("payload"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("signature"), sig)
	assert.Equal(t, "HSM-777", device.CertificateSerial())
}

func TestRemoteDeviceFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "hsm offline", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	device := NewRemoteDevice(server.URL, "", registerdomain.DeviceConfig{}, server.Client())
	_, err := device.Sign(context.Background(), []byte("payload"))
	assert.ErrorIs(t, err, ErrDevice)
}

func TestFactorySelectsDevice(t *testing.T) {
	factory := NewFactory(configDefaults(), nil)

	stubCfg, _ := json.Marshal(registerdomain.DeviceConfig{Type: registerdomain.DeviceTypeSoftwareStub})
	device, err := factory.ForRegister(registerdomain.CashRegister{
		CashRegisterID: "KASSE001",
		AESKey:         "0123456789abcdef",
		DeviceConfig:   stubCfg,
	})
	assert.NoError(t, err)
	assert.IsType(t, &StubDevice{}, device)

	hsmCfg, _ := json.Marshal(registerdomain.DeviceConfig{Type: registerdomain.DeviceTypeHSM, Endpoint: "http://hsm.local"})
	device, err = factory.ForRegister(registerdomain.CashRegister{
		CashRegisterID: "KASSE001",
		DeviceConfig:   hsmCfg,
	})
	assert.NoError(t, err)
	assert.IsType(t, &RemoteDevice{}, device)

	badCfg, _ := json.Marshal(map[string]string{"type": "abacus"})
	_, err = factory.ForRegister(registerdomain.CashRegister{DeviceConfig: badCfg})
	assert.ErrorIs(t, err, ErrDevice)
}
