package signature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	registerdomain "github.com/fiskalwerk/rksv/internal/cashregister/domain"
	"github.com/fiskalwerk/rksv/internal/config"
)

// ErrDevice marks any failure of the signature device itself: unreachable
// hardware, timeouts, malformed responses. The caller must treat it as fatal
// for the attempt and leave the counters untouched.
var ErrDevice = errors.New("signature_device_failure")

// Device produces raw signatures over prepared payload bytes. Implementations
// exist for remote HSMs, qualified signature cards and a software stub used in
// development and training mode.
type Device interface {
	Sign(ctx context.Context, payload []byte) ([]byte, error)
	Algorithm() string
	CertificateSerial() string
}

// Factory builds the device matching a register's stored device configuration.
type Factory struct {
	defaults config.DeviceConfig
	client   *http.Client
}

func NewFactory(defaults config.DeviceConfig, client *http.Client) *Factory {
	if client == nil {
		client = &http.Client{Timeout: defaults.Timeout}
	}
	return &Factory{defaults: defaults, client: client}
}

// ForRegister parses the register's device config and returns the matching
// device.
func (f *Factory) ForRegister(register registerdomain.CashRegister) (Device, error) {
	var cfg registerdomain.DeviceConfig
	if len(register.DeviceConfig) > 0 {
		if err := json.Unmarshal(register.DeviceConfig, &cfg); err != nil {
			return nil, fmt.Errorf("%w: invalid device config: %v", ErrDevice, err)
		}
	}

	switch cfg.Type {
	case registerdomain.DeviceTypeSoftwareStub, "":
		return NewStubDevice(register.CashRegisterID, register.AESKey, cfg)
	case registerdomain.DeviceTypeHSM, registerdomain.DeviceTypeQualifiedCard:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = f.defaults.Endpoint
		}
		token := cfg.AuthToken
		if token == "" {
			token = f.defaults.AuthToken
		}
		if endpoint == "" {
			return nil, fmt.Errorf("%w: %s device has no endpoint", ErrDevice, cfg.Type)
		}
		return NewRemoteDevice(endpoint, token, cfg, f.client), nil
	default:
		return nil, fmt.Errorf("%w: unknown device type %q", ErrDevice, cfg.Type)
	}
}
