package signature

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	registerdomain "github.com/fiskalwerk/rksv/internal/cashregister/domain"
)

// RemoteDevice talks to an external signing service fronting an HSM or a
// qualified signature card. The wire contract is a single POST /sign call.
type RemoteDevice struct {
	endpoint  string
	authToken string
	algorithm string
	serial    string
	client    *http.Client
}

func NewRemoteDevice(endpoint, authToken string, cfg registerdomain.DeviceConfig, client *http.Client) *RemoteDevice {
	algorithm := cfg.Algorithm
	if algorithm == "" {
		algorithm = "ES256"
	}
	return &RemoteDevice{
		endpoint:  strings.TrimRight(endpoint, "/"),
		authToken: authToken,
		algorithm: algorithm,
		serial:    cfg.CertificateSerial,
		client:    client,
	}
}

type signRequest struct {
	Payload   string `json:"payload"`
	Algorithm string `json:"algorithm"`
}

type signResponse struct {
	Signature         string `json:"signature"`
	Algorithm         string `json:"algorithm,omitempty"`
	CertificateSerial string `json:"certificate_serial,omitempty"`
}

func (d *RemoteDevice) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	body, err := json.Marshal(signRequest{
		Payload:   base64.StdEncoding.EncodeToString(payload),
		Algorithm: d.algorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDevice, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDevice, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.authToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDevice, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: device returned %d: %s", ErrDevice, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed signResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrDevice, err)
	}
	signature, err := base64.StdEncoding.DecodeString(parsed.Signature)
	if err != nil || len(signature) == 0 {
		return nil, fmt.Errorf("%w: malformed signature in response", ErrDevice)
	}
	if parsed.CertificateSerial != "" {
		d.serial = parsed.CertificateSerial
	}
	return signature, nil
}

func (d *RemoteDevice) Algorithm() string { return d.algorithm }

func (d *RemoteDevice) CertificateSerial() string { return d.serial }
