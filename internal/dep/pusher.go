package dep

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fiskalwerk/rksv/internal/config"
	obstracing "github.com/fiskalwerk/rksv/internal/observability/tracing"
	"github.com/golang/snappy"
	"go.uber.org/zap"
)

const defaultPushTimeout = 10 * time.Second

// Pusher uploads DEP exports to an off-site archive. Implementations must not
// start background goroutines; pushes happen on demand after an export.
type Pusher interface {
	Push(ctx context.Context, export Export) error
}

// NewPusher builds a pusher from config. Misconfiguration is logged and
// returns nil so exports keep working without the archive.
func NewPusher(cfg config.Config, logger *zap.Logger) Pusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Archive.Enabled {
		return nil
	}

	endpoint := strings.TrimSpace(cfg.Archive.Endpoint)
	if endpoint == "" {
		logger.Warn("dep archive disabled: endpoint is required")
		return nil
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		logger.Warn("dep archive disabled: invalid endpoint", zap.Error(err))
		return nil
	}

	return NewArchivePusher(endpoint, cfg.Archive.AuthToken)
}

// ArchivePusher sends snappy-compressed DEP exports to an HTTP archive
// endpoint.
type ArchivePusher struct {
	endpoint   string
	authToken  string
	httpClient *http.Client
}

func NewArchivePusher(endpoint, authToken string) *ArchivePusher {
	return &ArchivePusher{
		endpoint:  endpoint,
		authToken: strings.TrimSpace(authToken),
		httpClient: obstracing.WrapHTTPClient(&http.Client{
			Timeout: defaultPushTimeout,
		}),
	}
}

// Push uploads one export. The archive is expected to store payloads
// immutably and reject duplicates on its own side.
func (p *ArchivePusher) Push(ctx context.Context, export Export) error {
	if p == nil {
		return nil
	}

	payload, err := json.Marshal(export)
	if err != nil {
		return err
	}
	compressed := snappy.Encode(nil, payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(compressed))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-DEP-Format-Version", export.FormatVersion)
	req.Header.Set("X-Cash-Register-Id", export.CashRegisterID)
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("dep archive returned %s", resp.Status)
	}
	return nil
}
