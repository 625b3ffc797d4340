package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	receiptsSigned   metric.Int64Counter
	deviceErrors     metric.Int64Counter
	counterConflicts metric.Int64Counter
	verifyFailures   metric.Int64Counter
	lockContention   metric.Int64Counter
	depExports       metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "rksv"
	}
	meter := provider.Meter(name)

	receiptsSigned, err := meter.Int64Counter("rksv_receipts_signed_total")
	if err != nil {
		return nil, err
	}
	deviceErrors, err := meter.Int64Counter("rksv_signature_device_errors_total")
	if err != nil {
		return nil, err
	}
	counterConflicts, err := meter.Int64Counter("rksv_counter_conflicts_total")
	if err != nil {
		return nil, err
	}
	verifyFailures, err := meter.Int64Counter("rksv_verify_failures_total")
	if err != nil {
		return nil, err
	}
	lockContention, err := meter.Int64Counter("rksv_sign_lock_contention_total")
	if err != nil {
		return nil, err
	}
	depExports, err := meter.Int64Counter("rksv_dep_exports_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		receiptsSigned:   receiptsSigned,
		deviceErrors:     deviceErrors,
		counterConflicts: counterConflicts,
		verifyFailures:   verifyFailures,
		lockContention:   lockContention,
		depExports:       depExports,
	}, nil
}

// RecordReceiptSigned increments signed receipt counts by receipt type.
func (m *Metrics) RecordReceiptSigned(ctx context.Context, receiptType string) {
	if m == nil {
		return
	}
	m.receiptsSigned.Add(ctx, 1, metric.WithAttributes(
		attribute.String("receipt_type", strings.TrimSpace(receiptType)),
	))
}

// RecordDeviceError increments signature device failure counts.
func (m *Metrics) RecordDeviceError(ctx context.Context, deviceType string) {
	if m == nil {
		return
	}
	m.deviceErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("device_type", strings.TrimSpace(deviceType)),
	))
}

// RecordCounterConflict increments conditional-commit conflict counts.
func (m *Metrics) RecordCounterConflict(ctx context.Context) {
	if m == nil {
		return
	}
	m.counterConflicts.Add(ctx, 1)
}

// RecordVerifyFailure increments structural verification failure counts.
func (m *Metrics) RecordVerifyFailure(ctx context.Context, field string) {
	if m == nil {
		return
	}
	m.verifyFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("field", strings.TrimSpace(field)),
	))
}

// RecordLockContention increments counts of sign attempts that found the
// register busy.
func (m *Metrics) RecordLockContention(ctx context.Context) {
	if m == nil {
		return
	}
	m.lockContention.Add(ctx, 1)
}

// RecordDEPExport increments audit export counts.
func (m *Metrics) RecordDEPExport(ctx context.Context) {
	if m == nil {
		return
	}
	m.depExports.Add(ctx, 1)
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}
