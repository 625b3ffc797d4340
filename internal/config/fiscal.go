package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// FiscalConfig holds jurisdiction-dependent signing parameters. The RKSV
// reference values are defaults, not constants: the rounding tolerance and the
// QR delimiter scheme differ per fiscal authority.
type FiscalConfig struct {
	// RoundingTolerance is the allowed deviation, in minor currency units,
	// between a receipt total and the sum of its VAT breakdown or line items.
	RoundingTolerance int64 `mapstructure:"roundingTolerance"`
	// QRDelimiter joins the fields of the machine-readable code.
	QRDelimiter string `mapstructure:"qrDelimiter"`
	// QRPrefix tags the encoding variant of the machine-readable code.
	QRPrefix string `mapstructure:"qrPrefix"`
	// DEPFormatVersion tags exported receipts with the audit-export revision.
	DEPFormatVersion string `mapstructure:"depFormatVersion"`
	// NullReceiptWindow is the maximum silence before a Nullbeleg is due.
	NullReceiptWindow time.Duration `mapstructure:"nullReceiptWindow"`
	// CounterCacheTTL bounds the redis hot cache for counter state. The durable
	// store keeps counters indefinitely; this only controls cache eviction.
	CounterCacheTTL time.Duration `mapstructure:"counterCacheTTL"`
	// SignLockTTL bounds the cross-instance lease held during one sign operation.
	SignLockTTL time.Duration `mapstructure:"signLockTTL"`
}

func DefaultFiscalConfig() FiscalConfig {
	return FiscalConfig{
		RoundingTolerance: 1,
		QRDelimiter:       "_",
		QRPrefix:          "_R1-AT1",
		DEPFormatVersion:  "DEP131",
		NullReceiptWindow: 24 * time.Hour,
		CounterCacheTTL:   time.Hour,
		SignLockTTL:       30 * time.Second,
	}
}

// FiscalConfigHolder serves the current fiscal parameters and hot-reloads them
// when the config file changes.
type FiscalConfigHolder struct {
	current atomic.Value // holds FiscalConfig
}

func NewFiscalConfigHolder() (*FiscalConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("fiscal")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/rksv/config")
	v.AddConfigPath("/etc/rksv")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RKSV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultFiscalConfig()
	v.SetDefault("fiscal.roundingTolerance", defaults.RoundingTolerance)
	v.SetDefault("fiscal.qrDelimiter", defaults.QRDelimiter)
	v.SetDefault("fiscal.qrPrefix", defaults.QRPrefix)
	v.SetDefault("fiscal.depFormatVersion", defaults.DEPFormatVersion)
	v.SetDefault("fiscal.nullReceiptWindow", defaults.NullReceiptWindow)
	v.SetDefault("fiscal.counterCacheTTL", defaults.CounterCacheTTL)
	v.SetDefault("fiscal.signLockTTL", defaults.SignLockTTL)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg FiscalConfig
	if err := v.UnmarshalKey("fiscal", &cfg); err != nil {
		return nil, err
	}
	if err := validateFiscalConfig(cfg); err != nil {
		return nil, err
	}

	holder := &FiscalConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated FiscalConfig
		if err := v.UnmarshalKey("fiscal", &updated); err != nil {
			log.Printf("[fiscal-config] reload failed: %v", err)
			return
		}
		if err := validateFiscalConfig(updated); err != nil {
			log.Printf("[fiscal-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[fiscal-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticFiscalConfigHolder wraps a fixed config, for tests.
func NewStaticFiscalConfigHolder(cfg FiscalConfig) *FiscalConfigHolder {
	holder := &FiscalConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *FiscalConfigHolder) Get() FiscalConfig {
	return h.current.Load().(FiscalConfig)
}

func validateFiscalConfig(cfg FiscalConfig) error {
	if cfg.RoundingTolerance < 0 {
		return errors.New("fiscal.roundingTolerance cannot be negative")
	}
	if cfg.QRDelimiter == "" {
		return errors.New("fiscal.qrDelimiter cannot be empty")
	}
	if cfg.DEPFormatVersion == "" {
		return errors.New("fiscal.depFormatVersion cannot be empty")
	}
	if cfg.NullReceiptWindow <= 0 {
		return errors.New("fiscal.nullReceiptWindow must be positive")
	}
	if cfg.SignLockTTL <= 0 {
		return errors.New("fiscal.signLockTTL must be positive")
	}
	return nil
}
