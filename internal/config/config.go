package config

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// SaleConfig models sale.json: the sale parameters the contract owner fixes
// at deployment. Amounts are decimal strings in base units.
type SaleConfig struct {
	Owner         string `json:"owner"`
	TotalSupply   string `json:"totalSupply"`
	TokensPerUnit int64  `json:"tokensPerUnit"`
	UnitPrice     string `json:"unitPrice"`
	MinPurchase   string `json:"minPurchase"`
	ExecutionFee  string `json:"executionFee"`
	LaunchpadURL  string `json:"launchpadUrl"`
	Secrets       struct {
		APISecret      string `json:"apiSecret"`
		ExecutorSecret string `json:"executorSecret"`
	} `json:"secrets"`
	Retry struct {
		MaxAttempts       int `json:"maxAttempts"`
		InitialBackoffMs  int `json:"initialBackoffMs"`
		MaxBackoffMs      int `json:"maxBackoffMs"`
		BackoffMultiplier int `json:"backoffMultiplier"`
	} `json:"retry"`
	Timeouts struct {
		IdempotencyWindowSecs int `json:"idempotencyWindowSeconds"`
		SettlementTTLSecs     int `json:"settlementTtlSeconds"`
		ExecTimeoutSecs       int `json:"execTimeoutSeconds"`
	} `json:"timeouts"`
}

// SaleAmounts is SaleConfig with its amount strings parsed.
type SaleAmounts struct {
	TotalSupply  *big.Int
	UnitPrice    *big.Int
	MinPurchase  *big.Int
	ExecutionFee *big.Int
}

// ServiceEnv is per-deployment wiring read from the environment.
type ServiceEnv struct {
	HTTPPort      int           `env:"API_HTTP_PORT" envDefault:"3000"`
	SalePath      string        `env:"SALE_CONFIG_PATH" envDefault:"sale.json"`
	HMACClockSkew time.Duration `env:"HMAC_CLOCK_SKEW" envDefault:"60s"`

	// SettlementStorePath and IdempotencyStorePath select SQLite files;
	// PostgresDSN, when set, wins over both.
	SettlementStorePath  string `env:"SETTLEMENT_STORE_PATH"`
	IdempotencyStorePath string `env:"IDEMPOTENCY_STORE_PATH"`
	PostgresDSN          string `env:"POSTGRES_DSN"`

	ChainRPCURL     string `env:"CHAIN_RPC_URL"`
	ChainPrivateKey string `env:"CHAIN_PRIVATE_KEY"`

	DLQPath string `env:"DLQ_PATH"`

	// VerifierCommand, when set, runs verification through the standalone
	// verifier binary instead of in-process.
	VerifierCommand string `env:"VERIFIER_COMMAND"`
}

type AppConfig struct {
	Sale    SaleConfig
	Service ServiceEnv
}

// Load aggregates configuration from the environment and the sale file.
func Load() (*AppConfig, error) {
	var svc ServiceEnv
	if err := env.Parse(&svc); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	sale, err := loadSale(svc.SalePath)
	if err != nil {
		return nil, fmt.Errorf("load sale config: %w", err)
	}

	applyDefaults(sale)

	return &AppConfig{Sale: *sale, Service: svc}, nil
}

func loadSale(path string) (*SaleConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg SaleConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *SaleConfig) {
	if cfg.TokensPerUnit == 0 {
		cfg.TokensPerUnit = 100
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialBackoffMs == 0 {
		cfg.Retry.InitialBackoffMs = 500
	}
	if cfg.Retry.BackoffMultiplier == 0 {
		cfg.Retry.BackoffMultiplier = 2
	}
	if cfg.Timeouts.IdempotencyWindowSecs == 0 {
		cfg.Timeouts.IdempotencyWindowSecs = 300
	}
	if cfg.Timeouts.SettlementTTLSecs == 0 {
		cfg.Timeouts.SettlementTTLSecs = 600
	}
	if cfg.Timeouts.ExecTimeoutSecs == 0 {
		cfg.Timeouts.ExecTimeoutSecs = 120
	}
}

// Amounts parses the sale's amount strings, rejecting anything that is not a
// non-negative decimal.
func (c *SaleConfig) Amounts() (*SaleAmounts, error) {
	parse := func(name, value string) (*big.Int, error) {
		if value == "" {
			return nil, fmt.Errorf("%s is required", name)
		}
		v, ok := new(big.Int).SetString(value, 10)
		if !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("invalid %s: %q", name, value)
		}
		return v, nil
	}

	supply, err := parse("totalSupply", c.TotalSupply)
	if err != nil {
		return nil, err
	}
	unit, err := parse("unitPrice", c.UnitPrice)
	if err != nil {
		return nil, err
	}
	if unit.Sign() == 0 {
		return nil, fmt.Errorf("unitPrice must be positive")
	}
	minPurchase, err := parse("minPurchase", c.MinPurchase)
	if err != nil {
		return nil, err
	}
	fee, err := parse("executionFee", c.ExecutionFee)
	if err != nil {
		return nil, err
	}

	return &SaleAmounts{
		TotalSupply:  supply,
		UnitPrice:    unit,
		MinPurchase:  minPurchase,
		ExecutionFee: fee,
	}, nil
}

func (c *SaleConfig) IdempotencyWindow() time.Duration {
	return time.Duration(c.Timeouts.IdempotencyWindowSecs) * time.Second
}

func (c *SaleConfig) SettlementTTL() time.Duration {
	return time.Duration(c.Timeouts.SettlementTTLSecs) * time.Second
}

func (c *SaleConfig) ExecTimeout() time.Duration {
	return time.Duration(c.Timeouts.ExecTimeoutSecs) * time.Second
}

func (c *SaleConfig) InitialBackoff() time.Duration {
	return time.Duration(c.Retry.InitialBackoffMs) * time.Millisecond
}

func (c *SaleConfig) MaxBackoff() time.Duration {
	return time.Duration(c.Retry.MaxBackoffMs) * time.Millisecond
}
