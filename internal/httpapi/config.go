package httpapi

import (
	"fmt"
	"strings"
)

const (
	defaultListenAddr          = ":8085"
	defaultAllowedOrigin       = "*"
	defaultConsumeCostCredits  = 20
	defaultPurchaseCredits     = 100
	walletHistoryLimit         = 10
	maxWebhookBodyBytes  int64 = 1 << 20
)

// Config aggregates runtime settings for the HTTP API.
type Config struct {
	ListenAddr         string
	AllowedOrigins     []string
	ConsumeCostCredits int64
	PurchaseCredits    int64
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.ConsumeCostCredits == 0 {
		cfg.ConsumeCostCredits = defaultConsumeCostCredits
	}
	if cfg.PurchaseCredits == 0 {
		cfg.PurchaseCredits = defaultPurchaseCredits
	}
	if cfg.ConsumeCostCredits < 0 {
		return fmt.Errorf("consume cost must be positive")
	}
	if cfg.PurchaseCredits < 0 {
		return fmt.Errorf("purchase credits must be positive")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
