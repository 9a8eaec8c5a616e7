package model

import (
	"errors"
	"fmt"
)

var ErrValidation = errors.New("validation error")

// AccountRiskConfig holds account-level risk limits. Percents are stored in
// the 0..100 range.
type AccountRiskConfig struct {
	BaseCurrency          string  `yaml:"base_currency"`
	MaxSingleTradePercent float64 `yaml:"max_single_trade_percent"`
	MaxTotalRiskPercent   float64 `yaml:"max_total_risk_percent"`
	DailyMaxLossPercent   float64 `yaml:"daily_max_loss_percent"`
}

// SymbolRiskConfig describes one instrument's contract and sizing rules.
type SymbolRiskConfig struct {
	Symbol         string  `yaml:"symbol"`
	TradeUnit      float64 `yaml:"trade_unit"`
	Leverage       float64 `yaml:"leverage"`
	VolumeStep     float64 `yaml:"volume_step"`
	MinVolume      float64 `yaml:"min_volume"`
	PipSize        float64 `yaml:"pip_size"`
	PipValuePerLot float64 `yaml:"pip_value_per_lot"`
}

func (c *SymbolRiskConfig) Setup() {
	if c.TradeUnit <= 0 {
		c.TradeUnit = 1
	}
	if c.Leverage < 1 {
		c.Leverage = 1
	}
	if c.VolumeStep <= 0 {
		c.VolumeStep = 0.01
	}
	if c.MinVolume <= 0 {
		c.MinVolume = c.VolumeStep
	}
	if c.PipSize <= 0 {
		c.PipSize = 0.0001
	}
	if c.PipValuePerLot <= 0 {
		c.PipValuePerLot = c.TradeUnit * c.PipSize
	}
}

// NormalizePercent validates a risk percent. Negative and >100 values are
// rejected. Fractions below 1 are legacy configs and get scaled by 100; the
// second return value reports that the scaling fired so callers can warn.
func NormalizePercent(p float64) (float64, bool, error) {
	if p < 0 {
		return 0, false, fmt.Errorf("%w: risk percent must not be negative, got %f", ErrValidation, p)
	}
	if p > 100 {
		return 0, false, fmt.Errorf("%w: risk percent must not exceed 100, got %f", ErrValidation, p)
	}
	if p > 0 && p < 1 {
		return p * 100, true, nil
	}
	return p, false, nil
}
