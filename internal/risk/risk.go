// Package risk sizes trades. Every strategy is a pure function of its
// Context; callers feed account equity and limits in and get a volume plus
// the risk/reward metadata back.
package risk

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/finchkit/trading-core/internal/model"
)

// Context is the account and symbol state a sizing run needs. OpenRiskVolume
// and DailyLossCapacity are monetary amounts in the account currency.
type Context struct {
	Side              model.Side
	Equity            float64
	OpenRiskVolume    float64
	DailyLossCapacity float64
	DailyLossLimited  bool
	Account           model.AccountRiskConfig
	Symbol            model.SymbolRiskConfig
}

// SizedTrade carries the volume plus enough metadata to log or display the
// decision.
type SizedTrade struct {
	Volume          float64
	StopLoss        float64
	TakeProfit      *float64
	RiskVolume      float64
	RewardVolume    float64
	RiskRewardRatio float64
}

type Sizer interface {
	CalculateVolume(ctx Context, entry, stop float64) (SizedTrade, error)
}

// RoundToStep rounds volume down to the symbol's volume step and floors it
// at the minimum volume. Decimal math avoids float dust on the step grid.
func RoundToStep(volume, step, minVolume float64) float64 {
	if step <= 0 {
		return math.Max(volume, minVolume)
	}
	d := decimal.NewFromFloat(volume).
		Div(decimal.NewFromFloat(step)).
		Floor().
		Mul(decimal.NewFromFloat(step))
	v, _ := d.Float64()
	if v < minVolume {
		return minVolume
	}
	return v
}

// lossPerLot converts a stop distance into money risked per lot.
func lossPerLot(ctx Context, entry, stop float64) float64 {
	distPips := math.Abs(entry-stop) / ctx.Symbol.PipSize
	return distPips * ctx.Symbol.PipValuePerLot
}

// clamp applies the account-level caps: max single-trade percent, remaining
// daily-loss capacity, and the open-position risk budget.
func clamp(ctx Context, volume, perLot float64) float64 {
	if perLot <= 0 {
		return volume
	}
	if p := ctx.Account.MaxSingleTradePercent; p > 0 {
		if capVol := ctx.Equity * p / 100 / perLot; capVol < volume {
			volume = capVol
		}
	}
	if ctx.DailyLossLimited {
		if capVol := ctx.DailyLossCapacity / perLot; capVol < volume {
			volume = capVol
		}
	}
	if p := ctx.Account.MaxTotalRiskPercent; p > 0 {
		budget := ctx.Equity*p/100 - ctx.OpenRiskVolume
		if budget < 0 {
			budget = 0
		}
		if capVol := budget / perLot; capVol < volume {
			volume = capVol
		}
	}
	return volume
}

// PercentEquityRisk risks a fixed percent of equity per trade.
type PercentEquityRisk struct {
	Percent float64
}

func (r PercentEquityRisk) CalculateVolume(ctx Context, entry, stop float64) (SizedTrade, error) {
	percent, _, err := model.NormalizePercent(r.Percent)
	if err != nil {
		return SizedTrade{}, err
	}
	if entry == stop {
		return SizedTrade{}, fmt.Errorf("%w: entry and stop loss are equal", model.ErrValidation)
	}

	perLot := lossPerLot(ctx, entry, stop)
	if perLot <= 0 {
		return SizedTrade{}, fmt.Errorf("%w: non-positive loss per lot", model.ErrValidation)
	}

	allowedLoss := ctx.Equity * percent / 100
	raw := allowedLoss / perLot
	raw = clamp(ctx, raw, perLot)

	volume := RoundToStep(raw, ctx.Symbol.VolumeStep, ctx.Symbol.MinVolume)
	return SizedTrade{
		Volume:     volume,
		StopLoss:   stop,
		RiskVolume: perLot * volume,
	}, nil
}

// FixedAmountRisk risks a fixed monetary amount per trade.
type FixedAmountRisk struct {
	Amount float64
}

func (r FixedAmountRisk) CalculateVolume(ctx Context, entry, stop float64) (SizedTrade, error) {
	if r.Amount <= 0 {
		return SizedTrade{}, fmt.Errorf("%w: allowed loss amount must be positive", model.ErrValidation)
	}
	dist := math.Abs(entry - stop)
	if dist == 0 {
		return SizedTrade{}, fmt.Errorf("%w: entry and stop loss are equal", model.ErrValidation)
	}

	raw := r.Amount / dist
	perLot := lossPerLot(ctx, entry, stop)
	raw = clamp(ctx, raw, perLot)

	volume := RoundToStep(raw, ctx.Symbol.VolumeStep, ctx.Symbol.MinVolume)
	return SizedTrade{
		Volume:     volume,
		StopLoss:   stop,
		RiskVolume: dist * volume,
	}, nil
}

// ATRRisk derives the stop distance from the current ATR and the take
// profit from the reward/risk ratio, then sizes like PercentEquityRisk.
type ATRRisk struct {
	Percent       float64
	ATRValue      float64
	ATRMultiplier float64
	RRRatio       float64
}

func (r ATRRisk) CalculateVolume(ctx Context, entry, _ float64) (SizedTrade, error) {
	if r.ATRValue <= 0 || r.ATRMultiplier <= 0 {
		return SizedTrade{}, fmt.Errorf("%w: atr value and multiplier must be positive", model.ErrValidation)
	}

	slDistance := r.ATRValue * r.ATRMultiplier

	var stop, tp float64
	if ctx.Side == model.Short {
		stop = entry + slDistance
		tp = entry - r.RRRatio*slDistance
	} else {
		stop = entry - slDistance
		tp = entry + r.RRRatio*slDistance
	}

	sized, err := PercentEquityRisk{Percent: r.Percent}.CalculateVolume(ctx, entry, stop)
	if err != nil {
		return SizedTrade{}, err
	}

	if r.RRRatio > 0 {
		sized.TakeProfit = &tp
		sized.RewardVolume = sized.RiskVolume * r.RRRatio
		sized.RiskRewardRatio = r.RRRatio
	}
	return sized, nil
}
