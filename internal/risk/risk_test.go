package risk

import (
	"math"
	"testing"

	"github.com/finchkit/trading-core/internal/model"
)

func testContext() Context {
	return Context{
		Side:   model.Long,
		Equity: 100000,
		Symbol: model.SymbolRiskConfig{
			Symbol:         "USDJPY",
			TradeUnit:      100000,
			Leverage:       25,
			VolumeStep:     0.01,
			MinVolume:      0.01,
			PipSize:        0.01,
			PipValuePerLot: 1000,
		},
	}
}

func TestRoundToStep(t *testing.T) {
	tests := []struct {
		name                    string
		volume, step, min, want float64
	}{
		{name: "exact step", volume: 0.02, step: 0.01, min: 0.01, want: 0.02},
		{name: "rounds down", volume: 0.029, step: 0.01, min: 0.01, want: 0.02},
		{name: "floors at min", volume: 0.004, step: 0.01, min: 0.01, want: 0.01},
		{name: "no float dust", volume: 0.57, step: 0.01, min: 0.01, want: 0.57},
		{name: "coarse step", volume: 7.9, step: 0.5, min: 0.5, want: 7.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundToStep(tt.volume, tt.step, tt.min)
			if got != tt.want {
				t.Errorf("RoundToStep(%f, %f, %f) = %v, want %v", tt.volume, tt.step, tt.min, got, tt.want)
			}
		})
	}
}

func TestPercentEquityRisk(t *testing.T) {
	ctx := testContext()

	// 1% of 100000 equity = 1000 allowed loss; 50 pips * 1000 per lot =
	// 50000 loss per lot.
	sized, err := PercentEquityRisk{Percent: 1}.CalculateVolume(ctx, 150.00, 149.50)
	if err != nil {
		t.Fatalf("CalculateVolume: %v", err)
	}
	if sized.Volume != 0.02 {
		t.Errorf("volume = %v, want 0.02", sized.Volume)
	}
	if math.Abs(sized.RiskVolume-1000) > 1e-9 {
		t.Errorf("risk volume = %v, want 1000", sized.RiskVolume)
	}
	if sized.StopLoss != 149.50 {
		t.Errorf("stop loss = %v, want 149.50", sized.StopLoss)
	}
}

func TestPercentEquityRiskFractionScales(t *testing.T) {
	ctx := testContext()

	// 0.01 is a legacy fraction config and means 1%.
	fromFraction, err := PercentEquityRisk{Percent: 0.01}.CalculateVolume(ctx, 150.00, 149.50)
	if err != nil {
		t.Fatalf("CalculateVolume: %v", err)
	}
	fromPercent, err := PercentEquityRisk{Percent: 1}.CalculateVolume(ctx, 150.00, 149.50)
	if err != nil {
		t.Fatalf("CalculateVolume: %v", err)
	}
	if fromFraction.Volume != fromPercent.Volume {
		t.Errorf("fraction config sized %v, percent config sized %v", fromFraction.Volume, fromPercent.Volume)
	}
}

func TestPercentEquityRiskClamps(t *testing.T) {
	ctx := testContext()

	// Max single trade 0.5% of equity = 500 money cap, half the 1% risk.
	ctx.Account.MaxSingleTradePercent = 0.5
	sized, err := PercentEquityRisk{Percent: 1}.CalculateVolume(ctx, 150.00, 149.50)
	if err != nil {
		t.Fatalf("CalculateVolume: %v", err)
	}
	if sized.Volume != 0.01 {
		t.Errorf("clamped volume = %v, want 0.01", sized.Volume)
	}

	// A tight daily-loss capacity clamps further but the floor holds.
	ctx.DailyLossLimited = true
	ctx.DailyLossCapacity = 100
	sized, err = PercentEquityRisk{Percent: 1}.CalculateVolume(ctx, 150.00, 149.50)
	if err != nil {
		t.Fatalf("CalculateVolume: %v", err)
	}
	if sized.Volume != ctx.Symbol.MinVolume {
		t.Errorf("volume = %v, want min volume %v", sized.Volume, ctx.Symbol.MinVolume)
	}
}

func TestPercentEquityRiskRejectsEqualPrices(t *testing.T) {
	ctx := testContext()
	if _, err := (PercentEquityRisk{Percent: 1}).CalculateVolume(ctx, 150, 150); err == nil {
		t.Fatal("expected error for entry == stop")
	}
}

func TestFixedAmountRisk(t *testing.T) {
	ctx := testContext()

	sized, err := FixedAmountRisk{Amount: 1000}.CalculateVolume(ctx, 150.00, 149.50)
	if err != nil {
		t.Fatalf("CalculateVolume: %v", err)
	}
	if sized.Volume != 2000 {
		t.Errorf("volume = %v, want 2000", sized.Volume)
	}
	if math.Abs(sized.RiskVolume-1000) > 1e-9 {
		t.Errorf("risk volume = %v, want 1000", sized.RiskVolume)
	}
}

func TestATRRisk(t *testing.T) {
	ctx := testContext()

	sized, err := ATRRisk{Percent: 1, ATRValue: 0.2, ATRMultiplier: 2, RRRatio: 2}.CalculateVolume(ctx, 150.00, 0)
	if err != nil {
		t.Fatalf("CalculateVolume: %v", err)
	}
	if math.Abs(sized.StopLoss-149.60) > 1e-9 {
		t.Errorf("stop loss = %v, want 149.60", sized.StopLoss)
	}
	if sized.TakeProfit == nil {
		t.Fatal("take profit should be derived from the rr ratio")
	}
	if math.Abs(*sized.TakeProfit-150.80) > 1e-9 {
		t.Errorf("take profit = %v, want 150.80", *sized.TakeProfit)
	}
	if sized.RiskRewardRatio != 2 {
		t.Errorf("risk reward ratio = %v, want 2", sized.RiskRewardRatio)
	}
	if math.Abs(sized.RewardVolume-2*sized.RiskVolume) > 1e-9 {
		t.Errorf("reward volume = %v, want twice the risk volume %v", sized.RewardVolume, sized.RiskVolume)
	}
}

func TestATRRiskShortDirection(t *testing.T) {
	ctx := testContext()
	ctx.Side = model.Short

	sized, err := ATRRisk{Percent: 1, ATRValue: 0.2, ATRMultiplier: 2, RRRatio: 1}.CalculateVolume(ctx, 150.00, 0)
	if err != nil {
		t.Fatalf("CalculateVolume: %v", err)
	}
	if sized.StopLoss <= 150.00 {
		t.Errorf("short stop loss %v must be above entry", sized.StopLoss)
	}
	if *sized.TakeProfit >= 150.00 {
		t.Errorf("short take profit %v must be below entry", *sized.TakeProfit)
	}
}
