package services

import (
	"math"
	"math/rand/v2"
	"time"

	"pricepilot-api/pkg/models"

	"github.com/shopspring/decimal"
)

// SimulatedProduct describes one product for the simulator.
type SimulatedProduct struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Category    string   `json:"category" yaml:"category"`
	BasePrice   float64  `json:"base_price" yaml:"base_price"`
	UnitCost    float64  `json:"unit_cost,omitempty" yaml:"unit_cost,omitempty"`
	BaseDemand  float64  `json:"base_demand" yaml:"base_demand"`   // 基準価格での1日あたり販売数
	GrowthRate  float64  `json:"growth_rate" yaml:"growth_rate"`   // 日次成長率 (0.0005 ≒ 年20%)
	Elasticity  float64  `json:"elasticity" yaml:"elasticity"`     // 真の価格弾力性
	Competitors []string `json:"competitors" yaml:"competitors"`   // 競合名
	MarketLevel float64  `json:"market_level" yaml:"market_level"` // 競合価格水準（基準価格比）
}

func (p SimulatedProduct) withDefaults() SimulatedProduct {
	if p.BaseDemand <= 0 {
		p.BaseDemand = 50
	}
	if p.Elasticity == 0 {
		p.Elasticity = -1.2
	}
	if p.MarketLevel <= 0 {
		p.MarketLevel = 1
	}
	if len(p.Competitors) == 0 {
		p.Competitors = []string{"competitor-a", "competitor-b", "competitor-c"}
	}
	return p
}

// SalesSimulator generates reproducible synthetic observations with
// seasonality, a weekend lift, price response, noise and rare spike days.
type SalesSimulator struct {
	rng *rand.Rand
}

// NewSalesSimulator 指定シードでシミュレーターを作成
func NewSalesSimulator(seed uint64) *SalesSimulator {
	return &SalesSimulator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// seasonalMultiplier 月ごとの需要係数
func seasonalMultiplier(t time.Time) float64 {
	switch t.Month() {
	case time.March, time.April:
		return 1.0
	case time.May, time.June:
		return 1.15
	case time.July, time.August, time.September:
		return 0.85
	case time.October, time.November:
		return 1.05
	default:
		return 1.30
	}
}

// Generate simulates days of sales, competitor prices and trend scores ending at end.
func (s *SalesSimulator) Generate(product SimulatedProduct, days int, end time.Time) models.ProductObservations {
	p := product.withDefaults()
	end = truncateDay(end)
	start := end.AddDate(0, 0, -(days - 1))

	obs := models.ProductObservations{
		Product: models.ProductRecord{
			ID:        p.ID,
			Name:      p.Name,
			Category:  p.Category,
			BasePrice: decimal.NewFromFloat(p.BasePrice).Round(2),
		},
	}
	if p.UnitCost > 0 {
		obs.Product.UnitCost = decimal.NewNullDecimal(decimal.NewFromFloat(p.UnitCost).Round(2))
	}

	offsets := make([]float64, len(p.Competitors))
	for i := range offsets {
		offsets[i] = p.MarketLevel * (1 + s.uniform(-0.06, 0.06))
	}
	trend := 40 + s.uniform(0, 20)

	for d := 0; d < days; d++ {
		day := start.AddDate(0, 0, d)

		demand := p.BaseDemand * (1 + p.GrowthRate*float64(d))
		demand *= seasonalMultiplier(day)
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			demand *= 1.20
		}
		price := p.BasePrice * (1 + s.uniform(-0.08, 0.08))
		demand *= math.Pow(price/p.BasePrice, p.Elasticity)
		demand *= math.Max(1+0.15*s.rng.NormFloat64(), 0.1)
		if s.rng.Float64() < 0.02 {
			demand *= s.uniform(1.5, 3.0)
		}

		obs.Sales = append(obs.Sales, models.SalesObservation{
			ProductID: p.ID,
			UnitsSold: int(math.Max(1, math.Round(demand))),
			Date:      day,
			Price:     decimal.NewNullDecimal(decimal.NewFromFloat(price).Round(2)),
		})

		for i, name := range p.Competitors {
			cp := p.BasePrice * offsets[i] * (1 + s.uniform(-0.03, 0.03))
			obs.Competitors = append(obs.Competitors, models.CompetitorPriceObservation{
				ProductID:      p.ID,
				CompetitorName: name,
				Price:          decimal.NewFromFloat(cp).Round(2),
				Timestamp:      day.Add(9 * time.Hour),
			})
		}

		trend = clamp(trend+s.uniform(-4, 4.5), 0, 100)
		obs.Trends = append(obs.Trends, models.TrendObservation{
			ProductID:  p.ID,
			TrendScore: roundTo(trend, 1),
			Timestamp:  day.Add(12 * time.Hour),
		})
	}
	return obs
}

func (s *SalesSimulator) uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*s.rng.Float64()
}
