package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SchemaVersion is stamped on every result type returned by the pricing core.
const SchemaVersion = "v1"

// ProductRecord is catalog reference data supplied by the product store.
type ProductRecord struct {
	ID        string              `json:"id" binding:"required"`
	Name      string              `json:"name"`
	Category  string              `json:"category,omitempty"`
	BasePrice decimal.Decimal     `json:"base_price"`
	UnitCost  decimal.NullDecimal `json:"unit_cost"` // 未設定の場合は default_cost_ratio から推定
}

// CompetitorPriceObservation is one scraped competitor price.
type CompetitorPriceObservation struct {
	ProductID      string          `json:"product_id"`
	CompetitorName string          `json:"competitor_name"`
	Price          decimal.Decimal `json:"price"`
	Timestamp      time.Time       `json:"timestamp"`
}

// SalesObservation is the daily unit count for one product.
type SalesObservation struct {
	ProductID string              `json:"product_id"`
	UnitsSold int                 `json:"units_sold"`
	Date      time.Time           `json:"date"`
	Price     decimal.NullDecimal `json:"price"` // その日の自社販売価格（わかる場合のみ）
}

// TrendObservation is a market interest score in [0,100].
type TrendObservation struct {
	ProductID  string    `json:"product_id"`
	TrendScore float64   `json:"trend_score"`
	Timestamp  time.Time `json:"timestamp"`
}

// ProductObservations groups every record the pipeline needs for one product.
type ProductObservations struct {
	Product     ProductRecord                `json:"product"`
	Competitors []CompetitorPriceObservation `json:"competitor_prices"`
	Sales       []SalesObservation           `json:"sales"`
	Trends      []TrendObservation           `json:"trends"`
}

// PricePoint is one (price, demand) pair used for elasticity fitting.
type PricePoint struct {
	Date   time.Time `json:"date"`
	Price  float64   `json:"price"`
	Demand float64   `json:"demand"`
}
