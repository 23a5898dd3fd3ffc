package services

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"pricepilot-api/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// Workbook sheet names read by ImportWorkbook.
const (
	SheetProducts    = "products"
	SheetCompetitors = "competitor_prices"
	SheetSales       = "sales"
	SheetTrends      = "trends"
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006/01/02",
	"2006/1/2",
	"01-02-06",
}

// ImportWorkbook reads an .xlsx workbook with products, competitor_prices,
// sales and trends sheets and groups the rows per product. Only the products
// sheet is required.
func ImportWorkbook(r io.Reader) ([]models.ProductObservations, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("Excelファイルの読み込みに失敗しました: %w", err)
	}
	defer f.Close()

	sheets := make(map[string][][]string)
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("Excelシート %s の行取得に失敗しました: %w", name, err)
		}
		sheets[strings.ToLower(strings.TrimSpace(name))] = rows
	}
	return groupObservations(sheets)
}

// ImportCSVBundle reads the same tables from separate CSV readers. Nil readers are skipped.
func ImportCSVBundle(products, competitors, sales, trends io.Reader) ([]models.ProductObservations, error) {
	sheets := make(map[string][][]string)
	for name, r := range map[string]io.Reader{
		SheetProducts:    products,
		SheetCompetitors: competitors,
		SheetSales:       sales,
		SheetTrends:      trends,
	} {
		if r == nil {
			continue
		}
		rows, err := csv.NewReader(r).ReadAll()
		if err != nil {
			return nil, fmt.Errorf("CSVファイル %s の解析に失敗しました: %w", name, err)
		}
		sheets[name] = rows
	}
	return groupObservations(sheets)
}

// ReadSalesCSV parses a single sales CSV with date, product id, units and optional price columns.
func ReadSalesCSV(r io.Reader) ([]models.SalesObservation, error) {
	rows, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("CSVファイルの解析に失敗しました: %w", err)
	}
	return parseSales(rows)
}

func groupObservations(sheets map[string][][]string) ([]models.ProductObservations, error) {
	productRows, ok := sheets[SheetProducts]
	if !ok {
		return nil, invalidObservation("import", "sheet %q is required", SheetProducts)
	}
	products, err := parseProducts(productRows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.ProductObservations, len(products))
	out := make([]models.ProductObservations, len(products))
	for i, p := range products {
		out[i].Product = p
		byID[p.ID] = &out[i]
	}
	lookup := func(sheet, id string, row int) (*models.ProductObservations, error) {
		po, ok := byID[id]
		if !ok {
			return nil, invalidObservation("import", "%s row %d references unknown product %q", sheet, row, id)
		}
		return po, nil
	}

	if rows, ok := sheets[SheetCompetitors]; ok {
		comps, err := parseCompetitors(rows)
		if err != nil {
			return nil, err
		}
		for i, c := range comps {
			po, err := lookup(SheetCompetitors, c.ProductID, i+2)
			if err != nil {
				return nil, err
			}
			po.Competitors = append(po.Competitors, c)
		}
	}
	if rows, ok := sheets[SheetSales]; ok {
		sales, err := parseSales(rows)
		if err != nil {
			return nil, err
		}
		for i, s := range sales {
			po, err := lookup(SheetSales, s.ProductID, i+2)
			if err != nil {
				return nil, err
			}
			po.Sales = append(po.Sales, s)
		}
	}
	if rows, ok := sheets[SheetTrends]; ok {
		trends, err := parseTrends(rows)
		if err != nil {
			return nil, err
		}
		for i, t := range trends {
			po, err := lookup(SheetTrends, t.ProductID, i+2)
			if err != nil {
				return nil, err
			}
			po.Trends = append(po.Trends, t)
		}
	}

	for i := range out {
		sort.SliceStable(out[i].Sales, func(a, b int) bool { return out[i].Sales[a].Date.Before(out[i].Sales[b].Date) })
		sort.SliceStable(out[i].Competitors, func(a, b int) bool {
			return out[i].Competitors[a].Timestamp.Before(out[i].Competitors[b].Timestamp)
		})
		sort.SliceStable(out[i].Trends, func(a, b int) bool { return out[i].Trends[a].Timestamp.Before(out[i].Trends[b].Timestamp) })
	}
	return out, nil
}

// sheetColumns は必須列と任意列のインデックス
type sheetColumns map[string]int

func resolveColumns(sheet string, header []string, required, optional map[string][]string) (sheetColumns, error) {
	cols := make(sheetColumns)
	var missing []string
	for name, candidates := range required {
		idx := findIndex(header, candidates...)
		if idx == -1 {
			missing = append(missing, name)
			continue
		}
		cols[name] = idx
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, invalidObservation("import", "必要な列が見つかりませんでした (%s): %s。ヘッダー: %v", sheet, strings.Join(missing, ", "), header)
	}
	for name, candidates := range optional {
		if idx := findIndex(header, candidates...); idx != -1 {
			cols[name] = idx
		}
	}
	return cols, nil
}

func (c sheetColumns) get(row []string, name string) string {
	idx, ok := c[name]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

var (
	productIDAliases = []string{"product_id", "製品ID", "製品id", "商品ID", "商品コード", "product_code", "id"}
	dateAliases      = []string{"date", "日付", "timestamp", "日時"}
	priceAliases     = []string{"price", "価格", "販売価格"}
)

func parseProducts(rows [][]string) ([]models.ProductRecord, error) {
	if len(rows) < 2 {
		return nil, invalidObservation("import", "products シートにはヘッダー行と少なくとも1行のデータが必要です")
	}
	cols, err := resolveColumns(SheetProducts, rows[0],
		map[string][]string{
			"id":         productIDAliases,
			"base_price": {"base_price", "price", "価格", "基準価格"},
		},
		map[string][]string{
			"name":      {"name", "product_name", "製品名", "商品名"},
			"category":  {"category", "カテゴリ"},
			"unit_cost": {"unit_cost", "cost", "原価"},
		})
	if err != nil {
		return nil, err
	}

	products := make([]models.ProductRecord, 0, len(rows)-1)
	for i, row := range rows[1:] {
		id := cols.get(row, "id")
		if id == "" {
			continue
		}
		price, err := parseDecimal(cols.get(row, "base_price"), SheetProducts, i+2)
		if err != nil {
			return nil, err
		}
		p := models.ProductRecord{
			ID:        id,
			Name:      cols.get(row, "name"),
			Category:  cols.get(row, "category"),
			BasePrice: price,
		}
		if raw := cols.get(row, "unit_cost"); raw != "" {
			cost, err := parseDecimal(raw, SheetProducts, i+2)
			if err != nil {
				return nil, err
			}
			p.UnitCost = decimal.NewNullDecimal(cost)
		}
		products = append(products, p)
	}
	return products, nil
}

func parseCompetitors(rows [][]string) ([]models.CompetitorPriceObservation, error) {
	if len(rows) < 1 {
		return nil, nil
	}
	cols, err := resolveColumns(SheetCompetitors, rows[0],
		map[string][]string{
			"product_id": productIDAliases,
			"competitor": {"competitor_name", "competitor", "競合", "競合名"},
			"price":      priceAliases,
			"timestamp":  dateAliases,
		}, nil)
	if err != nil {
		return nil, err
	}
	var out []models.CompetitorPriceObservation
	for i, row := range rows[1:] {
		if cols.get(row, "product_id") == "" {
			continue
		}
		price, err := parseDecimal(cols.get(row, "price"), SheetCompetitors, i+2)
		if err != nil {
			return nil, err
		}
		ts, err := parseDate(cols.get(row, "timestamp"), SheetCompetitors, i+2)
		if err != nil {
			return nil, err
		}
		out = append(out, models.CompetitorPriceObservation{
			ProductID:      cols.get(row, "product_id"),
			CompetitorName: cols.get(row, "competitor"),
			Price:          price,
			Timestamp:      ts,
		})
	}
	return out, nil
}

func parseSales(rows [][]string) ([]models.SalesObservation, error) {
	if len(rows) < 1 {
		return nil, nil
	}
	cols, err := resolveColumns(SheetSales, rows[0],
		map[string][]string{
			"product_id": productIDAliases,
			"date":       dateAliases,
			"units":      {"units_sold", "sales", "quantity", "販売数", "数量"},
		},
		map[string][]string{"price": priceAliases})
	if err != nil {
		return nil, err
	}
	var out []models.SalesObservation
	for i, row := range rows[1:] {
		if cols.get(row, "product_id") == "" {
			continue
		}
		date, err := parseDate(cols.get(row, "date"), SheetSales, i+2)
		if err != nil {
			return nil, err
		}
		units, err := parseUnits(cols.get(row, "units"), i+2)
		if err != nil {
			return nil, err
		}
		obs := models.SalesObservation{
			ProductID: cols.get(row, "product_id"),
			Date:      date,
			UnitsSold: units,
		}
		if raw := cols.get(row, "price"); raw != "" {
			price, err := parseDecimal(raw, SheetSales, i+2)
			if err != nil {
				return nil, err
			}
			obs.Price = decimal.NewNullDecimal(price)
		}
		out = append(out, obs)
	}
	return out, nil
}

// parseUnits accepts whole, non-negative counts only. Excel may write 12 as "12.0".
func parseUnits(raw string, row int) (int, error) {
	units, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(units) || math.IsInf(units, 0) ||
		units < 0 || units > math.MaxInt32 || units != math.Trunc(units) {
		return 0, invalidObservation("import", "%s row %d: units_sold %q must be a whole non-negative number", SheetSales, row, raw)
	}
	return int(units), nil
}

func parseTrends(rows [][]string) ([]models.TrendObservation, error) {
	if len(rows) < 1 {
		return nil, nil
	}
	cols, err := resolveColumns(SheetTrends, rows[0],
		map[string][]string{
			"product_id": productIDAliases,
			"score":      {"trend_score", "score", "トレンド"},
			"timestamp":  dateAliases,
		}, nil)
	if err != nil {
		return nil, err
	}
	var out []models.TrendObservation
	for i, row := range rows[1:] {
		if cols.get(row, "product_id") == "" {
			continue
		}
		score, err := strconv.ParseFloat(cols.get(row, "score"), 64)
		if err != nil || score < 0 || score > 100 {
			return nil, invalidObservation("import", "%s row %d: trend_score %q must be in [0, 100]", SheetTrends, i+2, cols.get(row, "score"))
		}
		ts, err := parseDate(cols.get(row, "timestamp"), SheetTrends, i+2)
		if err != nil {
			return nil, err
		}
		out = append(out, models.TrendObservation{ProductID: cols.get(row, "product_id"), TrendScore: score, Timestamp: ts})
	}
	return out, nil
}

func parseDecimal(raw, sheet string, row int) (decimal.Decimal, error) {
	cleaned := strings.NewReplacer("$", "", "¥", "", "￥", "", ",", "").Replace(raw)
	d, err := decimal.NewFromString(strings.TrimSpace(cleaned))
	if err != nil || !d.IsPositive() {
		return decimal.Decimal{}, invalidObservation("import", "%s row %d: %q is not a positive amount", sheet, row, raw)
	}
	return d, nil
}

// parseDate accepts the common text layouts and Excel serial day numbers.
func parseDate(raw, sheet string, row int) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	if serial, err := strconv.ParseFloat(raw, 64); err == nil && serial > 0 {
		if t, err := excelize.ExcelDateToTime(serial, false); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, invalidObservation("import", "%s row %d: cannot parse date %q", sheet, row, raw)
}

// findIndex finds the index of the first candidate in a header row
func findIndex(header []string, candidates ...string) int {
	for _, candidate := range candidates {
		for i, item := range header {
			if strings.EqualFold(strings.TrimSpace(item), candidate) {
				return i
			}
		}
	}
	return -1
}

// WriteWorkbook renders observations in the layout ImportWorkbook reads.
func WriteWorkbook(w io.Writer, data []models.ProductObservations) error {
	f := excelize.NewFile()
	defer f.Close()

	tables := map[string][][]interface{}{
		SheetProducts:    {{"product_id", "name", "category", "base_price", "unit_cost"}},
		SheetCompetitors: {{"product_id", "competitor_name", "price", "timestamp"}},
		SheetSales:       {{"product_id", "date", "units_sold", "price"}},
		SheetTrends:      {{"product_id", "trend_score", "timestamp"}},
	}
	for _, po := range data {
		p := po.Product
		cost := ""
		if p.UnitCost.Valid {
			cost = p.UnitCost.Decimal.String()
		}
		tables[SheetProducts] = append(tables[SheetProducts], []interface{}{p.ID, p.Name, p.Category, p.BasePrice.String(), cost})
		for _, c := range po.Competitors {
			tables[SheetCompetitors] = append(tables[SheetCompetitors], []interface{}{c.ProductID, c.CompetitorName, c.Price.String(), c.Timestamp.Format(time.RFC3339)})
		}
		for _, s := range po.Sales {
			price := ""
			if s.Price.Valid {
				price = s.Price.Decimal.String()
			}
			tables[SheetSales] = append(tables[SheetSales], []interface{}{s.ProductID, s.Date.Format("2006-01-02"), s.UnitsSold, price})
		}
		for _, t := range po.Trends {
			tables[SheetTrends] = append(tables[SheetTrends], []interface{}{t.ProductID, t.TrendScore, t.Timestamp.Format(time.RFC3339)})
		}
	}

	for i, name := range []string{SheetProducts, SheetCompetitors, SheetSales, SheetTrends} {
		if i == 0 {
			if err := f.SetSheetName(f.GetSheetName(0), name); err != nil {
				return err
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return err
		}
		for r, row := range tables[name] {
			cell, err := excelize.CoordinatesToCellName(1, r+1)
			if err != nil {
				return err
			}
			if err := f.SetSheetRow(name, cell, &row); err != nil {
				return err
			}
		}
	}
	_, err := f.WriteTo(w)
	return err
}
