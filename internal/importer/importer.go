package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"cartengine/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type ProductWriter interface {
	Upsert(ctx context.Context, product domain.Product) (*domain.Product, error)
}

// CSVImporter loads catalog rows into the product catalog. One row is one
// purchasable (product, variant) pair.
type CSVImporter struct {
	reader      *csv.Reader
	productRepo ProductWriter
	currency    string
	logger      *zap.Logger
}

// NewCSVImporter reads from r. Rows without a currency column fall back to
// defaultCurrency.
func NewCSVImporter(r io.Reader, repo ProductWriter, defaultCurrency string, logger *zap.Logger) *CSVImporter {
	csvr := csv.NewReader(r)
	csvr.FieldsPerRecord = -1 // rows may have trailing commas
	csvr.TrimLeadingSpace = true
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CSVImporter{
		reader:      csvr,
		productRepo: repo,
		currency:    strings.ToUpper(strings.TrimSpace(defaultCurrency)),
		logger:      logger,
	}
}

// Run parses every row and upserts it. It stops at the first invalid row and
// returns how many rows were imported before it.
func (i *CSVImporter) Run(ctx context.Context) (int, error) {
	headers, err := i.reader.Read()
	if err != nil {
		return 0, fmt.Errorf("read headers: %w", err)
	}
	index := headerIndex(headers)
	for _, required := range []string{"id", "sku", "name", "unitPrice"} {
		if _, ok := index[required]; !ok {
			return 0, fmt.Errorf("missing column %q", required)
		}
	}

	imported := 0
	for line := 2; ; line++ {
		record, err := i.reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return imported, fmt.Errorf("read row: %w", err)
		}
		if blank(record) {
			continue
		}

		p, err := i.parseRow(record, index)
		if err != nil {
			return imported, fmt.Errorf("line %d: %w", line, err)
		}
		if _, err := i.productRepo.Upsert(ctx, p); err != nil {
			return imported, fmt.Errorf("upsert product %q: %w", p.SKU, err)
		}
		imported++
	}
	i.logger.Info("catalog imported", zap.Int("products", imported))
	return imported, nil
}

func (i *CSVImporter) parseRow(record []string, index map[string]int) (domain.Product, error) {
	p := domain.Product{
		ID:                  pick(record, index, "id"),
		VariantID:           pick(record, index, "variantId"),
		SKU:                 pick(record, index, "sku"),
		Name:                pick(record, index, "name"),
		Currency:            strings.ToUpper(pick(record, index, "currency")),
		AvailabilityMessage: pick(record, index, "availabilityMessage"),
		IsAvailable:         true,
	}
	if p.ID == "" || p.SKU == "" || p.Name == "" {
		return p, fmt.Errorf("invalid product row (missing required fields) for sku %q", p.SKU)
	}
	if p.Currency == "" {
		p.Currency = i.currency
	}

	price, err := decimal.NewFromString(pick(record, index, "unitPrice"))
	if err != nil || price.IsNegative() {
		return p, fmt.Errorf("invalid unitPrice for sku %q", p.SKU)
	}
	p.UnitPrice = price

	if s := pick(record, index, "comparePrice"); s != "" {
		cp, err := decimal.NewFromString(s)
		if err != nil {
			return p, fmt.Errorf("invalid comparePrice for sku %q: %w", p.SKU, err)
		}
		p.ComparePrice = &cp
	}
	if s := pick(record, index, "isAvailable"); s != "" {
		if p.IsAvailable, err = strconv.ParseBool(s); err != nil {
			return p, fmt.Errorf("invalid isAvailable for sku %q: %w", p.SKU, err)
		}
	}
	if s := pick(record, index, "maxQuantity"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return p, fmt.Errorf("invalid maxQuantity for sku %q", p.SKU)
		}
		p.MaxQuantity = &n
	}

	attrs := domain.ItemAttributes{
		Color: pick(record, index, "color"),
		Size:  pick(record, index, "size"),
	}
	if s := pick(record, index, "weightGrams"); s != "" {
		if attrs.WeightGrams, err = strconv.Atoi(s); err != nil {
			return p, fmt.Errorf("invalid weightGrams for sku %q: %w", p.SKU, err)
		}
	}
	if attrs != (domain.ItemAttributes{}) {
		p.Attributes = &attrs
	}
	return p, nil
}

func headerIndex(headers []string) map[string]int {
	idx := make(map[string]int, len(headers))
	for i, h := range headers {
		idx[strings.TrimSpace(h)] = i
	}
	return idx
}

func pick(record []string, index map[string]int, key string) string {
	pos, ok := index[key]
	if !ok || pos >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[pos])
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
