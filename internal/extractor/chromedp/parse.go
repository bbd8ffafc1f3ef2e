package chromedp

import (
	"fmt"
	"strings"
)

func cleanMoney(s string) string {
	s = strings.ReplaceAll(s, "R$", "")
	s = strings.ReplaceAll(s, "BRL ", "")
	return strings.TrimSpace(s)
}

// applyPricing reads list price, discount and price with taxes from the
// first three cells of the pricing tab. A "-" discount means none.
func applyPricing(fields map[string]string, cells []string) error {
	if len(cells) < 3 {
		return fmt.Errorf("pricing table has %d cells, want 3", len(cells))
	}
	fields["pricing"] = cleanMoney(cells[0])
	discount := strings.TrimSpace(cells[1])
	if discount == "-" {
		discount = "0"
	}
	fields["discount"] = discount
	fields["pricing_with"] = cleanMoney(cells[2])
	return nil
}

// parseTax splits "9.65% (BRL 12,34)" into rate and amount. A bare
// "BRL 12,34" yields only the amount.
func parseTax(s string) (rate, value string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	if before, after, ok := strings.Cut(s, "% (BRL "); ok {
		return before, strings.ReplaceAll(after, ")", "")
	}
	if _, after, ok := strings.Cut(s, "BRL "); ok {
		return "", after
	}
	return "", s
}

// taxCellIndex maps each tax to its value cell in the taxes table. Labels sit
// at the even indexes.
var taxCellIndex = []struct {
	name  string
	index int
}{
	{"cofins", 1},
	{"difalst", 3},
	{"fecop", 5},
	{"icms", 9},
	{"ipi", 11},
	{"pis", 13},
	{"st", 15},
}

func applyTaxes(fields map[string]string, cells []string) {
	for _, tax := range taxCellIndex {
		if tax.index >= len(cells) {
			continue
		}
		rate, value := parseTax(cells[tax.index])
		fields[tax.name+"_tax"] = rate
		fields[tax.name+"_value"] = value
	}
}

func applyInfo(fields map[string]string, rows [][]string) {
	for _, tds := range rows {
		if len(tds) < 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(tds[0]))
		value := strings.TrimSpace(tds[1])
		switch {
		case strings.Contains(key, "country of origin"):
			fields["country_of_origin"] = value
		case strings.Contains(key, "customs tariff"):
			fields["customs_tariff"] = value
		case strings.Contains(key, "weight"):
			fields["weight"] = value
		case strings.Contains(key, "possibility to return"):
			fields["possibility_to_return"] = value
		}
	}
}
