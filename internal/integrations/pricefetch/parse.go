package pricefetch

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrNoIdentity = errors.New("result has neither id nor url")
	ErrNoPrice    = errors.New("result has no usable price")
)

// Result is a validated gateway item.
type Result struct {
	ID    string
	URL   string
	Title string
	Price decimal.Decimal
}

// Rejected is an item ParseResults refused, with the reason.
type Rejected struct {
	Index int
	Err   error
}

// Field aliases seen across gateway implementations, in lookup order.
var (
	idFields    = []string{"id", "productId", "asin", "itemId"}
	urlFields   = []string{"url", "productUrl", "link"}
	titleFields = []string{"title", "name"}
	priceFields = []string{"price", "currentPrice", "priceAmount"}
)

// ParseResults turns raw gateway items into strict results. Items without an identity or
// without a positive numeric price are rejected.
func ParseResults(raw []json.RawMessage) ([]Result, []Rejected) {
	out := make([]Result, 0, len(raw))
	var rejected []Rejected
	for i, item := range raw {
		r, err := ParseResult(item)
		if err != nil {
			rejected = append(rejected, Rejected{Index: i, Err: err})
			continue
		}
		out = append(out, r)
	}
	return out, rejected
}

func ParseResult(item json.RawMessage) (Result, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(item, &m); err != nil {
		return Result{}, errors.Wrap(err, "decode result")
	}

	var r Result
	r.ID = firstString(m, idFields)
	r.URL = firstString(m, urlFields)
	r.Title = firstString(m, titleFields)
	if r.ID == "" && r.URL == "" {
		return Result{}, ErrNoIdentity
	}

	for _, f := range priceFields {
		v, ok := m[f]
		if !ok || isNull(v) {
			continue
		}
		p, err := CoercePrice(v)
		if err != nil {
			return Result{}, errors.Wrapf(err, "field %s", f)
		}
		if !p.IsPositive() {
			return Result{}, ErrNoPrice
		}
		r.Price = p
		return r, nil
	}
	return Result{}, ErrNoPrice
}

func isNull(v json.RawMessage) bool {
	return strings.TrimSpace(string(v)) == "null"
}

// CoercePrice accepts a JSON number or a numeric string such as "1299.90", "$1,299.90",
// "1.299,90" or "R$ 349".
func CoercePrice(v json.RawMessage) (decimal.Decimal, error) {
	s := strings.TrimSpace(string(v))
	if s == "" || s == "null" {
		return decimal.Decimal{}, ErrNoPrice
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(v, &str); err != nil {
			return decimal.Decimal{}, errors.Wrap(err, "decode price")
		}
		return parsePriceString(str)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, errors.Wrap(err, "parse price")
	}
	return d, nil
}

func parsePriceString(s string) (decimal.Decimal, error) {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' || r == '-' {
			b.WriteRune(r)
		}
	}
	num := b.String()
	if num == "" {
		return decimal.Decimal{}, ErrNoPrice
	}

	lastDot := strings.LastIndex(num, ".")
	lastComma := strings.LastIndex(num, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			num = strings.ReplaceAll(num, ".", "")
			num = strings.Replace(num, ",", ".", 1)
		} else {
			num = strings.ReplaceAll(num, ",", "")
		}
	case lastComma >= 0:
		// a single comma followed by 1-2 digits is a decimal separator
		if strings.Count(num, ",") == 1 && len(num)-lastComma-1 <= 2 {
			num = strings.Replace(num, ",", ".", 1)
		} else {
			num = strings.ReplaceAll(num, ",", "")
		}
	case strings.Count(num, ".") > 1:
		num = strings.ReplaceAll(num, ".", "")
	}

	d, err := decimal.NewFromString(num)
	if err != nil {
		return decimal.Decimal{}, errors.Wrap(err, "parse price")
	}
	return d, nil
}

func firstString(m map[string]json.RawMessage, fields []string) string {
	for _, f := range fields {
		v, ok := m[f]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(v, &s) == nil {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
			continue
		}
		var n json.Number
		if json.Unmarshal(v, &n) == nil && n != "" {
			if _, err := strconv.ParseFloat(n.String(), 64); err == nil {
				return n.String()
			}
		}
	}
	return ""
}
