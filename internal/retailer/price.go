// Package retailer contains the retailer-specific scrapers and the shared
// helpers they build on: price parsing, cookie-consent dismissal, and
// search-result filtering.
package retailer

import (
	"regexp"
	"strconv"
	"strings"
)

var priceRe = regexp.MustCompile(`\d[\d.,]*`)

// ParsePrice extracts a numeric price from retailer price text. It tolerates
// decimal-comma formatting ("13,95 €" -> 13.95), thousand separators
// ("1.299,00 €" -> 1299.0), and surrounding currency symbols. Text without a
// usable number yields nil; a missing price is an absent field, not an error.
func ParsePrice(text string) *float64 {
	match := priceRe.FindString(text)
	if match == "" {
		return nil
	}
	match = strings.Trim(match, ".,")

	lastComma := strings.LastIndex(match, ",")
	lastDot := strings.LastIndex(match, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		// The rightmost separator is the decimal mark; the other groups
		// thousands.
		if lastComma > lastDot {
			match = strings.ReplaceAll(match, ".", "")
			match = strings.Replace(match, ",", ".", 1)
		} else {
			match = strings.ReplaceAll(match, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(match, ",") > 1 || len(match)-lastComma-1 == 3 {
			// "1,299" style thousands grouping.
			match = strings.ReplaceAll(match, ",", "")
		} else {
			match = strings.Replace(match, ",", ".", 1)
		}
	case lastDot >= 0:
		if strings.Count(match, ".") > 1 || len(match)-lastDot-1 == 3 {
			match = strings.ReplaceAll(match, ".", "")
		}
	}

	value, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return nil
	}
	return &value
}
