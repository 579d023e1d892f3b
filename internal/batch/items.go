package batch

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ReadItems parses a newline-separated item list. Each line holds a GTIN,
// optionally followed by whitespace and a product name. Blank lines and lines
// starting with '#' are skipped.
func ReadItems(r io.Reader) ([]Item, error) {
	var items []Item
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		gtin, name, _ := strings.Cut(text, " ")
		if !ValidGTIN(gtin) {
			return nil, fmt.Errorf("line %d: invalid gtin %q", line, gtin)
		}
		items = append(items, Item{GTIN: gtin, Name: strings.TrimSpace(name)})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	return items, nil
}

// ValidGTIN accepts 8 to 14 digit identifiers (GTIN-8 through GTIN-14).
func ValidGTIN(s string) bool {
	if len(s) < 8 || len(s) > 14 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
