package retailer

import (
	"fmt"
	"sort"

	"github.com/pricehound/pricehound/internal/scrape"
)

// Credentials holds login details for retailers that require an account.
type Credentials struct {
	MetroUsername string
	MetroPassword string
}

// Registry maps scraper keys to ready scrapers.
type Registry map[string]scrape.Scraper

// NewRegistry builds the set of available scrapers. The metro scraper is
// included only when credentials are configured.
func NewRegistry(creds Credentials) Registry {
	reg := Registry{}
	dm := NewDM()
	reg[dm.Key()] = dm
	rossmann := NewRossmann()
	reg[rossmann.Key()] = rossmann
	if creds.MetroUsername != "" && creds.MetroPassword != "" {
		metro, err := NewMetro(creds.MetroUsername, creds.MetroPassword)
		if err == nil {
			reg[metro.Key()] = metro
		}
	}
	return reg
}

// Lookup resolves a scraper by key, listing the known keys on failure.
func (r Registry) Lookup(key string) (scrape.Scraper, error) {
	s, ok := r[key]
	if !ok {
		return nil, fmt.Errorf("unknown retailer %q (available: %v)", key, r.Keys())
	}
	return s, nil
}

// Keys returns the registered scraper keys in sorted order.
func (r Registry) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
