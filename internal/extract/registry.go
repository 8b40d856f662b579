package extract

import (
	"fmt"
	"sort"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// Extractor names accepted by New.
const (
	NameLots    = "lots"
	NameGeneric = "generic"
)

var constructors = map[string]func() crawler.Extractor{
	NameLots:    func() crawler.Extractor { return NewLotCards() },
	NameGeneric: func() crawler.Extractor { return NewPageSummary() },
}

// New returns the extractor registered under name. An empty name selects
// the lot-card extractor.
func New(name string) (crawler.Extractor, error) {
	if name == "" {
		name = NameLots
	}
	ctor, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown extractor %q (known: %v)", name, Names())
	}
	return ctor(), nil
}

// ReadySelector returns a CSS selector that is present once a page is ready
// for the named extractor, or "" when any HTML will do.
func ReadySelector(name string) string {
	if name == "" || name == NameLots {
		return LotCardSelector
	}
	return ""
}

// Names lists the registered extractor names.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
