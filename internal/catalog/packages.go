package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// PackageKey identifies a purchasable bundle of generations.
type PackageKey string

const (
	PackageSingle PackageKey = "single"
	PackageTriple PackageKey = "pack3"
	PackageTen    PackageKey = "pack10"
)

// Package is a closed catalog entry: price in both payment rails plus the
// number of generations it grants.
type Package struct {
	Key         PackageKey
	Title       string
	Emoji       string
	Generations int64
	PriceRUB    decimal.Decimal
	PriceUSDT   decimal.Decimal
	Discount    string
	// OfferID is the Lava offer the fiat invoice is issued against. Empty
	// means the package cannot be bought with a card.
	OfferID string
}

var defaultPackages = []Package{
	{Key: PackageSingle, Title: "1 видео", Emoji: "🎬", Generations: 1, PriceRUB: decimal.NewFromInt(500), PriceUSDT: decimal.NewFromInt(6)},
	{Key: PackageTriple, Title: "3 видео", Emoji: "🎥", Generations: 3, PriceRUB: decimal.NewFromInt(1290), PriceUSDT: decimal.NewFromInt(15), Discount: "14%"},
	{Key: PackageTen, Title: "10 видео", Emoji: "🏆", Generations: 10, PriceRUB: decimal.NewFromInt(3990), PriceUSDT: decimal.NewFromInt(45), Discount: "20%"},
}

// Packages is the validated package table.
type Packages struct {
	byKey map[PackageKey]Package
	order []PackageKey
}

// NewPackages builds the package table and attaches Lava offer ids. Unknown
// keys in offerIDs are rejected so typos surface at startup.
func NewPackages(offerIDs map[string]string) (*Packages, error) {
	p := &Packages{byKey: make(map[PackageKey]Package, len(defaultPackages))}
	for _, pkg := range defaultPackages {
		p.byKey[pkg.Key] = pkg
		p.order = append(p.order, pkg.Key)
	}

	unknown := make([]string, 0)
	for key, offer := range offerIDs {
		k := PackageKey(strings.TrimSpace(key))
		pkg, ok := p.byKey[k]
		if !ok {
			unknown = append(unknown, key)
			continue
		}
		pkg.OfferID = strings.TrimSpace(offer)
		p.byKey[k] = pkg
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("offer ids configured for unknown packages: %s", strings.Join(unknown, ", "))
	}
	return p, nil
}

// Get returns the package for key.
func (p *Packages) Get(key PackageKey) (Package, bool) {
	pkg, ok := p.byKey[key]
	return pkg, ok
}

// All returns packages in display order.
func (p *Packages) All() []Package {
	res := make([]Package, 0, len(p.order))
	for _, key := range p.order {
		res = append(res, p.byKey[key])
	}
	return res
}

// PricePerVideo returns the RUB price of one generation in the package.
func (pkg Package) PricePerVideo() decimal.Decimal {
	if pkg.Generations <= 0 {
		return decimal.Zero
	}
	return pkg.PriceRUB.Div(decimal.NewFromInt(pkg.Generations)).Round(2)
}
