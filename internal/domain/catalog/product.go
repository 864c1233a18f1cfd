package catalog

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrProductNotFound   = errors.New("catalog: product not found")
	ErrProductInactive   = errors.New("catalog: product is not for sale")
	ErrInsufficientStock = errors.New("catalog: insufficient stock")
	ErrDuplicateKey      = errors.New("catalog: key already exists for product")
)

// Product is the sellable catalog entry. The core reads pricing and sourcing
// flags; browsing, taxonomy and media belong to the catalog service proper.
type Product struct {
	ID                string
	Name              string
	Price             decimal.Decimal
	SalePrice         decimal.Decimal // zero when not on sale
	IsExternal        bool
	SupplierProductID string
	Active            bool
}

// CurrentPrice returns the sale price when one is set, otherwise the regular
// price.
func (p *Product) CurrentPrice() decimal.Decimal {
	if p.SalePrice.IsPositive() {
		return p.SalePrice
	}
	return p.Price
}
