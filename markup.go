package paymaster

import (
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// MarkupDenominator is the parts-per-million scale of a price markup;
	// a markup equal to it charges exactly the base cost.
	MarkupDenominator uint32 = 1_000_000
	// MinPriceMarkup never lets a markup become a discount.
	MinPriceMarkup uint32 = 1_000_000
	// MaxPriceMarkup caps a markup at twice the base cost.
	MaxPriceMarkup uint32 = 2_000_000
)

var markupDenominator = uint256.NewInt(uint64(MarkupDenominator))

// MarkupBounds is the inclusive range of accepted markups.
type MarkupBounds struct {
	Min uint32 `json:"min" mapstructure:"min"`
	Max uint32 `json:"max" mapstructure:"max"`
}

// DefaultMarkupBounds accepts every markup between 1.0x and 2.0x.
func DefaultMarkupBounds() MarkupBounds {
	return MarkupBounds{Min: MinPriceMarkup, Max: MaxPriceMarkup}
}

// Check reports whether the bounds themselves are usable.
func (b MarkupBounds) Check() error {
	if b.Min < MinPriceMarkup || b.Max > MaxPriceMarkup || b.Min > b.Max {
		return fmt.Errorf("%w: [%d, %d]", ErrInvalidMarkupBounds, b.Min, b.Max)
	}
	return nil
}

// Validate rejects a markup outside the bounds.
func (b MarkupBounds) Validate(markup uint32) error {
	if markup < b.Min || markup > b.Max {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidPriceMarkup, markup, b.Min, b.Max)
	}
	return nil
}

// ApplyMarkup returns floor(base * markup / 1_000_000). The product is
// checked for 256-bit overflow before dividing.
func ApplyMarkup(base *uint256.Int, markup uint32) (*uint256.Int, error) {
	product, overflow := new(uint256.Int).MulOverflow(base, uint256.NewInt(uint64(markup)))
	if overflow {
		return nil, ErrMarkupOverflow
	}
	return product.Div(product, markupDenominator), nil
}

// Premium returns adjusted - base, or zero when adjusted does not exceed
// base.
func Premium(base, adjusted *uint256.Int) *uint256.Int {
	if adjusted.Cmp(base) <= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(adjusted, base)
}
