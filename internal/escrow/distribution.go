package escrow

import (
	"github.com/shopspring/decimal"

	"github.com/example/escrow-resolution/internal/orders"
)

// Distribution splits released funds between the parties of an order.
type Distribution struct {
	Manufacturer decimal.Decimal `json:"manufacturer"`
	Dealer       decimal.Decimal `json:"dealer"`
	Platform     decimal.Decimal `json:"platform"`
	TaxWithheld  decimal.Decimal `json:"tax_withheld"`
}

// Distribute allocates released funds. Tax, commission and the
// manufacturer share are taken first, capped so that no party receives
// more than what was released; the dealer gets the remainder.
func Distribute(o *orders.Order, released decimal.Decimal) *Distribution {
	if o == nil {
		return nil
	}
	remaining := released
	take := func(want decimal.Decimal) decimal.Decimal {
		if want.IsNegative() {
			want = decimal.Zero
		}
		got := decimal.Min(want, remaining)
		remaining = remaining.Sub(got)
		return got
	}

	d := &Distribution{}
	d.TaxWithheld = take(o.TaxAmount)
	d.Platform = take(o.CommissionAmount)
	d.Manufacturer = take(o.ManufacturerAmount)
	d.Dealer = remaining
	return d
}

func (d *Distribution) Total() decimal.Decimal {
	return d.Manufacturer.Add(d.Dealer).Add(d.Platform).Add(d.TaxWithheld)
}
