package cart

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/scanshop/companion-sync/pkg/db/models"
)

// Cart is the scanned basket for one checkout. Lines are kept in scan order
// and keyed by normalized code.
type Cart struct {
	Lines []models.CartLine `json:"lines"`
}

// Summary holds derived cart totals.
type Summary struct {
	Lines    int             `json:"lines"`
	Units    int             `json:"units"`
	Subtotal decimal.Decimal `json:"subtotal"`
}

// Totals recomputes every line subtotal and returns the cart summary. Lines
// with a non-positive quantity are dropped.
func Totals(lines []models.CartLine) ([]models.CartLine, Summary) {
	out := make([]models.CartLine, 0, len(lines))
	sum := Summary{Subtotal: decimal.Zero}
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		line.Subtotal = line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))).Round(2)
		out = append(out, line)
		sum.Lines++
		sum.Units += line.Quantity
		sum.Subtotal = sum.Subtotal.Add(line.Subtotal)
	}
	return out, sum
}

// Add scans quantity units of a product, merging with an existing line.
func (c Cart) Add(product models.Product, quantity int) Cart {
	if quantity <= 0 {
		return c
	}
	code := models.NormalizeCode(product.Code)
	lines := append([]models.CartLine(nil), c.Lines...)
	for i := range lines {
		if lines[i].Code == code {
			lines[i].Quantity += quantity
			lines, _ = Totals(lines)
			return Cart{Lines: lines}
		}
	}
	lines = append(lines, models.CartLine{
		Code:        code,
		Description: strings.TrimSpace(product.Description),
		UnitPrice:   product.Price,
		Quantity:    quantity,
	})
	lines, _ = Totals(lines)
	return Cart{Lines: lines}
}

// SetQuantity replaces a line quantity. Zero or less removes the line.
func (c Cart) SetQuantity(code string, quantity int) Cart {
	code = models.NormalizeCode(code)
	lines := append([]models.CartLine(nil), c.Lines...)
	for i := range lines {
		if lines[i].Code == code {
			lines[i].Quantity = quantity
		}
	}
	lines, _ = Totals(lines)
	return Cart{Lines: lines}
}

// Remove drops a line.
func (c Cart) Remove(code string) Cart {
	return c.SetQuantity(code, 0)
}

// Summary returns the derived totals.
func (c Cart) Summary() Summary {
	_, sum := Totals(c.Lines)
	return sum
}

func (c Cart) IsEmpty() bool {
	return len(c.Lines) == 0
}
