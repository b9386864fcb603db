package orders

import (
	"context"
	"fmt"

	"github.com/scanshop/companion-sync/internal/backend"
	"github.com/scanshop/companion-sync/pkg/db/models"
)

// LineAttacher is the backend call that adds one line to a remote order.
type LineAttacher interface {
	AttachLine(ctx context.Context, orderID string, line backend.OrderLine) error
}

// AttachLines attaches lines[from:] by position and returns how many lines
// are attached in total. On error the count tells a caller where to resume;
// positions make re-attaching an already attached line a no-op.
func AttachLines(ctx context.Context, b LineAttacher, orderID string, lines []models.CartLine, from int) (int, error) {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(lines); i++ {
		line := lines[i]
		err := b.AttachLine(ctx, orderID, backend.OrderLine{
			Position:    i + 1,
			Code:        line.Code,
			Description: line.Description,
			UnitPrice:   line.UnitPrice,
			Quantity:    line.Quantity,
		})
		if err != nil {
			return i, fmt.Errorf("attach line %d (%s): %w", i+1, line.Code, err)
		}
	}
	return len(lines), nil
}
