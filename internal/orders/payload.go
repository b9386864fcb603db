package orders

import (
	"fmt"
	"strings"

	"github.com/scanshop/companion-sync/internal/erp"
	"github.com/scanshop/companion-sync/pkg/db/models"
)

const (
	defaultSeries      = "BT7"
	defaultSalesCenter = "1"
)

// Series is chosen by the destination warehouse.
var seriesByWarehouse = map[string]string{
	"ONTINYENT": "BT7",
	"GANDIA":    "SM1",
	"ALZIRA":    "008",
	"REQUENA":   "002",
}

// Sales center is chosen by the customer's home warehouse.
var salesCenterByWarehouse = map[string]string{
	"ONTINYENT": "7",
	"GANDIA":    "1",
	"ALZIRA":    "8",
	"REQUENA":   "2",
}

// SeriesFor returns the document series for a destination warehouse.
func SeriesFor(warehouse string) string {
	if series, ok := seriesByWarehouse[normalizeWarehouse(warehouse)]; ok {
		return series
	}
	return defaultSeries
}

// SalesCenterFor returns the sales center for a home warehouse.
func SalesCenterFor(homeWarehouse string) string {
	if center, ok := salesCenterByWarehouse[normalizeWarehouse(homeWarehouse)]; ok {
		return center
	}
	return defaultSalesCenter
}

func normalizeWarehouse(warehouse string) string {
	return strings.ToUpper(strings.TrimSpace(warehouse))
}

// Reference is the deduplication key sent to the external order system.
func Reference(orderID, qrCode string) string {
	return fmt.Sprintf("RQC/%s-%s", orderID, qrCode)
}

// Snapshot is everything needed to build the external order for a remote order.
type Snapshot struct {
	OrderID       string
	QRCode        string
	UserID        string
	Warehouse     string
	HomeWarehouse string
	CustomerCode  string
	Notes         string
	Lines         []models.CartLine
}

// Order identifies the remote order a snapshot belongs to.
func (s Snapshot) Order() Order {
	return Order{
		ID:        s.OrderID,
		UserID:    s.UserID,
		Warehouse: normalizeWarehouse(s.Warehouse),
		QRCode:    s.QRCode,
		Reference: Reference(s.OrderID, s.QRCode),
	}
}

// BuildPayload maps a snapshot to the create-order request.
func BuildPayload(s Snapshot) erp.Payload {
	var customer *string
	if code := strings.TrimSpace(s.CustomerCode); code != "" {
		customer = &code
	}
	lines := make([]erp.Line, 0, len(s.Lines))
	for _, line := range s.Lines {
		lines = append(lines, erp.Line{ArticleCode: line.Code, Units: line.Quantity})
	}
	return erp.Payload{
		CustomerCode: customer,
		Series:       SeriesFor(s.Warehouse),
		SalesCenter:  SalesCenterFor(s.HomeWarehouse),
		Reference:    Reference(s.OrderID, s.QRCode),
		Notes:        s.Notes,
		Lines:        lines,
	}
}
