package enums

import "fmt"

// OrderStatus mirrors estado_procesamiento on the backend orders table.
type OrderStatus string

const (
	OrderStatusQueuedOffline OrderStatus = "pendiente_envio"
	OrderStatusCreated       OrderStatus = "creado"
	OrderStatusPendingERP    OrderStatus = "pendiente_erp"
	OrderStatusDelivered     OrderStatus = "enviado"
	OrderStatusFailed        OrderStatus = "error_erp"
)

var validOrderStatuses = []OrderStatus{
	OrderStatusQueuedOffline,
	OrderStatusCreated,
	OrderStatusPendingERP,
	OrderStatusDelivered,
	OrderStatusFailed,
}

// String implements fmt.Stringer.
func (s OrderStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known OrderStatus.
func (s OrderStatus) IsValid() bool {
	for _, candidate := range validOrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further delivery attempts will be made.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusFailed
}

// ParseOrderStatus converts raw input into an OrderStatus.
func ParseOrderStatus(value string) (OrderStatus, error) {
	for _, candidate := range validOrderStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order status %q", value)
}
