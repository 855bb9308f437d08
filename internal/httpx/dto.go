package httpx

import "github.com/shopspring/decimal"

type createOrderRequest struct {
	CustomerID         string           `json:"customer_id"`
	ShippingAddressRef string           `json:"shipping_address_ref"`
	PaymentMethod      string           `json:"payment_method"`
	TaxAmount          *decimal.Decimal `json:"tax_amount,omitempty"`
	ShippingAmount     *decimal.Decimal `json:"shipping_amount,omitempty"`
	Items              []orderItemDTO   `json:"items"`
}

type orderItemDTO struct {
	ProductID string          `json:"product_id"`
	Title     string          `json:"title"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type orderResponse struct {
	OrderID             string `json:"order_id"`
	Status              string `json:"status"`
	TotalAmount         string `json:"total_amount"`
	Version             int64  `json:"version,omitempty"`
	PendingVerification bool   `json:"pending_verification,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
