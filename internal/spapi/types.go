package spapi

// Amazon's order shape varies by marketplace and over API revisions, so
// raw records are kept as decoded JSON objects; the transform package
// flattens and types them. Only the fields the pipeline keys on get
// accessors here.

// Order is one raw order from GET /orders/v0/orders.
type Order map[string]any

// AmazonOrderID returns the order's natural key, or "" when absent.
func (o Order) AmazonOrderID() string {
	s, _ := o["AmazonOrderId"].(string)
	return s
}

// OrderStatus returns the raw status string.
func (o Order) OrderStatus() string {
	s, _ := o["OrderStatus"].(string)
	return s
}

// OrderItem is one raw line item from GET /orders/v0/orders/{id}/orderItems.
type OrderItem map[string]any

// OrderItemID returns the item's natural key, or "" when absent.
func (i OrderItem) OrderItemID() string {
	s, _ := i["OrderItemId"].(string)
	return s
}

// OrdersPage is one page of the orders listing.
type OrdersPage struct {
	Orders    []Order
	NextToken string
}

// OrderItemsPage is one page of a single order's items.
type OrderItemsPage struct {
	AmazonOrderID string
	OrderItems    []OrderItem
	NextToken     string
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
}

type ordersEnvelope struct {
	Payload struct {
		Orders    []Order `json:"Orders"`
		NextToken string  `json:"NextToken"`
	} `json:"payload"`
	Errors []responseError `json:"errors"`
}

type orderItemsEnvelope struct {
	Payload struct {
		AmazonOrderID string      `json:"AmazonOrderId"`
		OrderItems    []OrderItem `json:"OrderItems"`
		NextToken     string      `json:"NextToken"`
	} `json:"payload"`
	Errors []responseError `json:"errors"`
}
