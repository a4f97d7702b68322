package settlement

import (
	"context"
	"fmt"

	railpay "github.com/tigerhub/railpay"
)

// Generator is a fulfillment collaborator: an external service that
// produces the purchased digital good. Generators are opaque,
// replaceable, and potentially slow (seconds to minutes), so every
// call carries a context.
type Generator interface {
	Generate(ctx context.Context, productID railpay.ProductID, params map[string]interface{}) (resultURI string, err error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, productID railpay.ProductID, params map[string]interface{}) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, productID railpay.ProductID, params map[string]interface{}) (string, error) {
	return f(ctx, productID, params)
}

// Order is a settled purchase handed to the dispatcher by the
// orchestrator after winning admission.
type Order struct {
	ChargeKey string
	InvoiceID string
	ProductID railpay.ProductID
	Payer     string
	Params    map[string]interface{}
}

// Dispatcher routes settled orders to the generator registered for
// their product.
type Dispatcher struct {
	generators map[railpay.ProductID]Generator
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		generators: make(map[railpay.ProductID]Generator),
	}
}

// Register binds a generator to a product. Registering twice for the
// same product replaces the previous generator.
func (d *Dispatcher) Register(productID railpay.ProductID, g Generator) {
	d.generators[productID] = g
}

// Dispatch produces the purchased artifact for an order. A missing
// generator for a known product is a configuration error and surfaces
// as a fulfillment failure, not a payment failure.
func (d *Dispatcher) Dispatch(ctx context.Context, order Order) (string, error) {
	g, ok := d.generators[order.ProductID]
	if !ok {
		return "", railpay.NewPaymentError(railpay.ErrCodeFulfillmentFailed,
			fmt.Sprintf("no generator registered for product %s", order.ProductID), nil)
	}

	resultURI, err := g.Generate(ctx, order.ProductID, order.Params)
	if err != nil {
		return "", railpay.NewPaymentError(railpay.ErrCodeFulfillmentFailed,
			fmt.Sprintf("generation failed for product %s: %v", order.ProductID, err), nil)
	}
	return resultURI, nil
}
