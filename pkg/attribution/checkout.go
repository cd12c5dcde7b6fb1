package attribution

import (
	"openattribution/pkg/telemetry"
)

// CheckoutExtension is the commerce-checkout binding: the attribution object
// nested under a single "attribution" key, ready to embed in a checkout
// session payload. This binding omits prior_session_ids, since a merchant
// checkout has no business receiving the shopper's cross-session journey.
type CheckoutExtension struct {
	Attribution Attribution `json:"attribution"`
}

// ForCheckout projects a session into the checkout-embedded shape.
func ForCheckout(session *telemetry.Session) (*CheckoutExtension, error) {
	attr, err := Project(session)
	if err != nil {
		return nil, err
	}
	attr.PriorSessionIDs = nil
	return &CheckoutExtension{Attribution: *attr}, nil
}
