package gateway

import "strings"

// Variant identifies one credential/schema combination for reaching the
// provider. Resolved once at request-construction time and carried
// explicitly.
type Variant string

const (
	// VariantBroker is the default: a brokered multimodal chat-completion
	// API using the platform broker key.
	VariantBroker Variant = "broker"
	// VariantDirect hits the provider's native API without credentials.
	VariantDirect Variant = "direct"
	// VariantPlatform hits the native API with the platform-wide key.
	VariantPlatform Variant = "platform"
	// VariantBYO hits the native API with the caller's own key.
	VariantBYO Variant = "byo"
)

const (
	prefixBYO      = "byo/"
	prefixPlatform = "platform/"
	prefixDirect   = "direct/"
)

// Route pairs a resolved variant with the model identifier stripped of its
// namespace prefix.
type Route struct {
	Variant Variant
	Model   string
}

// ResolveRoute derives the routing variant from the model identifier's
// namespace prefix. Unprefixed identifiers route to the broker.
func ResolveRoute(model string) Route {
	model = strings.TrimSpace(model)
	switch {
	case strings.HasPrefix(model, prefixBYO):
		return Route{Variant: VariantBYO, Model: strings.TrimPrefix(model, prefixBYO)}
	case strings.HasPrefix(model, prefixPlatform):
		return Route{Variant: VariantPlatform, Model: strings.TrimPrefix(model, prefixPlatform)}
	case strings.HasPrefix(model, prefixDirect):
		return Route{Variant: VariantDirect, Model: strings.TrimPrefix(model, prefixDirect)}
	default:
		return Route{Variant: VariantBroker, Model: model}
	}
}
