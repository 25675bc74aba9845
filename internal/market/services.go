package market

import "agentmarket/internal/provider"

// Services bundles the market components over one store.
type Services struct {
	Store     Store
	Registry  *Registry
	Ledger    *Ledger
	Purchases *PurchaseFlow
	Inference *InferenceGate
	Publisher *Publisher
	Composer  *Composer
	Profiles  *Profiles
}

func NewServices(store Store, p provider.Provider, pub PublisherConfig, opts Options) *Services {
	opts = opts.withDefaults()
	registry := NewRegistry(store)
	ledger := NewLedger(store, opts)
	return &Services{
		Store:     store,
		Registry:  registry,
		Ledger:    ledger,
		Purchases: NewPurchaseFlow(registry, ledger, store, opts),
		Inference: NewInferenceGate(registry, ledger, store, p, opts),
		Publisher: NewPublisher(registry, ledger, store, pub, opts),
		Composer:  NewComposer(registry, ledger, store, opts),
		Profiles:  NewProfiles(store),
	}
}
