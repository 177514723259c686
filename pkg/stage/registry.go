package stage

import (
	"time"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/config"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/store"
)

// Deps are the collaborators the built-in handlers reach out to.
type Deps struct {
	Dispatcher Dispatcher
	Webhooks   WebhookSender
	Catalog    Catalog
	Customers  CustomerDirectory
	Now        func() time.Time
}

// NewDefaultRouter registers a handler for every job type.
func NewDefaultRouter(cfg config.StageSettings, timeout time.Duration, deps Deps) *Router {
	if deps.Catalog == nil {
		deps.Catalog = ConfigCatalog(cfg.Packages)
	}
	if deps.Customers == nil {
		deps.Customers = DerivedCustomers{}
	}
	if deps.Webhooks == nil {
		deps.Webhooks = NewHTTPWebhookSender(cfg.WebhookTimeout)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := NewRouter(timeout)
	r.Register(store.JobTypeBookingSync, &BookingHandler{
		catalog:    deps.Catalog,
		customers:  deps.Customers,
		dispatcher: deps.Dispatcher,
		vatRate:    cfg.VATRate,
		now:        deps.Now,
	})
	r.Register(store.JobTypeStripeSetup, &PaymentHandler{mode: store.JobTypeStripeSetup, dispatcher: deps.Dispatcher})
	r.Register(store.JobTypePaymentProcessing, &PaymentHandler{mode: store.JobTypePaymentProcessing, dispatcher: deps.Dispatcher})
	r.Register(store.JobTypeEmailInvestor, &EmailHandler{blacklist: cfg.EmailBlacklist, dispatcher: deps.Dispatcher})
	r.Register(store.JobTypeNotionUpdate, &NotionHandler{dispatcher: deps.Dispatcher})
	r.Register(store.JobTypeWebhookDelivery, &WebhookHandler{
		allowedHosts:  cfg.WebhookAllowedHosts,
		allowInsecure: cfg.AllowInsecureWebhooks,
		sender:        deps.Webhooks,
		now:           deps.Now,
	})
	r.Register(store.JobTypeDataValidation, &DataValidationHandler{dispatcher: deps.Dispatcher})
	r.Register(store.JobTypeFileProcessing, &FileHandler{
		allowedTypes: cfg.AllowedContentTypes,
		maxBytes:     cfg.MaxFileBytes,
		dispatcher:   deps.Dispatcher,
	})
	return r
}
