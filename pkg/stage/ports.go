package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/config"
)

// Command is a side-effecting request handed to an external system.
type Command struct {
	Destination    string `json:"destination"`
	Action         string `json:"action"`
	JobID          string `json:"job_id"`
	Reference      string `json:"reference"`
	IdempotencyKey string `json:"idempotency_key"`
	Payload        any    `json:"payload"`
}

// Dispatcher delivers commands to payments, cms, email and other
// destinations. Delivering the same IdempotencyKey twice must be harmless.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Command) error
}

// WebhookRequest is one outbound HTTP delivery.
type WebhookRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"-"`
}

type WebhookResponse struct {
	StatusCode int
	Body       []byte
}

type WebhookSender interface {
	Send(ctx context.Context, req WebhookRequest) (*WebhookResponse, error)
}

// Package is a bookable product.
type Package struct {
	ID         string
	Name       string
	PriceCents int64
	Currency   string
}

type Catalog interface {
	Package(id string) (Package, bool)
}

// ConfigCatalog serves the package list from settings.
type ConfigCatalog map[string]config.PackageSettings

func (c ConfigCatalog) Package(id string) (Package, bool) {
	p, ok := c[id]
	if !ok {
		return Package{}, false
	}
	return Package{ID: id, Name: p.Name, PriceCents: p.PriceCents, Currency: strings.ToUpper(p.Currency)}, true
}

// Customer is the profile a booking is enriched with.
type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type CustomerDirectory interface {
	Lookup(ctx context.Context, email, name string) (Customer, error)
}

// DerivedCustomers assigns each email a stable customer id without a
// remote lookup.
type DerivedCustomers struct{}

func (DerivedCustomers) Lookup(ctx context.Context, email, name string) (Customer, error) {
	return Customer{ID: "cus_" + digest(email)[:14], Email: email, Name: name}, nil
}

// Token derives the idempotency token for one destination of a job. A
// re-executed stage presents the same token, so the destination can
// deduplicate it.
func Token(idempotencyKey, destination string) string {
	return digest(idempotencyKey + ":" + destination)[:32]
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
