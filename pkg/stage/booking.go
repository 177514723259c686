package stage

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// BookingRequest is the booking_sync payload.
type BookingRequest struct {
	CustomerName  string  `json:"customer_name" validate:"required,min=2,max=120"`
	CustomerEmail string  `json:"customer_email" validate:"required,email"`
	CustomerPhone string  `json:"customer_phone,omitempty" validate:"omitempty,e164"`
	PackageID     string  `json:"package_id" validate:"required"`
	BookingDate   string  `json:"booking_date" validate:"required,datetime=2006-01-02"`
	Participants  int     `json:"participants" validate:"min=1,max=20"`
	Price         float64 `json:"price" validate:"gt=0"`
	Currency      string  `json:"currency" validate:"iso4217"`
	Notes         string  `json:"notes,omitempty" validate:"max=1000"`
}

// BookingPlan is the prepared booking with one payload shape per destination.
type BookingPlan struct {
	Booking       BookingRequest `json:"booking"`
	Reference     string         `json:"reference"`
	Customer      Customer       `json:"customer"`
	PackageName   string         `json:"package_name"`
	UnitCents     int64          `json:"unit_cents"`
	SubtotalCents int64          `json:"subtotal_cents"`
	VATCents      int64          `json:"vat_cents"`
	TotalCents    int64          `json:"total_cents"`
	QuotedCents   int64          `json:"quoted_cents"`
	Currency      string         `json:"currency"`
	Payments      map[string]any `json:"payments"`
	CMS           map[string]any `json:"cms"`
	Email         map[string]any `json:"email"`
	Dependencies  []string       `json:"dependencies"`
}

// BookingExecution carries the plan forward with what each destination accepted.
type BookingExecution struct {
	Plan       BookingPlan       `json:"plan"`
	References map[string]string `json:"references"`
}

type BookingHandler struct {
	catalog    Catalog
	customers  CustomerDirectory
	dispatcher Dispatcher
	vatRate    float64
	now        func() time.Time
}

func (h *BookingHandler) Validate(ctx context.Context, in Input) (any, error) {
	var req BookingRequest
	if err := decodeLoose(in.Payload, &req); err != nil {
		return nil, err
	}
	trim(&req.CustomerName)
	req.CustomerEmail = normalizeEmail(req.CustomerEmail)
	req.CustomerPhone = normalizePhone(req.CustomerPhone)
	trim(&req.PackageID)
	trim(&req.BookingDate)
	trim(&req.Notes)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = "EUR"
	}
	req.Price = math.Round(req.Price*100) / 100

	if err := check(&req); err != nil {
		return nil, err
	}

	date, _ := time.Parse("2006-01-02", req.BookingDate)
	today := h.now().UTC().Truncate(24 * time.Hour)
	if date.Before(today) {
		return nil, invalid("booking_date", "future", "%s is in the past", req.BookingDate)
	}
	if _, ok := h.catalog.Package(req.PackageID); !ok {
		return nil, invalid("package_id", "catalog", "unknown package %q", req.PackageID)
	}
	return req, nil
}

func (h *BookingHandler) Prepare(ctx context.Context, in Input) (any, error) {
	var req BookingRequest
	if err := decode(in.Payload, &req); err != nil {
		return nil, err
	}
	pkg, ok := h.catalog.Package(req.PackageID)
	if !ok {
		return nil, invalid("package_id", "catalog", "unknown package %q", req.PackageID)
	}
	customer, err := h.customers.Lookup(ctx, req.CustomerEmail, req.CustomerName)
	if err != nil {
		return nil, external(err, "customer lookup")
	}

	subtotal := pkg.PriceCents * int64(req.Participants)
	vat := int64(math.Round(float64(subtotal) * h.vatRate))
	plan := BookingPlan{
		Booking:       req,
		Reference:     bookingReference(in.IdempotencyKey),
		Customer:      customer,
		PackageName:   pkg.Name,
		UnitCents:     pkg.PriceCents,
		SubtotalCents: subtotal,
		VATCents:      vat,
		TotalCents:    subtotal + vat,
		QuotedCents:   int64(math.Round(req.Price * 100)),
		Currency:      pkg.Currency,
		Dependencies:  []string{"payments", "cms"},
	}
	plan.Payments = map[string]any{
		"amount":      plan.TotalCents,
		"currency":    strings.ToLower(plan.Currency),
		"customer_id": customer.ID,
		"description": fmt.Sprintf("%s x%d (%s)", pkg.Name, req.Participants, req.BookingDate),
		"metadata":    map[string]string{"booking_reference": plan.Reference, "job_id": in.JobID},
	}
	plan.CMS = map[string]any{
		"reference":    plan.Reference,
		"customer":     req.CustomerName,
		"email":        req.CustomerEmail,
		"package":      pkg.Name,
		"date":         req.BookingDate,
		"participants": req.Participants,
		"total_cents":  plan.TotalCents,
		"status":       "pending_payment",
	}
	plan.Email = map[string]any{
		"to":       req.CustomerEmail,
		"template": "booking_confirmation",
		"variables": map[string]any{
			"name":      req.CustomerName,
			"reference": plan.Reference,
			"package":   pkg.Name,
			"date":      req.BookingDate,
			"total":     formatCents(plan.TotalCents, plan.Currency),
		},
	}
	return plan, nil
}

func (h *BookingHandler) Execute(ctx context.Context, in Input) (any, error) {
	var plan BookingPlan
	if err := decodeLoose(in.Payload, &plan); err != nil {
		return nil, err
	}
	shapes := map[string]any{"payments": plan.Payments, "cms": plan.CMS}
	actions := map[string]string{"payments": "create_payment_intent", "cms": "upsert_booking"}

	refs := make(map[string]string, len(plan.Dependencies))
	for _, dest := range plan.Dependencies {
		token := Token(in.IdempotencyKey, dest)
		cmd := Command{
			Destination:    dest,
			Action:         actions[dest],
			JobID:          in.JobID,
			Reference:      dest + "_" + token[:16],
			IdempotencyKey: token,
			Payload:        shapes[dest],
		}
		if err := h.dispatcher.Dispatch(ctx, cmd); err != nil {
			return nil, external(err, "dispatch %s", dest)
		}
		refs[dest] = cmd.Reference
	}
	return BookingExecution{Plan: plan, References: refs}, nil
}

func (h *BookingHandler) Postprocess(ctx context.Context, in Input) (any, error) {
	var exec BookingExecution
	if err := decodeLoose(in.Payload, &exec); err != nil {
		return nil, err
	}
	if len(exec.References) == 0 {
		return nil, invalid("references", "required", "execute produced no cross references")
	}
	return map[string]any{
		"booking_reference": exec.Plan.Reference,
		"customer_id":       exec.Plan.Customer.ID,
		"payment_reference": exec.References["payments"],
		"cms_reference":     exec.References["cms"],
		"total_cents":       exec.Plan.TotalCents,
		"currency":          exec.Plan.Currency,
		"confirmation":      exec.Plan.Email,
	}, nil
}

// bookingReference is WV- plus eight characters derived from the job key.
func bookingReference(idempotencyKey string) string {
	return "WV-" + strings.ToUpper(digest(idempotencyKey)[:8])
}

func formatCents(cents int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", cents/100, cents%100, currency)
}
