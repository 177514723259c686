package stage

import (
	"context"
	"math"
	"strings"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/store"
)

// PaymentRequest is the payload shared by stripe_setup and payment_processing.
type PaymentRequest struct {
	Amount           float64           `json:"amount" validate:"gt=0,lte=100000"`
	Currency         string            `json:"currency" validate:"required,iso4217"`
	CustomerEmail    string            `json:"customer_email" validate:"required,email"`
	BookingReference string            `json:"booking_reference,omitempty" validate:"max=64"`
	PaymentIntentID  string            `json:"payment_intent_id,omitempty"`
	SuccessURL       string            `json:"success_url,omitempty" validate:"omitempty,url"`
	CancelURL        string            `json:"cancel_url,omitempty" validate:"omitempty,url"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// PaymentPlan is the prepared payment command.
type PaymentPlan struct {
	Request      PaymentRequest `json:"request"`
	Action       string         `json:"action"`
	AmountCents  int64          `json:"amount_cents"`
	Token        string         `json:"token"`
	Payments     map[string]any `json:"payments"`
	Dependencies []string       `json:"dependencies"`
}

type PaymentExecution struct {
	Plan      PaymentPlan `json:"plan"`
	Reference string      `json:"reference"`
}

// PaymentHandler serves stripe_setup (checkout session) and
// payment_processing (capture of an existing intent).
type PaymentHandler struct {
	mode       store.JobType
	dispatcher Dispatcher
}

func (h *PaymentHandler) Validate(ctx context.Context, in Input) (any, error) {
	var req PaymentRequest
	if err := decodeLoose(in.Payload, &req); err != nil {
		return nil, err
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.CustomerEmail = normalizeEmail(req.CustomerEmail)
	trim(&req.BookingReference)
	trim(&req.PaymentIntentID)
	trim(&req.SuccessURL)
	trim(&req.CancelURL)
	req.Amount = math.Round(req.Amount*100) / 100

	if err := check(&req); err != nil {
		return nil, err
	}

	switch h.mode {
	case store.JobTypeStripeSetup:
		if req.SuccessURL == "" {
			return nil, invalid("success_url", "required", "is required for checkout setup")
		}
		if req.CancelURL == "" {
			return nil, invalid("cancel_url", "required", "is required for checkout setup")
		}
	case store.JobTypePaymentProcessing:
		if !strings.HasPrefix(req.PaymentIntentID, "pi_") {
			return nil, invalid("payment_intent_id", "format", "%q is not a payment intent id", req.PaymentIntentID)
		}
	}
	return req, nil
}

func (h *PaymentHandler) Prepare(ctx context.Context, in Input) (any, error) {
	var req PaymentRequest
	if err := decode(in.Payload, &req); err != nil {
		return nil, err
	}

	plan := PaymentPlan{
		Request:      req,
		AmountCents:  int64(math.Round(req.Amount * 100)),
		Token:        Token(in.IdempotencyKey, "payments"),
		Dependencies: []string{"payments"},
	}
	plan.Payments = map[string]any{
		"amount":         plan.AmountCents,
		"currency":       strings.ToLower(req.Currency),
		"customer_email": req.CustomerEmail,
		"metadata":       withJobMetadata(req.Metadata, in.JobID, req.BookingReference),
	}
	if h.mode == store.JobTypeStripeSetup {
		plan.Action = "create_checkout_session"
		plan.Payments["success_url"] = req.SuccessURL
		plan.Payments["cancel_url"] = req.CancelURL
	} else {
		plan.Action = "capture_payment_intent"
		plan.Payments["payment_intent"] = req.PaymentIntentID
	}
	return plan, nil
}

func (h *PaymentHandler) Execute(ctx context.Context, in Input) (any, error) {
	var plan PaymentPlan
	if err := decodeLoose(in.Payload, &plan); err != nil {
		return nil, err
	}
	if plan.Token == "" {
		return nil, invalid("token", "required", "prepared payment has no idempotency token")
	}
	cmd := Command{
		Destination:    "payments",
		Action:         plan.Action,
		JobID:          in.JobID,
		Reference:      "pay_" + plan.Token[:16],
		IdempotencyKey: plan.Token,
		Payload:        plan.Payments,
	}
	if err := h.dispatcher.Dispatch(ctx, cmd); err != nil {
		return nil, external(err, "dispatch payments")
	}
	return PaymentExecution{Plan: plan, Reference: cmd.Reference}, nil
}

func (h *PaymentHandler) Postprocess(ctx context.Context, in Input) (any, error) {
	var exec PaymentExecution
	if err := decodeLoose(in.Payload, &exec); err != nil {
		return nil, err
	}
	return map[string]any{
		"payment_reference": exec.Reference,
		"action":            exec.Plan.Action,
		"amount_cents":      exec.Plan.AmountCents,
		"currency":          exec.Plan.Request.Currency,
		"booking_reference": exec.Plan.Request.BookingReference,
	}, nil
}

func withJobMetadata(meta map[string]string, jobID, bookingRef string) map[string]string {
	out := make(map[string]string, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	out["job_id"] = jobID
	if bookingRef != "" {
		out["booking_reference"] = bookingRef
	}
	return out
}
