package stage

import (
	"context"
	"strings"
)

type EmailRequest struct {
	To        string         `json:"to" validate:"required,email"`
	Name      string         `json:"name,omitempty" validate:"max=120"`
	Subject   string         `json:"subject" validate:"required,min=1,max=200"`
	Template  string         `json:"template" validate:"required"`
	Variables map[string]any `json:"variables,omitempty"`
}

type EmailPlan struct {
	Message   map[string]any `json:"message"`
	MessageID string         `json:"message_id"`
	Token     string         `json:"token"`
}

type EmailHandler struct {
	blacklist  []string
	dispatcher Dispatcher
}

func (h *EmailHandler) Validate(ctx context.Context, in Input) (any, error) {
	var req EmailRequest
	if err := decodeLoose(in.Payload, &req); err != nil {
		return nil, err
	}
	req.To = normalizeEmail(req.To)
	trim(&req.Name)
	trim(&req.Subject)
	trim(&req.Template)

	if err := check(&req); err != nil {
		return nil, err
	}
	if entry, ok := h.blacklisted(req.To); ok {
		return nil, invalid("to", "blacklist", "recipient %s is blacklisted (%s)", req.To, entry)
	}
	return req, nil
}

// blacklisted matches a full address or the address's domain.
func (h *EmailHandler) blacklisted(addr string) (string, bool) {
	domain := addr[strings.LastIndex(addr, "@")+1:]
	for _, entry := range h.blacklist {
		entry = normalizeEmail(entry)
		if entry == addr || strings.TrimPrefix(entry, "@") == domain {
			return entry, true
		}
	}
	return "", false
}

func (h *EmailHandler) Prepare(ctx context.Context, in Input) (any, error) {
	var req EmailRequest
	if err := decode(in.Payload, &req); err != nil {
		return nil, err
	}
	token := Token(in.IdempotencyKey, "email")
	return EmailPlan{
		Message: map[string]any{
			"to":        req.To,
			"name":      req.Name,
			"subject":   req.Subject,
			"template":  req.Template,
			"variables": req.Variables,
		},
		MessageID: "msg_" + token[:20],
		Token:     token,
	}, nil
}

func (h *EmailHandler) Execute(ctx context.Context, in Input) (any, error) {
	var plan EmailPlan
	if err := decodeLoose(in.Payload, &plan); err != nil {
		return nil, err
	}
	err := h.dispatcher.Dispatch(ctx, Command{
		Destination:    "email",
		Action:         "send_template",
		JobID:          in.JobID,
		Reference:      plan.MessageID,
		IdempotencyKey: plan.Token,
		Payload:        plan.Message,
	})
	if err != nil {
		return nil, external(err, "dispatch email")
	}
	return plan, nil
}

func (h *EmailHandler) Postprocess(ctx context.Context, in Input) (any, error) {
	var plan EmailPlan
	if err := decodeLoose(in.Payload, &plan); err != nil {
		return nil, err
	}
	return map[string]any{"message_id": plan.MessageID, "to": plan.Message["to"]}, nil
}
