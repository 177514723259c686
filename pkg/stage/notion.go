package stage

import (
	"context"
	"strings"
)

type NotionRequest struct {
	PageID     string         `json:"page_id" validate:"required"`
	Properties map[string]any `json:"properties" validate:"required,min=1"`
	Archived   bool           `json:"archived,omitempty"`
}

type NotionPlan struct {
	PageID string         `json:"page_id"`
	Update map[string]any `json:"update"`
	Token  string         `json:"token"`
}

type NotionHandler struct {
	dispatcher Dispatcher
}

func (h *NotionHandler) Validate(ctx context.Context, in Input) (any, error) {
	var req NotionRequest
	if err := decodeLoose(in.Payload, &req); err != nil {
		return nil, err
	}
	req.PageID = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(req.PageID), "-", ""))

	if err := check(&req); err != nil {
		return nil, err
	}
	if !isHex(req.PageID, 32) {
		return nil, invalid("page_id", "format", "%q is not a 32 character page id", req.PageID)
	}
	for name := range req.Properties {
		if strings.TrimSpace(name) == "" {
			return nil, invalid("properties", "name", "property names must not be blank")
		}
	}
	return req, nil
}

func (h *NotionHandler) Prepare(ctx context.Context, in Input) (any, error) {
	var req NotionRequest
	if err := decode(in.Payload, &req); err != nil {
		return nil, err
	}
	return NotionPlan{
		PageID: req.PageID,
		Update: map[string]any{"properties": req.Properties, "archived": req.Archived},
		Token:  Token(in.IdempotencyKey, "cms"),
	}, nil
}

func (h *NotionHandler) Execute(ctx context.Context, in Input) (any, error) {
	var plan NotionPlan
	if err := decodeLoose(in.Payload, &plan); err != nil {
		return nil, err
	}
	err := h.dispatcher.Dispatch(ctx, Command{
		Destination:    "cms",
		Action:         "update_page",
		JobID:          in.JobID,
		Reference:      plan.PageID,
		IdempotencyKey: plan.Token,
		Payload:        plan.Update,
	})
	if err != nil {
		return nil, external(err, "dispatch cms")
	}
	return plan, nil
}

func (h *NotionHandler) Postprocess(ctx context.Context, in Input) (any, error) {
	var plan NotionPlan
	if err := decodeLoose(in.Payload, &plan); err != nil {
		return nil, err
	}
	return map[string]any{"page_id": plan.PageID, "updated_properties": len(asMap(plan.Update["properties"]))}, nil
}

func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
