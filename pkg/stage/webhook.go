package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type WebhookDeliveryRequest struct {
	WebhookURL string            `json:"webhook_url" validate:"required,url"`
	Method     string            `json:"method" validate:"oneof=POST PUT PATCH"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
}

type WebhookPlan struct {
	Request WebhookRequest  `json:"request"`
	Body    json.RawMessage `json:"body,omitempty"`
}

type WebhookHandler struct {
	allowedHosts  []string
	allowInsecure bool
	sender        WebhookSender
	now           func() time.Time
}

func (h *WebhookHandler) Validate(ctx context.Context, in Input) (any, error) {
	var req WebhookDeliveryRequest
	if err := decodeLoose(in.Payload, &req); err != nil {
		return nil, err
	}
	trim(&req.WebhookURL)
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	if req.Method == "" {
		req.Method = "POST"
	}
	if err := check(&req); err != nil {
		return nil, err
	}

	if err := h.checkTarget("webhook_url", req.WebhookURL, req.Method); err != nil {
		return nil, err
	}
	if len(req.Body) > 0 && !json.Valid(req.Body) {
		return nil, invalid("body", "json", "body is not valid JSON")
	}
	return req, nil
}

// checkTarget enforces the scheme, allow-list and method rules. It runs
// again before sending since each stage can be called on its own.
func (h *WebhookHandler) checkTarget(field, rawURL, method string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return invalid(field, "url", "%v", err)
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && h.allowInsecure:
	default:
		return invalid(field, "scheme", "scheme %q is not allowed", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || !h.hostAllowed(host) {
		return invalid(field, "allowlist", "host %s is not in the webhook allow-list", host)
	}
	switch method {
	case "POST", "PUT", "PATCH":
	default:
		return invalid("method", "oneof", "method %q is not allowed", method)
	}
	return nil
}

// hostAllowed matches exact hosts and "*.domain" wildcard entries.
func (h *WebhookHandler) hostAllowed(host string) bool {
	for _, allowed := range h.allowedHosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if suffix, ok := strings.CutPrefix(allowed, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == allowed {
			return true
		}
	}
	return false
}

func (h *WebhookHandler) Prepare(ctx context.Context, in Input) (any, error) {
	var req WebhookDeliveryRequest
	if err := decode(in.Payload, &req); err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(req.Headers)+4)
	for k, v := range req.Headers {
		headers[k] = v
	}
	headers["Content-Type"] = "application/json"
	headers["Idempotency-Key"] = Token(in.IdempotencyKey, "webhook")
	headers["X-Job-Id"] = in.JobID
	headers["X-Workflow-Version"] = in.WorkflowVersion

	body := req.Body
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	return WebhookPlan{
		Request: WebhookRequest{URL: req.WebhookURL, Method: req.Method, Headers: headers},
		Body:    body,
	}, nil
}

func (h *WebhookHandler) Execute(ctx context.Context, in Input) (any, error) {
	var plan WebhookPlan
	if err := decodeLoose(in.Payload, &plan); err != nil {
		return nil, err
	}
	req := plan.Request
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	if req.Method == "" {
		req.Method = "POST"
	}
	if err := h.checkTarget("request.url", req.URL, req.Method); err != nil {
		return nil, err
	}
	req.Body = plan.Body

	resp, err := h.sender.Send(ctx, req)
	if err != nil {
		return nil, external(err, "deliver webhook to %s", req.URL)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Code: CodeExternal, Message: "webhook responded " + httpStatus(resp.StatusCode)}
	}
	return map[string]any{
		"status_code":  resp.StatusCode,
		"delivered_at": h.now().UTC(),
		"url":          req.URL,
	}, nil
}

func (h *WebhookHandler) Postprocess(ctx context.Context, in Input) (any, error) {
	var delivered map[string]any
	if err := decodeLoose(in.Payload, &delivered); err != nil {
		return nil, err
	}
	delivered["delivered"] = true
	return delivered, nil
}

func httpStatus(code int) string {
	return fmt.Sprintf("%d %s", code, http.StatusText(code))
}
