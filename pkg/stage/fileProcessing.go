package stage

import (
	"context"
	"fmt"
	"path"
	"strings"
)

type FileRequest struct {
	FileURL     string `json:"file_url" validate:"required,url"`
	FileName    string `json:"file_name,omitempty" validate:"max=255"`
	ContentType string `json:"content_type" validate:"required"`
	SizeBytes   int64  `json:"size_bytes" validate:"gt=0"`
	Operation   string `json:"operation" validate:"oneof=thumbnail compress scan"`
}

type FilePlan struct {
	Request   FileRequest `json:"request"`
	OutputKey string      `json:"output_key"`
	Token     string      `json:"token"`
}

type FileHandler struct {
	allowedTypes []string
	maxBytes     int64
	dispatcher   Dispatcher
}

func (h *FileHandler) Validate(ctx context.Context, in Input) (any, error) {
	var req FileRequest
	if err := decodeLoose(in.Payload, &req); err != nil {
		return nil, err
	}
	trim(&req.FileURL)
	trim(&req.FileName)
	req.ContentType = strings.ToLower(strings.TrimSpace(req.ContentType))
	req.Operation = strings.ToLower(strings.TrimSpace(req.Operation))

	if err := check(&req); err != nil {
		return nil, err
	}
	if !h.typeAllowed(req.ContentType) {
		return nil, invalid("content_type", "allowlist", "content type %s is not accepted", req.ContentType)
	}
	if req.SizeBytes > h.maxBytes {
		return nil, invalid("size_bytes", "max", "%d bytes exceeds the %d byte limit", req.SizeBytes, h.maxBytes)
	}
	if req.Operation == "thumbnail" && !strings.HasPrefix(req.ContentType, "image/") {
		return nil, invalid("operation", "content_type", "thumbnail needs an image, got %s", req.ContentType)
	}
	return req, nil
}

func (h *FileHandler) typeAllowed(contentType string) bool {
	for _, allowed := range h.allowedTypes {
		if strings.EqualFold(allowed, contentType) {
			return true
		}
	}
	return false
}

func (h *FileHandler) Prepare(ctx context.Context, in Input) (any, error) {
	var req FileRequest
	if err := decode(in.Payload, &req); err != nil {
		return nil, err
	}
	name := req.FileName
	if name == "" {
		name = path.Base(req.FileURL)
	}
	token := Token(in.IdempotencyKey, "files")
	return FilePlan{
		Request:   req,
		OutputKey: fmt.Sprintf("processed/%s/%s/%s", req.Operation, token[:12], name),
		Token:     token,
	}, nil
}

func (h *FileHandler) Execute(ctx context.Context, in Input) (any, error) {
	var plan FilePlan
	if err := decodeLoose(in.Payload, &plan); err != nil {
		return nil, err
	}
	err := h.dispatcher.Dispatch(ctx, Command{
		Destination:    "files",
		Action:         plan.Request.Operation,
		JobID:          in.JobID,
		Reference:      plan.OutputKey,
		IdempotencyKey: plan.Token,
		Payload:        plan,
	})
	if err != nil {
		return nil, external(err, "dispatch files")
	}
	return plan, nil
}

func (h *FileHandler) Postprocess(ctx context.Context, in Input) (any, error) {
	var plan FilePlan
	if err := decodeLoose(in.Payload, &plan); err != nil {
		return nil, err
	}
	return map[string]any{
		"output_key": plan.OutputKey,
		"operation":  plan.Request.Operation,
		"size_bytes": plan.Request.SizeBytes,
	}, nil
}
