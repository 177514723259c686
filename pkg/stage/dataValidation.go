package stage

import (
	"context"
	"fmt"
	"strings"
)

const maxIssueSamples = 50

type DataValidationRequest struct {
	Dataset        string           `json:"dataset" validate:"required,max=120"`
	Records        []map[string]any `json:"records" validate:"min=1,max=1000"`
	RequiredFields []string         `json:"required_fields" validate:"min=1,dive,required"`
}

// RecordIssue is one problem found in one record.
type RecordIssue struct {
	Record int    `json:"record"`
	Field  string `json:"field"`
	Issue  string `json:"issue"`
}

type DataValidationReport struct {
	Dataset      string        `json:"dataset"`
	Total        int           `json:"total"`
	Valid        int           `json:"valid"`
	Invalid      int           `json:"invalid"`
	Issues       []RecordIssue `json:"issues"`
	IssueCount   int           `json:"issue_count"`
	Token        string        `json:"token"`
	Dependencies []string      `json:"dependencies"`
}

type DataValidationHandler struct {
	dispatcher Dispatcher
}

func (h *DataValidationHandler) Validate(ctx context.Context, in Input) (any, error) {
	var req DataValidationRequest
	if err := decodeLoose(in.Payload, &req); err != nil {
		return nil, err
	}
	trim(&req.Dataset)
	fields := req.RequiredFields[:0]
	seen := make(map[string]bool)
	for _, f := range req.RequiredFields {
		f = strings.TrimSpace(f)
		if f != "" && !seen[f] {
			seen[f] = true
			fields = append(fields, f)
		}
	}
	req.RequiredFields = fields

	if err := check(&req); err != nil {
		return nil, err
	}
	return req, nil
}

func (h *DataValidationHandler) Prepare(ctx context.Context, in Input) (any, error) {
	var req DataValidationRequest
	if err := decode(in.Payload, &req); err != nil {
		return nil, err
	}
	report := DataValidationReport{
		Dataset:      req.Dataset,
		Total:        len(req.Records),
		Token:        Token(in.IdempotencyKey, "reports"),
		Dependencies: []string{"reports"},
	}
	for i, record := range req.Records {
		ok := true
		for _, field := range req.RequiredFields {
			issue := fieldIssue(record, field)
			if issue == "" {
				continue
			}
			ok = false
			report.IssueCount++
			if len(report.Issues) < maxIssueSamples {
				report.Issues = append(report.Issues, RecordIssue{Record: i, Field: field, Issue: issue})
			}
		}
		if ok {
			report.Valid++
		} else {
			report.Invalid++
		}
	}
	return report, nil
}

func fieldIssue(record map[string]any, field string) string {
	v, ok := record[field]
	switch {
	case !ok:
		return "missing"
	case v == nil:
		return "null"
	}
	if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
		return "empty"
	}
	return ""
}

func (h *DataValidationHandler) Execute(ctx context.Context, in Input) (any, error) {
	var report DataValidationReport
	if err := decodeLoose(in.Payload, &report); err != nil {
		return nil, err
	}
	err := h.dispatcher.Dispatch(ctx, Command{
		Destination:    "reports",
		Action:         "publish_validation_report",
		JobID:          in.JobID,
		Reference:      fmt.Sprintf("report_%s", report.Token[:16]),
		IdempotencyKey: report.Token,
		Payload:        report,
	})
	if err != nil {
		return nil, external(err, "dispatch reports")
	}
	return report, nil
}

func (h *DataValidationHandler) Postprocess(ctx context.Context, in Input) (any, error) {
	var report DataValidationReport
	if err := decodeLoose(in.Payload, &report); err != nil {
		return nil, err
	}
	rate := 100.0
	if report.Total > 0 {
		rate = float64(report.Valid) * 100 / float64(report.Total)
	}
	return map[string]any{
		"dataset":     report.Dataset,
		"total":       report.Total,
		"valid":       report.Valid,
		"invalid":     report.Invalid,
		"issue_count": report.IssueCount,
		"valid_rate":  rate,
	}, nil
}
