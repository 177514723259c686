package stage

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their wire names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode unmarshals a stage payload and checks its struct contract.
func decode(payload json.RawMessage, dst any) error {
	if err := decodeLoose(payload, dst); err != nil {
		return err
	}
	return check(dst)
}

// decodeLoose only unmarshals; validate stages sanitize before checking.
func decodeLoose(payload json.RawMessage, dst any) error {
	if len(payload) == 0 {
		return invalid("payload", "required", "payload is required")
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return invalid(typeErr.Field, "type", "expected %s, got %s", typeErr.Type, typeErr.Value)
		}
		return invalid("payload", "json", "malformed payload: %v", err)
	}
	return nil
}

func check(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return invalid("payload", "schema", "%v", err)
	}
	fe := fieldErrs[0]
	field := strings.TrimPrefix(fe.Namespace(), typeName(v)+".")
	return invalid(field, fe.Tag(), "%s", describe(fe))
}

func typeName(v any) string {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return fmt.Sprintf("%q is not a valid email address", fe.Value())
	case "e164":
		return fmt.Sprintf("%q is not an E.164 phone number", fe.Value())
	case "url", "http_url":
		return fmt.Sprintf("%q is not a valid URL", fe.Value())
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "datetime":
		return fmt.Sprintf("%v does not match layout %s", fe.Value(), fe.Param())
	case "iso4217":
		return fmt.Sprintf("%v is not an ISO 4217 currency code", fe.Value())
	default:
		return fmt.Sprintf("failed rule %s", fe.Tag())
	}
}

func trim(s *string) {
	*s = strings.TrimSpace(*s)
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// normalizePhone strips formatting and turns a 00 prefix into +.
func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if strings.HasPrefix(out, "00") {
		out = "+" + out[2:]
	}
	return out
}
