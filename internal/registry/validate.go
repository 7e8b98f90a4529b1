package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var queueNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)

// NewValidate returns a validator that reports json field names and knows
// the custom tags used by the built-in input shapes.
func NewValidate() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("https_url", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		return err == nil && u.IsAbs() && strings.EqualFold(u.Scheme, "https") && u.Host != ""
	})
	_ = v.RegisterValidation("queue_name", func(fl validator.FieldLevel) bool {
		return queueNamePattern.MatchString(fl.Field().String())
	})
	return v
}

// DecodeInput copies a loosely typed input payload into dst.
func DecodeInput(input map[string]any, dst any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return err
	}
	return nil
}

// structValidator validates an input by decoding it into a tagged struct.
type structValidator struct {
	jobType   string
	validate  *validator.Validate
	newTarget func() any
	normalize func(map[string]any) map[string]any
}

func (s structValidator) Validate(input map[string]any) []ValidationError {
	if s.normalize != nil {
		input = s.normalize(input)
	}
	target := s.newTarget()
	if err := DecodeInput(input, target); err != nil {
		return []ValidationError{s.decodeError(err)}
	}
	return FieldErrors(s.jobType, "input.", s.validate.Struct(target))
}

func (s structValidator) decodeError(err error) ValidationError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		field := "input." + typeErr.Field
		return ValidationError{
			Field:   field,
			Message: fmt.Sprintf("%s %s must be %s", s.jobType, field, kindName(typeErr.Type)),
		}
	}
	return ValidationError{Field: "input", Message: fmt.Sprintf("%s input is malformed: %v", s.jobType, err)}
}

// FieldErrors turns the result of validator.Struct into messages of the form
// "<subject> <prefix><field> <constraint>". A nil err yields nil.
func FieldErrors(subject, prefix string, err error) []ValidationError {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []ValidationError{{Field: strings.TrimSuffix(prefix, "."), Message: fmt.Sprintf("%s is invalid: %v", subject, err)}}
	}
	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, fieldError(subject, prefix, fe))
	}
	return out
}

func fieldError(subject, prefix string, fe validator.FieldError) ValidationError {
	field := prefix + fieldPath(fe.Namespace())
	var msg string
	switch fe.Tag() {
	case "required", "required_without":
		return ValidationError{Field: field, Message: fmt.Sprintf("%s requires %s", subject, field)}
	case "https_url":
		msg = "must be an absolute https:// URL"
	case "url":
		msg = "must be an absolute URL"
	case "oneof":
		msg = "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "max":
		msg = boundMessage(fe, "at most", "<=")
	case "min":
		msg = boundMessage(fe, "at least", ">=")
	case "queue_name":
		msg = "must be 1-64 characters of letters, digits, '.', '_', ':' or '-'"
	default:
		msg = fmt.Sprintf("is invalid (%s)", fe.Tag())
	}
	return ValidationError{Field: field, Message: fmt.Sprintf("%s %s %s", subject, field, msg)}
}

func boundMessage(fe validator.FieldError, words, op string) string {
	switch fe.Kind() {
	case reflect.String:
		return fmt.Sprintf("must be %s %s characters", words, fe.Param())
	case reflect.Slice, reflect.Array, reflect.Map:
		return fmt.Sprintf("must have %s %s items", words, fe.Param())
	default:
		return fmt.Sprintf("must be %s %s", op, fe.Param())
	}
}

// fieldPath drops the struct name validator puts in front of a namespace.
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func kindName(t reflect.Type) string {
	if t == nil {
		return "valid"
	}
	switch t.Kind() {
	case reflect.String:
		return "a string"
	case reflect.Bool:
		return "a boolean"
	case reflect.Slice, reflect.Array:
		return "an array"
	case reflect.Map, reflect.Struct:
		return "an object"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "an integer"
	case reflect.Float32, reflect.Float64:
		return "a number"
	case reflect.Ptr:
		return kindName(t.Elem())
	}
	return "valid"
}
