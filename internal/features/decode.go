package features

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrMalformedRequest matches every *MalformedError.
var ErrMalformedRequest = errors.New("malformed request")

// FieldError describes one rejected field.
type FieldError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// MalformedError is returned by Decode when the payload does not satisfy the
// record schema. It never reaches the dispatcher.
type MalformedError struct {
	Fields []FieldError
}

func (e *MalformedError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Message)
	}
	return fmt.Sprintf("malformed request: %s", strings.Join(msgs, "; "))
}

func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformedRequest
}

// payload mirrors Record with pointer fields so an absent field can be told
// apart from an explicit zero.
type payload struct {
	ATR      *float64 `json:"atr" validate:"required"`
	ADX      *float64 `json:"adx" validate:"required"`
	Spread   *float64 `json:"spread" validate:"required"`
	EMASlope *float64 `json:"ema_slope" validate:"required"`
	Volume   *int64   `json:"volume" validate:"required"`
	Hour     *int64   `json:"hour" validate:"required"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Decode parses a JSON object into a Record. Every field is mandatory and
// must be a JSON number; integer fields also accept integral values written
// with a fraction or exponent (150.0, 1.5e2). Values are not range checked.
func Decode(data []byte) (Record, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Record{}, &MalformedError{Fields: []FieldError{{
			Code:    "ERR_BODY",
			Message: "request body must be a JSON object",
		}}}
	}

	var p payload
	var fieldErrs []FieldError
	badType := make(map[string]bool)

	floats := []struct {
		name string
		dst  **float64
	}{
		{ColATR, &p.ATR},
		{ColADX, &p.ADX},
		{ColSpread, &p.Spread},
		{ColEMASlope, &p.EMASlope},
	}
	ints := []struct {
		name string
		dst  **int64
	}{
		{ColVolume, &p.Volume},
		{ColHour, &p.Hour},
	}

	typeError := func(field, want, got string) {
		badType[field] = true
		fieldErrs = append(fieldErrs, FieldError{
			Code:    "ERR_TYPE",
			Field:   field,
			Message: fmt.Sprintf("%s must be %s, got %s", field, want, got),
		})
	}

	for _, f := range floats {
		n, got, ok := number(raw[f.name])
		if got == "" {
			continue
		}
		if !ok {
			typeError(f.name, "a number", got)
			continue
		}
		v, err := n.Float64()
		if err != nil {
			typeError(f.name, "a number", got)
			continue
		}
		*f.dst = &v
	}

	for _, f := range ints {
		n, got, ok := number(raw[f.name])
		if got == "" {
			continue
		}
		if !ok {
			typeError(f.name, "an integer", got)
			continue
		}
		v, ok := integral(n)
		if !ok {
			typeError(f.name, "an integer", got)
			continue
		}
		*f.dst = &v
	}

	if err := validate.Struct(&p); err != nil {
		var validationErrors validator.ValidationErrors
		if !errors.As(err, &validationErrors) {
			return Record{}, fmt.Errorf("validate record: %w", err)
		}
		for _, e := range validationErrors {
			if badType[e.Field()] {
				continue
			}
			fieldErrs = append(fieldErrs, FieldError{
				Code:    "ERR_" + strings.ToUpper(e.Tag()),
				Field:   e.Field(),
				Message: fmt.Sprintf("%s is required", e.Field()),
			})
		}
	}

	if len(fieldErrs) > 0 {
		return Record{}, &MalformedError{Fields: fieldErrs}
	}

	return Record{
		ATR:      *p.ATR,
		ADX:      *p.ADX,
		Spread:   *p.Spread,
		EMASlope: *p.EMASlope,
		Volume:   *p.Volume,
		Hour:     *p.Hour,
	}, nil
}

// number decodes one raw field value. got describes what was sent and is
// empty when the field is absent or null; ok reports whether it is a number.
func number(msg json.RawMessage) (n json.Number, got string, ok bool) {
	if len(msg) == 0 {
		return "", "", false
	}

	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", "invalid JSON", false
	}

	switch t := v.(type) {
	case nil:
		return "", "", false
	case json.Number:
		return t, "number " + t.String(), true
	case string:
		return "", "string", false
	case bool:
		return "", "bool", false
	case []any:
		return "", "array", false
	default:
		return "", "object", false
	}
}

// integral converts n to int64 when it has no fractional part and fits.
func integral(n json.Number) (int64, bool) {
	if v, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		return v, true
	}
	f, err := n.Float64()
	if err != nil || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	// float64(math.MaxInt64) rounds up to 2^63, which is already out of range.
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}
