package bridge

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// validate is shared by every message and payload type in the package.
var validate *validator.Validate

var kindPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]*$`)

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("kind", validateKind)
	_ = validate.RegisterValidation("reqid", validateRequestID)
}

// validateKind accepts identifier-like request kinds.
func validateKind(fl validator.FieldLevel) bool {
	return kindPattern.MatchString(fl.Field().String())
}

// validateRequestID accepts printable ASCII without spaces.
func validateRequestID(fl validator.FieldLevel) bool {
	for _, r := range fl.Field().String() {
		if r <= ' ' || r > '~' {
			return false
		}
	}
	return true
}

// decodeInbound parses and shape-checks a raw inbound message.
func decodeInbound(raw []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(&in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return in, nil
}

// decodePayload unmarshals a request's data into v and validates it. Missing
// data decodes as an empty object.
func decodePayload(data []byte, v any) error {
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("invalid data: %v", err)
		}
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid data: %v", err)
	}
	return nil
}
