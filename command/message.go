package command

import (
	"reflect"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/goliatone/go-errors"
)

var payloadValidate = validator.New()

func IsNilMessage(msg any) bool {
	if msg == nil {
		return true
	}

	v := reflect.ValueOf(msg)
	if v.Kind() != reflect.Ptr {
		return false
	}

	return v.IsNil()
}

// ValidatePayload runs struct tag validation on a command payload.
func ValidatePayload(payload any) error {
	if IsNilMessage(payload) {
		return errors.New("nil payload", errors.CategoryValidation).
			WithTextCode(ErrCodeInvalidCommand)
	}
	if err := payloadValidate.Struct(payload); err != nil {
		fields := map[string]any{}
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields[fe.Namespace()] = fe.Tag()
			}
		}
		return errors.Wrap(err, errors.CategoryValidation, "payload validation failed").
			WithTextCode("VALIDATION_FAILED").
			WithMetadata(map[string]any{"fields": fields})
	}
	return nil
}

func sortTypes(types []Type) {
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
}
