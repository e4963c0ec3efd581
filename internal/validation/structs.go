package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/rendis/webforge/pkg/schema"
)

// structs caches struct metadata across calls and is safe for concurrent use.
var structs = validator.New(validator.WithRequiredStructEnabled())

// Struct validates the `validate` tags of a request struct and reports every
// failing field as a single VALIDATION_ERROR. Field values are never echoed.
func Struct(v any) error {
	err := structs.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}

	violations := lo.Map(fieldErrs, func(fe validator.FieldError, _ int) string {
		if fe.Param() != "" {
			return fmt.Sprintf("%s: must satisfy %s=%s", fieldPath(fe), fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s: must satisfy %s", fieldPath(fe), fe.Tag())
	})
	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// fieldPath drops the top-level struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
