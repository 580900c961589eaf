package httpapi

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"concierge/pkg/apperr"
	"concierge/pkg/phone"
)

// FieldError is one entry of a 400 response's details array.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Validator wraps go-playground/validator with the project's custom tags.
type Validator struct {
	v *validator.Validate
}

var defaultValidator = NewValidator()

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	// phone accepts anything pkg/phone can normalize to E.164.
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return phone.Valid(fl.Field().String())
	})
	return &Validator{v: v}
}

// Struct validates s and returns an *apperr.Error of KindValidation listing every failing field.
func (val *Validator) Struct(s any) error {
	err := val.v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Wrap(apperr.KindBadRequest, "invalid request body", err)
	}
	details := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, FieldError{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: message(fe),
		})
	}
	return apperr.Validation("validation failed").WithDetails(details)
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if", "required_unless":
		return fe.Field() + " is required"
	case "phone":
		return fe.Field() + " must be a dialable phone number"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "uuid4", "uuid":
		return fe.Field() + " must be a UUID"
	default:
		return fe.Field() + " is invalid"
	}
}
