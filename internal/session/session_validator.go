package session

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("category", func(fl validator.FieldLevel) bool {
		category := fl.Field().String()
		return category == "" || slices.Contains(Categories, category)
	})
	return v
}

// ValidationError is raised before any network call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func (s Snapshot) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Reason: err.Error()}
	}

	fe := fieldErrs[0]
	if fe.StructNamespace() == "Snapshot.File.Size" {
		return &ValidationError{Field: "file", Reason: "selected file is empty"}
	}
	field := strings.ToLower(fe.StructField())
	return &ValidationError{Field: field, Reason: reasonFor(field, fe)}
}

func reasonFor(field string, fe validator.FieldError) string {
	switch {
	case field == "file" && fe.Tag() == "required":
		return "please select a video file"
	case field == "title" && fe.Tag() == "required":
		return "please enter a title"
	case fe.Tag() == "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case fe.Tag() == "category":
		return fmt.Sprintf("unknown category %q", fe.Value())
	case fe.Tag() == "max":
		return fmt.Sprintf("%s is too long (max %s)", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
