package utils

import (
	"errors"
	"strings"

	"drip/models"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct runs the struct tag rules and reports every violation as a
// single *models.ValidationError.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	// Format validation errors
	var problems []string
	for _, err := range verrs {
		field := fieldPath(err.Namespace())
		tag := err.Tag()
		param := err.Param()

		switch tag {
		case "required":
			problems = append(problems, field+" is required")
		case "min":
			problems = append(problems, field+" must be at least "+param)
		case "max":
			problems = append(problems, field+" must be at most "+param)
		case "oneof":
			problems = append(problems, field+" must be one of ["+param+"]")
		case "email":
			problems = append(problems, field+" must be a valid email")
		default:
			problems = append(problems, field+" is invalid")
		}
	}

	return &models.ValidationError{Problems: problems}
}

// fieldPath turns "Automation.Steps[1].DelayMinutes" into "steps[1].delayMinutes".
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToLower(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, ".")
}
