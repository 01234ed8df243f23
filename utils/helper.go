package utils

import (
	"github.com/go-playground/validator/v10"
)

// ProcessValidationErrors flattens binding validation failures into a
// field -> failed-rule map suitable for an error response body.
func ProcessValidationErrors(err error) map[string]string {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return nil
	}

	errorResponse := make(map[string]string)

	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}

	return errorResponse
}
