package edits

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// editValidate holds the struct rules for items, payloads and fragments.
var editValidate *validator.Validate

func init() {
	editValidate = validator.New(validator.WithRequiredStructEnabled())
	editValidate.RegisterTagNameFunc(func(field reflect.StructField) string {
		if name := jsonFieldNames[field.Name]; name != "" {
			return name
		}
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	editValidate.RegisterStructValidation(validateMoveCoordinates, Payload{})
	editValidate.RegisterStructValidation(validateSpan, Item{})
}

// Payload carries no json tags, so its validation errors are named here.
var jsonFieldNames = map[string]string{
	"Operation":   "operation",
	"AfterTokens": "after_tokens",
}

func validateMoveCoordinates(level validator.StructLevel) {
	payload := level.Current().Interface().(Payload)
	if payload.Move == nil || payload.Move.Len == nil {
		return
	}
	if *payload.Move.Len < 1 {
		level.ReportError(*payload.Move.Len, "move_len", "Move", "min", "1")
	}
}

// validateSpan admits -1 only as the paired span of a noop.
func validateSpan(level validator.StructLevel) {
	item := level.Current().Interface().(Item)
	if item.StartToken != NoopSentinel {
		return
	}
	if item.EndToken != NoopSentinel {
		level.ReportError(item.EndToken, "end_token", "EndToken", "eq", "-1")
	}
	if item.Operation() != OperationNoop {
		level.ReportError(item.Payload.Operation, "operation", "Operation", "eq", string(OperationNoop))
	}
}

// Validate checks the payload shape: operation kind, fragment ids and origins.
func (p Payload) Validate() error {
	return describeValidation(editValidate.Struct(p))
}

// Validate checks the item span and its payload.
func (i Item) Validate() error {
	return describeValidation(editValidate.Struct(i))
}

func describeValidation(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	parts := make([]string, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		namespace := fieldError.Namespace()
		if index := strings.Index(namespace, "."); index >= 0 {
			namespace = namespace[index+1:]
		}
		if fieldError.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", namespace, fieldError.Tag(), fieldError.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", namespace, fieldError.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(parts, "; "))
}
