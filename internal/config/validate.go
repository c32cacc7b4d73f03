package config

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

type validatorErrors = validator.ValidationErrors

var (
	validateOnce sync.Once
	validateInst *validator.Validate
)

// validate returns the shared validator. Field names in errors are the ini keys.
func validate() *validator.Validate {
	validateOnce.Do(func() {
		validateInst = validator.New(validator.WithRequiredStructEnabled())
		validateInst.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("ini"), ",", 2)[0]
			if name == "" || name == "-" {
				return fld.Name
			}
			return name
		})
	})
	return validateInst
}

// describe turns validator errors into "key is required; port must be <= 65535".
func describe(errs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(errs))
	for _, fe := range errs {
		msgs = append(msgs, describeField(fe))
	}
	return strings.Join(msgs, "; ")
}

func describeField(fe validator.FieldError) string {
	key := fe.Field()
	switch fe.Tag() {
	case "required":
		return key + " is required"
	case "required_without":
		return fmt.Sprintf("%s is required when %s is not set", key, fe.Param())
	case "excluded_with":
		return fmt.Sprintf("%s must not be set together with %s", key, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be > %s", key, fe.Param())
	case "gte", "min":
		return fmt.Sprintf("%s must be >= %s", key, fe.Param())
	case "lte", "max":
		return fmt.Sprintf("%s must be <= %s", key, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", key, fe.Param())
	case "url", "http_url":
		return key + " must be a valid URL"
	case "email":
		return key + " must be an email address"
	case "dive":
		return key + " has an invalid element"
	default:
		return fmt.Sprintf("%s failed %q validation", key, fe.Tag())
	}
}
