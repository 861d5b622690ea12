package domain

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// TargetTag is the validator tag for hostnames and addresses that may reach a
// shell, a query string or a probe.
const TargetTag = "servertarget"

var targetPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// IsSafeTarget reports whether s contains only letters, digits, dots,
// underscores and hyphens.
func IsSafeTarget(s string) bool {
	return targetPattern.MatchString(s)
}

// NewValidator returns a validator with the domain tags registered.
func NewValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation(TargetTag, func(fl validator.FieldLevel) bool {
		return IsSafeTarget(fl.Field().String())
	}); err != nil {
		panic(fmt.Sprintf("register %s validation: %v", TargetTag, err))
	}
	return v
}
