package core

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"cartograph/internal/types"
)

// domainNamePattern accepts bare registrable domain names ("example.co.uk").
// Scheme prefixes, paths, and ports are rejected; the import endpoint wants
// hostnames, not URLs.
var domainNamePattern = regexp.MustCompile(
	`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`,
)

// Validator wraps go-playground/validator with the platform's custom tags
// and translates field errors into the AppError taxonomy.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator and registers custom validation tags.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// domainname: a bare lowercase hostname, as accepted by domain import.
	_ = v.RegisterValidation("domainname", func(fl validator.FieldLevel) bool {
		return domainNamePattern.MatchString(fl.Field().String())
	})

	return &Validator{validate: v}
}

// ValidateStruct checks the struct's validate tags and returns a
// *types.AppError describing the first failing field, or nil when valid.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	errs, ok := err.(validator.ValidationErrors)
	if !ok || len(errs) == 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid request body", err)
	}

	fe := errs[0]
	field := strings.ToLower(fe.Field())

	code := types.ErrCodeValidationInvalidJSON
	message := "invalid value for field " + field
	switch fe.Tag() {
	case "required":
		code = types.ErrCodeValidationMissingField
		message = "missing required field " + field
	case "domainname", "fqdn", "hostname":
		code = types.ErrCodeValidationInvalidDomain
		message = "invalid domain name"
	case "url", "https_url":
		code = types.ErrCodeValidationInvalidURL
		message = "invalid URL for field " + field
	}

	return types.NewAppErrorWithDetails(code, message, nil, map[string]any{
		"field": field,
		"rule":  fe.Tag(),
	})
}
