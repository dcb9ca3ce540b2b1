package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-playground/validator/v10"

	"github.com/isometry/authrelay/internal/radius"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// validatorInstance returns the shared validator with the custom tags:
//
//	dn          value parses as a distinguished name
//	oneof_ci    value is one of the space-separated params, ignoring case
//	ldapfilter  value compiles as an LDAP filter, with or without parentheses
//	codec       value names a supported password encoding
func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
			if name == "-" {
				return f.Name
			}
			return name
		})

		must := func(err error) {
			if err != nil {
				panic(err)
			}
		}
		must(validate.RegisterValidation("dn", isDN))
		must(validate.RegisterValidation("oneof_ci", isOneOfCaseInsensitive))
		must(validate.RegisterValidation("ldapfilter", isLDAPFilter))
		must(validate.RegisterValidation("codec", isCodec))
	})
	return validate
}

func isDN(fl validator.FieldLevel) bool {
	value := strings.TrimSpace(fl.Field().String())
	if value == "" {
		return false
	}
	_, err := ldap.ParseDN(value)
	return err == nil
}

func isOneOfCaseInsensitive(fl validator.FieldLevel) bool {
	value := strings.ToLower(strings.TrimSpace(fl.Field().String()))
	for _, valid := range strings.Fields(fl.Param()) {
		if value == strings.ToLower(valid) {
			return true
		}
	}
	return false
}

func isLDAPFilter(fl validator.FieldLevel) bool {
	value := strings.TrimSpace(fl.Field().String())
	if !strings.HasPrefix(value, "(") {
		value = "(" + value + ")"
	}
	_, err := ldap.CompileFilter(value)
	return err == nil
}

func isCodec(fl validator.FieldLevel) bool {
	return radius.CheckCodec(fl.Field().String()) == nil
}

// validateStruct runs the struct tags of v and records each failure as an
// InvalidValue problem keyed by the configuration key.
func validateStruct(v any, problems *problemList) {
	err := validatorInstance().Struct(v)
	if err == nil {
		return
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		problems.add(InvalidValue, "", "%v", err)
		return
	}

	for _, fe := range verrs {
		if fe.Tag() == "required" {
			problems.add(MissingKey, fe.Field(), "a value is required")
			continue
		}
		problems.add(InvalidValue, fe.Field(), "%s", describeFieldError(fe))
	}
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "dn":
		return fmt.Sprintf("the value %q is not a valid Distinguished Name", fe.Value())
	case "oneof_ci":
		return fmt.Sprintf("the value %q is not valid, must be one of: %s (case-insensitive)",
			fe.Value(), strings.Join(strings.Fields(fe.Param()), ", "))
	case "ldapfilter":
		return fmt.Sprintf("the value %q is not a valid LDAP filter", fe.Value())
	case "codec":
		return fmt.Sprintf("the value %q is not a supported character encoding", fe.Value())
	case "file":
		return fmt.Sprintf("the file %q does not exist or is not readable", fe.Value())
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "hexadecimal":
		return fmt.Sprintf("the value %q is not hexadecimal", fe.Value())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "ip":
		return fmt.Sprintf("the value %q is not an IP address", fe.Value())
	}
	return fmt.Sprintf("failed the %q check", fe.Tag())
}
