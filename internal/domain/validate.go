package domain

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/KayMas2808/RuralLend/internal/apperr"
)

var (
	mobilePattern = regexp.MustCompile(`^[0-9]{10}$`)
	upiPattern    = regexp.MustCompile(`^[A-Za-z0-9._-]{2,256}@[A-Za-z][A-Za-z0-9]{1,63}$`)
)

type validatorSvc struct {
	v     *validator.Validate
	trans ut.Translator
}

var (
	vOnce sync.Once
	vSvc  validatorSvc
)

func getValidator() validatorSvc {
	vOnce.Do(func() {
		enLoc := en.New()
		uni := ut.New(enLoc, enLoc)
		trans, _ := uni.GetTranslator("en")

		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})
		_ = en_translations.RegisterDefaultTranslations(v, trans)

		_ = v.RegisterValidation("mobile", func(fl validator.FieldLevel) bool {
			return mobilePattern.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("upi", func(fl validator.FieldLevel) bool {
			return upiPattern.MatchString(strings.TrimSpace(fl.Field().String()))
		})
		_ = v.RegisterValidation("tenure", func(fl validator.FieldLevel) bool {
			return slices.Contains(SupportedTenures, int(fl.Field().Int()))
		})

		registerMessage(v, trans, "min", "{0} must be minimum {1}", true)
		registerMessage(v, trans, "max", "{0} must be maximum {1}", true)
		registerMessage(v, trans, "mobile", "{0} must be exactly 10 digits", false)
		registerMessage(v, trans, "upi", "{0} is not a valid UPI id", false)
		registerMessage(v, trans, "tenure", "{0} must be one of 3, 6, 12, 18, 24 months", false)

		vSvc = validatorSvc{v: v, trans: trans}
	})
	return vSvc
}

func registerMessage(v *validator.Validate, trans ut.Translator, tag, text string, withParam bool) {
	_ = v.RegisterTranslation(tag, trans,
		func(t ut.Translator) error {
			return t.Add(tag, text, true)
		},
		func(t ut.Translator, fe validator.FieldError) string {
			var msg string
			if withParam {
				msg, _ = t.T(tag, fe.Field(), fe.Param())
			} else {
				msg, _ = t.T(tag, fe.Field())
			}
			return msg
		},
	)
}

func codeForTag(tag string) apperr.ErrorCode {
	switch tag {
	case "required":
		return apperr.CodeMissingRequired
	case "min":
		return apperr.CodeBelowMinimum
	case "max":
		return apperr.CodeAboveMaximum
	case "mobile", "upi":
		return apperr.CodeInvalidFormat
	default:
		return apperr.CodeInvalidValue
	}
}

func validateStruct(s any) error {
	svc := getValidator()
	err := svc.v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate: %w", err)
	}
	out := make(apperr.ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, apperr.ValidationError{
			Field:   fe.Field(),
			Code:    codeForTag(fe.Tag()),
			Message: fe.Translate(svc.trans),
		})
	}
	return out
}

// ValidateLoanRequest checks the four intake fields.
func ValidateLoanRequest(req LoanRequest) error {
	return validateStruct(req)
}

// ValidateLanguage checks l against the supported set.
func ValidateLanguage(l Language) error {
	if slices.Contains(Languages, l) {
		return nil
	}
	return apperr.NewValidation("language", apperr.CodeInvalidValue, "language %q is not supported", string(l))
}

// ValidateDisbursal checks the payload required by the chosen method.
func ValidateDisbursal(d Disbursal) error {
	switch d.Method {
	case DisbursalUPI:
		if d.UPI == nil {
			return apperr.NewValidation("upi_id", apperr.CodeMissingRequired, "upi_id is a required field")
		}
		return validateStruct(*d.UPI)
	case DisbursalBank:
		if d.Bank == nil {
			return apperr.ValidationErrors{
				{Field: "account_number", Code: apperr.CodeMissingRequired, Message: "account_number is a required field"},
				{Field: "ifsc", Code: apperr.CodeMissingRequired, Message: "ifsc is a required field"},
				{Field: "holder_name", Code: apperr.CodeMissingRequired, Message: "holder_name is a required field"},
			}
		}
		return validateStruct(*d.Bank)
	case DisbursalCash:
		return nil
	case "":
		return apperr.NewValidation("method", apperr.CodeMissingRequired, "method is a required field")
	default:
		return apperr.NewValidation("method", apperr.CodeInvalidValue, "method %q is not one of upi, bank, cash", string(d.Method))
	}
}
