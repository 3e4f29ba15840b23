package dispatcher

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	validate   *validator.Validate
	translator ut.Translator
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Fields loaded from the environment report their variable name.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name, _, _ := strings.Cut(f.Tag.Get("env"), ","); name != "" && name != "-" {
			return name
		}
		return f.Name
	})

	var ok bool
	translator, ok = ut.New(en.New(), en.New()).GetTranslator("en")
	if !ok {
		panic("dispatcher: no english translator")
	}

	if err := en_translations.RegisterDefaultTranslations(validate, translator); err != nil {
		panic(err)
	}
}

// Validate checks val against its `validate` tags. Failures come back as
// FieldErrors with English messages.
func Validate(val any) error {
	err := validate.Struct(val)
	if err == nil {
		return nil
	}

	var verrors validator.ValidationErrors
	if !errors.As(err, &verrors) {
		return err
	}

	fields := make(FieldErrors, 0, len(verrors))
	for _, verror := range verrors {
		fields = append(fields, FieldError{
			Field: verror.Field(),
			Err:   message(verror),
		})
	}

	return fields
}

// FieldError is one failed constraint.
type FieldError struct {
	Field string
	Err   string
}

// FieldErrors collects every failed constraint of a value.
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	parts := make([]string, len(fe))
	for i, f := range fe {
		parts[i] = f.Field + ": " + f.Err
	}
	return strings.Join(parts, "; ")
}

// Fields maps each failing field to its message.
func (fe FieldErrors) Fields() map[string]string {
	m := make(map[string]string, len(fe))
	for _, fld := range fe {
		m[fld.Field] = fld.Err
	}
	return m
}

func message(verror validator.FieldError) string {
	switch verror.Tag() {
	case "required":
		return "must be set"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(verror.Param(), " ", ", ")
	case "gte":
		if verror.Param() == "0" {
			return "must not be negative"
		}
	}

	return verror.Translate(translator)
}
