package model

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
)

// isoDatePattern matches the ISO date prefix required on event dates.
var isoDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func schemaValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("isodate", func(fl validator.FieldLevel) bool {
			return isoDatePattern.MatchString(fl.Field().String())
		})
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		validate = v
	})
	return validate
}

// IsISODate reports whether s starts with a YYYY-MM-DD date.
func IsISODate(s string) bool {
	return isoDatePattern.MatchString(s)
}

// Validate checks the event against the extraction schema. Speakers are
// validated separately by the person filter.
func (e EventDTO) Validate() error {
	if err := schemaValidator().Struct(e); err != nil {
		return schemaError(err)
	}
	return nil
}

// Validate checks the speaker against the extraction schema.
func (s SpeakerDTO) Validate() error {
	if err := schemaValidator().Struct(s); err != nil {
		return schemaError(err)
	}
	return nil
}

func schemaError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return eris.Wrap(err, "schema validation")
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+":"+fe.Tag())
	}
	return eris.Errorf("schema validation failed: %s", strings.Join(fields, ", "))
}
