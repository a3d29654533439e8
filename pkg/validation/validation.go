package validation

import (
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	MaxIDLength    = 128
	MaxLabelLength = 64
)

var (
	// IDRegex validates peer, transport, producer and consumer ids
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	once     sync.Once
	validate *validator.Validate
)

// Validator returns the shared validator with the signaling tags registered:
//
//	objectid  engine or peer identifier
//	label     producer label (printable, bounded)
func Validator() *validator.Validate {
	once.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(jsonFieldName)
		_ = validate.RegisterValidation("objectid", func(fl validator.FieldLevel) bool {
			return ValidateID(fl.Field().String(), "id") == nil
		})
		_ = validate.RegisterValidation("label", func(fl validator.FieldLevel) bool {
			return ValidateLabel(fl.Field().String()) == nil
		})
	})
	return validate
}

// Struct validates v against its `validate` tags and flattens the result
// into one readable error.
func Struct(v interface{}) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("validation failed: %s", strings.Join(msgs, "; "))
}

func jsonFieldName(field reflect.StructField) string {
	name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
	if name == "-" || name == "" {
		return field.Name
	}
	return name
}

// ValidateID validates an opaque identifier
func ValidateID(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, MaxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

// ValidateLabel validates a producer label. Empty is allowed.
func ValidateLabel(label string) error {
	if label == "" {
		return nil
	}
	if !utf8.ValidString(label) {
		return fmt.Errorf("label contains invalid characters")
	}
	if utf8.RuneCountInString(label) > MaxLabelLength {
		return fmt.Errorf("label is too long (max %d characters)", MaxLabelLength)
	}
	for _, r := range label {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("label contains non-printable characters")
		}
	}
	return nil
}

// ValidateOrigin validates a CORS origin entry ("*" or scheme://host[:port])
func ValidateOrigin(origin string) error {
	if origin == "*" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid origin scheme (must be http or https)")
	}
	if u.Host == "" {
		return fmt.Errorf("origin must have a host")
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("origin must not contain a path")
	}
	return nil
}
