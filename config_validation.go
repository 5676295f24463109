package serialchannel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("portname", func(fl validator.FieldLevel) bool {
		return isValidPortName(fl.Field().String())
	})
	_ = v.RegisterValidation("parity", func(fl validator.FieldLevel) bool {
		return Parity(fl.Field().Int()).Valid()
	})
	_ = v.RegisterValidation("stopbits", func(fl validator.FieldLevel) bool {
		return StopBits(fl.Field().Int()).Valid()
	})
	return v
}

// isValidPortName rejects names that cannot be a device path. The name is
// otherwise opaque: whether it exists is only known at open time.
func isValidPortName(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	// Prevent path traversal
	if strings.Contains(name, "..") {
		return false
	}
	return !strings.ContainsRune(name, 0)
}

// ValidateConfig validates serial port configuration parameters. Every
// failing field is reported; the result matches ErrInvalidConfig.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describeFieldError(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s cannot be empty", field)
	case "portname":
		return fmt.Sprintf("%s %q is not a usable device path", field, fe.Value())
	case "parity", "stopbits":
		return fmt.Sprintf("%s has invalid value %v", field, fe.Value())
	case "min", "max", "gt", "gte", "lte":
		return fmt.Sprintf("%s must be %s %s, got %v", field, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s failed %s", field, fe.Tag())
}
