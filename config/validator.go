package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// validate is the global validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Register custom validators
	validate.RegisterValidation("env", validateEnvironment)
}

// ConfigError represents a validation error for a specific field.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of config errors.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// ValidateWithDetails performs validation and returns detailed errors.
func ValidateWithDetails(cfg *Config) error {
	var details ValidationErrors

	if err := validate.Struct(cfg); err != nil {
		validationErrors, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		for _, fe := range validationErrors {
			details = append(details, ConfigError{
				Field:   fe.Namespace(),
				Message: formatValidationError(fe),
				Value:   fe.Value(),
			})
		}
	}

	details = append(details, crossFieldChecks(cfg)...)

	if len(details) > 0 {
		return details
	}
	return nil
}

// crossFieldChecks validates constraints that span multiple sections.
func crossFieldChecks(cfg *Config) ValidationErrors {
	var errs ValidationErrors

	// The completion sweeper must not fire while the outbox can still
	// legitimately deliver, otherwise every slow publish is counted as
	// an orphan. The horizon is poll interval times the attempt budget.
	if cfg.Outbox.Enabled {
		horizon := cfg.Outbox.PollInterval() * time.Duration(cfg.Outbox.MaxRetries+1)
		if cfg.Pipeline.CompletionTimeout <= horizon {
			errs = append(errs, ConfigError{
				Field:   "Config.Pipeline.CompletionTimeout",
				Message: fmt.Sprintf("must exceed the outbox delivery horizon of %s", horizon),
				Value:   cfg.Pipeline.CompletionTimeout,
			})
		}
	}

	if cfg.Bus.Signing.Enabled && cfg.Bus.Signing.Secret == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.Bus.Signing.Secret",
			Message: "required when signing is enabled",
			Value:   "",
		})
	}

	if cfg.Persistence.Enabled && cfg.Persistence.DSN == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.Persistence.DSN",
			Message: "required when persistence is enabled",
			Value:   "",
		})
	}

	if cfg.Grid.Backend == "redis" && cfg.Grid.Redis.Address == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.Grid.Redis.Address",
			Message: "required when the redis backend is selected",
			Value:   "",
		})
	}

	if cfg.DLQ.Enabled && cfg.DLQ.Store == "badger" && cfg.DLQ.Badger.Path == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.DLQ.Badger.Path",
			Message: "required when the badger store is selected",
			Value:   "",
		})
	}

	if cfg.Saga.Journal.Enabled && cfg.Saga.Journal.Path == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.Saga.Journal.Path",
			Message: "required when the saga journal is enabled",
			Value:   "",
		})
	}

	return errs
}

// formatValidationError converts validator.FieldError to a human-readable message.
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// validateEnvironment is a custom validator for environment values.
func validateEnvironment(fl validator.FieldLevel) bool {
	env := fl.Field().String()
	validEnvs := []string{"development", "staging", "production"}
	for _, valid := range validEnvs {
		if env == valid {
			return true
		}
	}
	return false
}
