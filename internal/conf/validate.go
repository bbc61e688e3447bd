// conf/validate.go

package conf

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

var (
	// stationNamePattern keeps station names usable in MQTT topics and lock file names
	stationNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
	sqlIdentPattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("stationname", func(fl validator.FieldLevel) bool {
			return stationNamePattern.MatchString(fl.Field().String())
		})
		_ = validate.RegisterValidation("sqlident", func(fl validator.FieldLevel) bool {
			return sqlIdentPattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if err := structValidator().Struct(settings); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				ve.Errors = append(ve.Errors, describeFieldError(fe))
			}
		} else {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	if err := validateStations(settings.Stations); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateCentralSettings(&settings.Central); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateRetrySettings(&settings.Sync.Retry); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if len(ve.Errors) > 0 {
		return ve
	}

	return nil
}

// describeFieldError renders a validator error with the config key path
// instead of the Go struct path.
func describeFieldError(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	key := strings.ToLower(ns)

	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", key)
	case "stationname":
		return fmt.Sprintf("%s %q may only contain letters, digits, '.', '_' and '-'", key, fe.Value())
	case "sqlident":
		return fmt.Sprintf("%s %q is not a valid table name", key, fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", key, fe.Param(), fe.Value())
	case "min", "max":
		return fmt.Sprintf("%s must be %s %s, got %v", key, map[string]string{"min": "at least", "max": "at most"}[fe.Tag()], fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation", key, fe.Tag())
	}
}

func validateStations(stations []StationSettings) error {
	seen := make(map[string]bool, len(stations))
	for _, st := range stations {
		if seen[st.Name] {
			return fmt.Errorf("station %q is configured more than once", st.Name)
		}
		seen[st.Name] = true
	}
	return nil
}

func validateCentralSettings(c *CentralSettings) error {
	switch c.Type {
	case "sqlite":
		if c.SQLite.Path == "" {
			return errors.New("central.sqlite.path is required when central.type is sqlite")
		}
	case "mysql":
		var missing []string
		if c.MySQL.Host == "" {
			missing = append(missing, "host")
		}
		if c.MySQL.Username == "" {
			missing = append(missing, "username")
		}
		if c.MySQL.Database == "" {
			missing = append(missing, "database")
		}
		if len(missing) > 0 {
			return fmt.Errorf("central.mysql is missing %s", strings.Join(missing, ", "))
		}
	}
	return nil
}

func validateRetrySettings(r *RetrySettings) error {
	if r.MaxDelay > 0 && r.BaseDelay > r.MaxDelay {
		return fmt.Errorf("sync.retry.basedelay (%s) exceeds sync.retry.maxdelay (%s)", r.BaseDelay, r.MaxDelay)
	}
	return nil
}
