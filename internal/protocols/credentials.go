package protocols

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Target is a monitored host and the credentials of every protocol that may
// be used against it.
type Target struct {
	Hostname string            `yaml:"hostname" json:"hostname" validate:"required"`
	SNMP     *SNMPCredentials  `yaml:"snmp,omitempty" json:"snmp,omitempty"`
	WinRM    *WinRMCredentials `yaml:"winrm,omitempty" json:"winrm,omitempty"`
	SSH      *SSHCredentials   `yaml:"ssh,omitempty" json:"ssh,omitempty"`
	HTTP     *HTTPCredentials  `yaml:"http,omitempty" json:"http,omitempty"`
}

// SNMPCredentials configures SNMP v2c or v3 access.
type SNMPCredentials struct {
	Version   string `yaml:"version" json:"version" validate:"omitempty,oneof=v2c v3"`
	Port      int    `yaml:"port" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Community string `yaml:"community" json:"community,omitempty"`

	SecurityName  string `yaml:"security_name" json:"security_name,omitempty"`
	SecurityLevel string `yaml:"security_level" json:"security_level,omitempty" validate:"omitempty,oneof=noAuthNoPriv authNoPriv authPriv"`
	AuthProtocol  string `yaml:"auth_protocol" json:"auth_protocol,omitempty" validate:"omitempty,oneof=MD5 SHA SHA224 SHA256 SHA384 SHA512"`
	AuthPassword  string `yaml:"auth_password" json:"auth_password,omitempty"`
	PrivProtocol  string `yaml:"priv_protocol" json:"priv_protocol,omitempty" validate:"omitempty,oneof=DES AES AES192 AES256"`
	PrivPassword  string `yaml:"priv_password" json:"priv_password,omitempty"`
}

// Validate requires a community for v2c and a security name for v3.
func (s *SNMPCredentials) Validate() error {
	if s.Version == "v3" {
		if s.SecurityName == "" {
			return errors.New("security_name is required for SNMP v3")
		}
		return nil
	}
	if s.Community == "" {
		return errors.New("community is required for SNMP v2c")
	}
	return nil
}

// WinRMCredentials represents credentials for Windows Remote Management
type WinRMCredentials struct {
	Username string `yaml:"username" json:"username" validate:"required,min=1"`
	Password string `yaml:"password" json:"password" validate:"required,min=1"`
	Domain   string `yaml:"domain" json:"domain,omitempty"`
	UseHTTPS bool   `yaml:"use_https" json:"use_https"`
	Port     int    `yaml:"port" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
}

// SSHCredentials represents credentials for SSH access
type SSHCredentials struct {
	Username   string `yaml:"username" json:"username" validate:"required,min=1"`
	Password   string `yaml:"password" json:"password,omitempty"`
	PrivateKey string `yaml:"private_key" json:"private_key,omitempty"`
	Passphrase string `yaml:"passphrase" json:"passphrase,omitempty"`
	Port       int    `yaml:"port" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
}

// Validate implements custom validation for SSH credentials
// Either password or private_key must be provided
func (s *SSHCredentials) Validate() error {
	if s.Password == "" && s.PrivateKey == "" {
		return fmt.Errorf("either password or private_key is required for SSH")
	}
	return nil
}

// HTTPCredentials configures access to a management HTTP API.
type HTTPCredentials struct {
	Port     int    `yaml:"port" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	HTTPS    bool   `yaml:"https" json:"https"`
	Username string `yaml:"username" json:"username,omitempty"`
	Password string `yaml:"password" json:"password,omitempty"`
	Insecure bool   `yaml:"insecure" json:"insecure"`
}

// WithSecrets returns a copy of t whose passwords, passphrases and
// communities went through reveal.
func (t Target) WithSecrets(reveal func(string) (string, error)) (Target, error) {
	out := t
	var err error
	field := func(v *string) {
		if err != nil || *v == "" {
			return
		}
		*v, err = reveal(*v)
	}

	if t.SNMP != nil {
		c := *t.SNMP
		field(&c.Community)
		field(&c.AuthPassword)
		field(&c.PrivPassword)
		out.SNMP = &c
	}
	if t.WinRM != nil {
		c := *t.WinRM
		field(&c.Password)
		out.WinRM = &c
	}
	if t.SSH != nil {
		c := *t.SSH
		field(&c.Password)
		field(&c.PrivateKey)
		field(&c.Passphrase)
		out.SSH = &c
	}
	if t.HTTP != nil {
		c := *t.HTTP
		field(&c.Password)
		out.HTTP = &c
	}

	if err != nil {
		return Target{}, fmt.Errorf("failed to reveal credentials of %s: %w", t.Hostname, err)
	}
	return out, nil
}

// Validate checks the target and every configured credential set.
func (t *Target) Validate() error {
	errs := &ValidationErrors{}
	collect := func(prefix string, creds interface{}) {
		if err := ValidateCredentialStruct(creds); err != nil {
			var vErrs *ValidationErrors
			if errors.As(err, &vErrs) {
				for _, e := range vErrs.Errors {
					errs.Errors = append(errs.Errors, ValidationError{Field: prefix + e.Field, Message: e.Message})
				}
			}
		}
	}

	if err := validate.Var(t.Hostname, "required"); err != nil {
		errs.Errors = append(errs.Errors, ValidationError{Field: "hostname", Message: "hostname is required"})
	}
	if t.SNMP != nil {
		collect("snmp.", t.SNMP)
	}
	if t.WinRM != nil {
		collect("winrm.", t.WinRM)
	}
	if t.SSH != nil {
		collect("ssh.", t.SSH)
	}
	if t.HTTP != nil {
		collect("http.", t.HTTP)
	}

	if len(errs.Errors) > 0 {
		return errs
	}
	return nil
}

// Global validator instance
var validate = validator.New()

// ValidationError represents a field-level validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors holds multiple validation errors
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// Error implements the error interface for ValidationErrors
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		messages[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// ValidateCredentialStruct validates any credential struct and returns detailed errors
func ValidateCredentialStruct(creds interface{}) error {
	err := validate.Struct(creds)
	if err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		validationErrs := &ValidationErrors{}
		for _, e := range fieldErrs {
			validationErrs.Errors = append(validationErrs.Errors, ValidationError{
				Field:   toSnakeCase(e.Field()),
				Message: formatValidationMessage(e),
			})
		}
		return validationErrs
	}

	// Check for custom Validate method
	if v, ok := creds.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return &ValidationErrors{
				Errors: []ValidationError{{Field: "_custom", Message: err.Error()}},
			}
		}
	}
	return nil
}

// formatValidationMessage creates human-readable error messages
func formatValidationMessage(e validator.FieldError) string {
	field := toSnakeCase(e.Field())
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		if e.Kind().String() == "string" {
			return fmt.Sprintf("%s must be at least %s characters", field, e.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		if e.Kind().String() == "string" {
			return fmt.Sprintf("%s must be at most %s characters", field, e.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}

// toSnakeCase converts PascalCase/camelCase to snake_case
func toSnakeCase(s string) string {
	var result strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				result.WriteByte('_')
			}
			result.WriteByte(byte(r + 'a' - 'A'))
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}
