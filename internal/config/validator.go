package config

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vyrodovalexey/keyarc-gateway/internal/auth/jwt"
	"github.com/vyrodovalexey/keyarc-gateway/internal/router"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// HasPath reports whether any error is reported for path.
func (e ValidationErrors) HasPath(path string) bool {
	for _, err := range e {
		if err.Path == path {
			return true
		}
	}
	return false
}

var routeMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodOptions: true,
	http.MethodPost: true, http.MethodPut: true, http.MethodPatch: true,
	http.MethodDelete: true,
}

// Validator validates gateway configuration.
type Validator struct {
	structs *validator.Validate
	errors  ValidationErrors
}

// NewValidator creates a new configuration validator. Field paths in
// errors use the YAML key names.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{structs: v}
}

// ValidateConfig validates a gateway configuration.
func ValidateConfig(config *Config) error {
	return NewValidator().Validate(config)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(config *Config) error {
	v.errors = make(ValidationErrors, 0)

	if config == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateTags(config)
	v.validateJWT(&config.JWT, &config.Vault)
	v.validateVault(&config.Vault)
	v.validateStores(config)
	v.validateServices(config)

	if config.Metrics.Enabled && config.Metrics.Port == config.Server.Port {
		v.addError("metrics.port", "port must differ from server.port")
	}

	if config.Tracing.Enabled && config.Tracing.OTLPEndpoint == "" {
		v.addError("tracing.otlpEndpoint", "otlpEndpoint is required when tracing is enabled")
	}

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateTags(config *Config) {
	err := v.structs.Struct(config)
	if err == nil {
		return
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		v.addError("", err.Error())
		return
	}
	for _, fe := range fieldErrs {
		_, path, _ := strings.Cut(fe.Namespace(), ".")
		v.addError(path, describe(fe))
	}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	case "url":
		return "must be a URL"
	case "cidr|ip":
		return "must be an IP address or CIDR"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

func (v *Validator) validateJWT(j *JWTConfig, vc *VaultConfig) {
	if !jwt.IsSupportedAlgorithm(j.Algorithm) {
		v.addError("jwt.algorithm", fmt.Sprintf("unsupported algorithm %q", j.Algorithm))
	}

	if j.Secret == "" && len(j.Keys) == 0 {
		v.addError("jwt.keys", "at least one key or jwt.secret is required")
	}

	ids := make(map[string]bool, len(j.Keys))
	for i, k := range j.Keys {
		path := fmt.Sprintf("jwt.keys[%d]", i)

		n := 0
		for _, set := range []bool{k.Secret != "", k.SecretFile != "", k.VaultRef != "", k.PublicKeyFile != "", k.JWKSFile != ""} {
			if set {
				n++
			}
		}
		if n != 1 {
			v.addError(path, "exactly one of secret, secretFile, vaultRef, publicKeyFile, jwksFile is required")
		}

		if k.ID != "" {
			if ids[k.ID] {
				v.addError(path+".id", fmt.Sprintf("duplicate key id %q", k.ID))
			}
			ids[k.ID] = true
		}
		if k.Algorithm != "" && k.Algorithm != j.Algorithm {
			v.addError(path+".algorithm", fmt.Sprintf("key algorithm %q differs from jwt.algorithm %q", k.Algorithm, j.Algorithm))
		}
		if k.VaultRef != "" && !vc.Enabled {
			v.addError(path+".vaultRef", "vault.enabled is required for vault references")
		}
	}

	if len(j.Keys) > 1 || (len(j.Keys) == 1 && j.Secret != "") {
		for i, k := range j.Keys {
			if k.ID == "" && k.JWKSFile == "" {
				v.addError(fmt.Sprintf("jwt.keys[%d].id", i), "id is required when more than one key is configured")
			}
		}
	}
}

func (v *Validator) validateVault(vc *VaultConfig) {
	if !vc.Enabled {
		return
	}
	if err := vc.ClientConfig().Validate(); err != nil {
		v.addError("vault", err.Error())
	}
}

func (v *Validator) validateStores(config *Config) {
	r := &config.RBAC
	if r.CacheTTL > 0 && r.NegativeTTL > 0 && r.NegativeTTL >= r.CacheTTL {
		v.addError("rbac.negativeTTL", "negativeTTL must be shorter than cacheTTL")
	}

	if config.NeedsRedis() && config.Redis.Addr == "" {
		v.addError("redis.addr", "addr is required for the redis store and invalidation")
	}

	if config.NeedsDatabase() && config.Database.URL == "" {
		v.addError("database.url", "url is required for postgres stores")
	}

	if r.Store != StoreMemory && len(r.Members) > 0 {
		v.addError("rbac.members", "members can only seed the memory store")
	}

	a := &config.Audit
	if a.RetryInitialBackoff > a.RetryMaxBackoff {
		v.addError("audit.retryInitialBackoff", "retryInitialBackoff must not exceed retryMaxBackoff")
	}
	if a.BatchSize > a.QueueCapacity {
		v.addError("audit.batchSize", "batchSize must not exceed queueCapacity")
	}
}

func (v *Validator) validateServices(config *Config) {
	if len(config.Services) == 0 {
		v.addError("services", "at least one service is required")
		return
	}

	for i, svc := range config.Services {
		for j, route := range svc.Routes {
			path := fmt.Sprintf("services[%d].routes[%d]", i, j)
			if _, err := router.ParseTemplate(route.Path); err != nil {
				v.addError(path+".path", err.Error())
			}
			for method := range route.Roles {
				if !routeMethods[normalizeMethod(method)] {
					v.addError(path+".roles", fmt.Sprintf("unsupported method %q", method))
				}
			}
		}
	}

	// Name and prefix uniqueness are the table's invariants; report
	// them only when every rule is otherwise valid.
	if v.errors.HasErrors() {
		return
	}
	services, err := config.RouterServices()
	if err != nil {
		v.addError("services", err.Error())
		return
	}
	if _, err := router.NewTable(services); err != nil {
		v.addError("services", err.Error())
	}
}

// addError adds a validation error.
func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
