package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks struct tags and the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	switch cfg.Store.Type {
	case "http":
		if cfg.Store.HTTP.Proxy == "" {
			return fmt.Errorf("store.http.proxy: required when store.type is http")
		}
	case "s3":
		if cfg.Store.S3.Bucket == "" {
			return fmt.Errorf("store.s3.bucket: required when store.type is s3")
		}
		if (cfg.Store.S3.AccessKey == "") != (cfg.Store.S3.SecretKey == "") {
			return fmt.Errorf("store.s3: access_key and secret_key must be set together")
		}
	}

	if cfg.Retry.MaxWait < cfg.Retry.InitialWait {
		return fmt.Errorf("retry.max_wait (%v) is less than retry.initial_wait (%v)",
			cfg.Retry.MaxWait, cfg.Retry.InitialWait)
	}
	return nil
}

func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
