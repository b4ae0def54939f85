package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"unicode"
)

const minProductionPasswordLen = 12

func validatePort(port, context string) error {
	if port == "" {
		return fmt.Errorf("%s port cannot be empty", context)
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil || n == 0 {
		return fmt.Errorf("%s port must be between 1 and 65535, got %q", context, port)
	}
	return nil
}

func validateHost(host, context string) error {
	return validateNoWhitespace(host, context+" host")
}

// validateNoWhitespace rejects empty values and values with any whitespace.
func validateNoWhitespace(value, fieldName string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if strings.ContainsFunc(value, unicode.IsSpace) {
		return fmt.Errorf("%s cannot contain whitespace", fieldName)
	}
	return nil
}

func validatePasswordStrength(password, context, environment string) error {
	if environment == EnvironmentProduction && len(password) < minProductionPasswordLen {
		return fmt.Errorf("%s password must be at least %d characters in production", context, minProductionPasswordLen)
	}
	return nil
}

// parseAndValidateURL parses rawURL and requires one of schemes and a host.
func parseAndValidateURL(rawURL string, schemes []string) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if !slices.Contains(schemes, parsed.Scheme) {
		return nil, fmt.Errorf("invalid scheme %q, must be one of: %s", parsed.Scheme, strings.Join(schemes, ", "))
	}
	if parsed.Host == "" {
		return nil, errors.New("host is required in URL")
	}
	return parsed, nil
}
