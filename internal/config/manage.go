package config

import (
	"fmt"
	"strconv"
	"time"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey writes a config key to the platform backend.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), key, value)
}

func setKey(b Backend, key, value string) error {
	s, ok := lookup(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("%q is a secret; use config set-secret or %s", key, s.env)
	}
	v, err := parseValue(s, value)
	if err != nil {
		return err
	}
	return b.Set(key, v)
}

// parseValue converts a command-line value to the key's type.
func parseValue(s keySpec, value string) (any, error) {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid integer value for %s: %w", s.key, err)
		}
		return i, nil
	case kBool:
		v, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid bool value for %s: %w", s.key, err)
		}
		return v, nil
	case kFloat:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float value for %s: %w", s.key, err)
		}
		return f, nil
	case kDuration:
		if _, err := time.ParseDuration(value); err != nil {
			return nil, fmt.Errorf("invalid duration value for %s: %w", s.key, err)
		}
		return value, nil
	default:
		return value, nil
	}
}

// UnsetKey removes a stored value so the default applies again. Secrets are
// removed from the platform secret store.
func UnsetKey(key string) error {
	return unsetKey(newPlatformBackend(), keychainDelete, key)
}

func unsetKey(b Backend, deleteSecret func(service, account string) error, key string) error {
	s, ok := lookup(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return deleteSecret(secretService, s.account)
	}
	return b.Delete(key)
}

func lookup(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}

// StoreSecret writes a secret key to the platform secret store, where Load
// finds it when the matching environment variable is unset.
func StoreSecret(key, value string) error {
	s, ok := lookup(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if !s.secret {
		return fmt.Errorf("%q is not a secret; use config set", key)
	}
	if value == "" {
		return fmt.Errorf("empty value for %s", key)
	}
	return keychainSet(secretService, s.account, value)
}

// SecretKeys returns the names of the secret config keys.
func SecretKeys() []string {
	var keys []string
	for _, s := range specs {
		if s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
