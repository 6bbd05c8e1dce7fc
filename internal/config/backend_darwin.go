//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.lectern.app"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "lectern")
	}
	return "lectern-data"
}

func apiKeyHint(account string) string {
	return " or `lectern config set-secret` (macOS Keychain, service: " + secretService + ", account: " + account + ")"
}

// defaultsBackend stores config in UserDefaults through the `defaults` tool.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() Backend {
	return &defaultsBackend{domain: defaultsDomain}
}

func (b *defaultsBackend) read(key string) (string, bool, error) {
	out, err := exec.Command("defaults", "read", b.domain, key).CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		// defaults exits 1 for a missing domain or key.
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("defaults read %s: %w: %s", key, err, s)
	}
	return s, true, nil
}

func (b *defaultsBackend) GetString(key string) (string, bool, error) {
	return b.read(key)
}

func (b *defaultsBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.read(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b *defaultsBackend) GetFloat(key string) (float64, bool, error) {
	s, ok, err := b.read(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, true, fmt.Errorf("invalid number for %s: %w", key, err)
	}
	return f, true, nil
}

func (b *defaultsBackend) Set(key string, val any) error {
	var typ, s string
	switch v := val.(type) {
	case string:
		typ, s = "-string", v
	case int:
		typ, s = "-int", strconv.Itoa(v)
	case float64:
		typ, s = "-float", strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		typ, s = "-bool", strconv.FormatBool(v)
	default:
		return fmt.Errorf("unsupported value %T for %s", val, key)
	}
	return exec.Command("defaults", "write", b.domain, key, typ, s).Run()
}

func (b *defaultsBackend) Delete(key string) error {
	if _, ok, err := b.read(key); !ok || err != nil {
		return err
	}
	return exec.Command("defaults", "delete", b.domain, key).Run()
}
