//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

// xdgDir resolves $env/lectern, falling back to ~/<rel>/lectern and then to
// ./<local> when there is no home directory.
func xdgDir(env, rel, local string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, "lectern")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, rel, "lectern")
	}
	return local
}

func defaultDataDir() string {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"), "lectern-data")
}

func configDir() string {
	return xdgDir("XDG_CONFIG_HOME", ".config", ".lectern")
}

func apiKeyHint(account string) string {
	return fmt.Sprintf(" or `lectern config set-secret` (stored in %s under %s/%s)", secretsFilePath(), secretService, account)
}

// fileBackend keeps config as a flat JSON object in $XDG_CONFIG_HOME/lectern/config.json.
type fileBackend struct {
	path string
	data map[string]any
}

func newPlatformBackend() Backend {
	b := &fileBackend{path: filepath.Join(configDir(), "config.json"), data: make(map[string]any)}
	b.load()
	return b
}

func (b *fileBackend) load() {
	if err := readJSONFile(b.path, &b.data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] %v. Using default values.\n", err)
	}
	if b.data == nil {
		b.data = make(map[string]any)
	}
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	if s, ok := v.(string); ok {
		return s, true, nil
	}
	return fmt.Sprint(v), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	f, ok, err := b.GetFloat(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	if f < math.MinInt || f > math.MaxInt || f != math.Trunc(f) {
		return 0, true, fmt.Errorf("value %v for %s is not a valid integer", f, key)
	}
	return int(f), true, nil
}

// GetFloat accepts JSON numbers and numeric strings, so hand-edited files
// may quote values.
func (b *fileBackend) GetFloat(key string) (float64, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case float64:
		return val, true, nil
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, true, fmt.Errorf("invalid number for %s: %w", key, err)
		}
		return f, true, nil
	default:
		return 0, true, fmt.Errorf("invalid type %T for %s", v, key)
	}
}

func (b *fileBackend) Set(key string, val any) error {
	b.data[key] = val
	return writeJSONFile(b.path, b.data)
}

func (b *fileBackend) Delete(key string) error {
	if _, ok := b.data[key]; !ok {
		return nil
	}
	delete(b.data, key)
	return writeJSONFile(b.path, b.data)
}

// readJSONFile leaves v untouched when the file does not exist.
func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// writeJSONFile replaces path atomically with mode 0600. A server reading
// config while `lectern config set` runs never sees a half-written file.
func writeJSONFile(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
