//go:build !darwin

package config

import (
	"fmt"
	"path/filepath"
)

// secrets.json maps service -> account -> value, next to config.json.
type secretsFile map[string]map[string]string

func secretsFilePath() string {
	return filepath.Join(configDir(), "secrets.json")
}

func loadSecrets() (secretsFile, error) {
	var s secretsFile
	if err := readJSONFile(secretsFilePath(), &s); err != nil {
		return nil, err
	}
	if s == nil {
		s = make(secretsFile)
	}
	return s, nil
}

func keychainGet(service, account string) ([]byte, error) {
	s, err := loadSecrets()
	if err != nil {
		return nil, err
	}
	val, ok := s[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret %s/%s in %s", service, account, secretsFilePath())
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	s, err := loadSecrets()
	if err != nil {
		return err
	}
	if s[service] == nil {
		s[service] = make(map[string]string)
	}
	s[service][account] = value
	return writeJSONFile(secretsFilePath(), s)
}

func keychainDelete(service, account string) error {
	s, err := loadSecrets()
	if err != nil {
		return err
	}
	if _, ok := s[service][account]; !ok {
		return nil
	}
	delete(s[service], account)
	return writeJSONFile(secretsFilePath(), s)
}
