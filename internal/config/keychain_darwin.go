//go:build darwin

package config

import "os/exec"

func keychainGet(service, account string) ([]byte, error) {
	return exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
}

// keychainSet updates the item in place (-U) when it already exists.
func keychainSet(service, account, value string) error {
	return exec.Command("security", "add-generic-password", "-U", "-s", service, "-a", account, "-w", value).Run()
}

func keychainDelete(service, account string) error {
	if _, err := keychainGet(service, account); err != nil {
		return nil
	}
	return exec.Command("security", "delete-generic-password", "-s", service, "-a", account).Run()
}
