// Package secrets resolves credentials from the environment or from files,
// the way systemd credentials and Docker secrets hand them over.
//
// Secret values are never logged or included in errors.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// maxSecretFileSize limits secret file reads. Secrets are passwords and
// DSNs, never large files.
const maxSecretFileSize = 64 * 1024

// ExpandString resolves ${VAR} and ${VAR:-default} references in s.
// It fails when a referenced variable without a default is unset.
func ExpandString(s string) (string, error) {
	if s == "" {
		return "", nil
	}

	var missingVars []string
	expanded := os.Expand(s, func(key string) string {
		varName, defaultValue, fallbackProvided := strings.Cut(key, ":-")

		value := os.Getenv(varName)
		if value == "" {
			if fallbackProvided {
				return defaultValue
			}
			missingVars = append(missingVars, varName)
		}
		return value
	})

	if len(missingVars) > 0 {
		return "", fmt.Errorf("missing required environment variable(s): %s", strings.Join(missingVars, ", "))
	}
	return expanded, nil
}

// ReadFile reads a secret from path. Trailing newlines are trimmed. A file
// readable by everyone is refused; group read is allowed so a service group
// can share a credential.
func ReadFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("secret file path is empty")
	}
	cleanPath := filepath.Clean(path)

	info, err := os.Stat(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("secret file not found: %s", cleanPath)
		}
		return "", fmt.Errorf("failed to stat secret file %s: %w", cleanPath, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("secret path is not a regular file: %s", cleanPath)
	}
	if info.Size() > maxSecretFileSize {
		return "", fmt.Errorf("secret file too large (max %d bytes): %s", maxSecretFileSize, cleanPath)
	}
	// Windows does not report unix permission bits
	if perm := info.Mode().Perm(); runtime.GOOS != "windows" && perm&0o007 != 0 {
		return "", fmt.Errorf("secret file is readable by others (perms: %04o): %s", perm, cleanPath)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", cleanPath, err)
	}

	secret := strings.TrimRight(string(data), "\r\n")
	if secret == "" {
		return "", fmt.Errorf("secret file is empty: %s", cleanPath)
	}
	return secret, nil
}

// Resolve returns the secret from filePath when set, otherwise value with
// environment references expanded. Both empty yields an empty secret.
func Resolve(filePath, value string) (string, error) {
	if filePath != "" {
		secret, err := ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("failed to read secret from file: %w", err)
		}
		return secret, nil
	}
	return ExpandString(value)
}
