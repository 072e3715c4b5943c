package transport

import (
	"os"
	"path/filepath"

	"github.com/charmbracelet/keygen"
)

// EnsureIdentity lazily creates the daemon's default SSH identity under
// stateDir and returns the private key path. An existing keypair is left
// untouched.
func EnsureIdentity(stateDir string) (string, error) {
	keyPath := filepath.Join(stateDir, "id_ed25519")
	if _, err := os.Stat(keyPath); err == nil {
		return keyPath, nil
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return "", err
	}
	kp, err := keygen.New(keyPath, keygen.WithKeyType(keygen.Ed25519))
	if err != nil {
		return "", err
	}
	if err := kp.WriteKeys(); err != nil {
		return "", err
	}
	return keyPath, nil
}
