// Package auth implements the credential envelope that authenticates every
// LPJS frame. Both ends share a secret key file; each credential carries
// the sender's uid and gid, a timestamp and a nonce, and is signed with
// HMAC-SHA256 over those fields and the payload.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// KeySize is the number of random bytes in the auth key.
const KeySize = 32

// KeyFileMode is the mode of a generated key file. Unprivileged users sign
// requests through an lpjs binary installed setgid to the key's group;
// they cannot read the key themselves.
const KeyFileMode = 0640

// ErrKeyExposed means the key file grants access to other users, any of
// whom could then seal credentials for an arbitrary uid.
var ErrKeyExposed = errors.New("auth: key file is accessible to other users")

// GenerateKeyFile creates a new random key file at path with KeyFileMode
// and returns the key.
func GenerateKeyFile(path string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate random key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	encoded := hex.EncodeToString(key) + "\n"
	if err := os.WriteFile(path, []byte(encoded), KeyFileMode); err != nil {
		return nil, fmt.Errorf("write key file %s: %w", path, err)
	}
	// WriteFile leaves the mode of an existing file alone
	if err := os.Chmod(path, KeyFileMode); err != nil {
		return nil, fmt.Errorf("chmod key file %s: %w", path, err)
	}
	return key, nil
}

// LoadKey reads a hex encoded key file. A file with any permission bits
// for others is refused with ErrKeyExposed.
func LoadKey(path string) ([]byte, error) {
	if runtime.GOOS != "windows" {
		fi, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("read key file %s: %w", path, err)
		}
		if fi.Mode().Perm()&0o007 != 0 {
			return nil, fmt.Errorf("%s has mode %04o: %w", path, fi.Mode().Perm(), ErrKeyExposed)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}

	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key from %s: %w", path, err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("key file %s is empty", path)
	}
	return key, nil
}

// LoadOrGenerateKey loads the key at path, creating it when missing.
func LoadOrGenerateKey(path string) (key []byte, created bool, err error) {
	key, err = LoadKey(path)
	if err == nil {
		return key, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	key, err = GenerateKeyFile(path)
	return key, err == nil, err
}
