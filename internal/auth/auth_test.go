package auth

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestSealOpen(t *testing.T) {
	v := NewVerifier(testKey, time.Minute, NewReplayGuard(time.Minute))

	frame := Seal(testKey, 1001, 100, []byte("\x02"))
	cred, err := v.Open(frame)
	require.NoError(t, err)
	assert.Equal(t, uint32(1001), cred.UID)
	assert.Equal(t, uint32(100), cred.GID)
	assert.Equal(t, []byte("\x02"), cred.Payload)
	assert.NotEmpty(t, cred.Nonce)
}

func TestOpenRejectsReplay(t *testing.T) {
	guard := NewReplayGuard(time.Minute)
	v := NewVerifier(testKey, time.Minute, guard)

	frame := Seal(testKey, 0, 0, []byte("checkin"))
	_, err := v.Open(frame)
	require.NoError(t, err)
	assert.Equal(t, 1, guard.Len())

	_, err = v.Open(frame)
	assert.ErrorIs(t, err, ErrReplay)

	// without a guard the same frame verifies again
	_, err = NewVerifier(testKey, time.Minute, nil).Open(frame)
	assert.NoError(t, err)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	v := NewVerifier(testKey, time.Minute, nil)
	frame := Seal([]byte("some other key"), 0, 0, []byte("x"))
	_, err := v.Open(frame)
	assert.ErrorIs(t, err, ErrBadMAC)
}

func TestOpenRejectsTampering(t *testing.T) {
	v := NewVerifier(testKey, time.Minute, nil)
	frame := Seal(testKey, 1001, 100, []byte("hello"))

	// the payload is the last field before the mac; flip one of its bytes
	i := len(frame) - 64 - len("2+64") - 1
	require.Equal(t, byte('o'), frame[i])
	frame[i] = 'O'

	_, err := v.Open(frame)
	assert.ErrorIs(t, err, ErrBadMAC)
}

func TestOpenRejectsSkew(t *testing.T) {
	v := NewVerifier(testKey, time.Minute, nil)
	frame := SealAt(testKey, 0, 0, []byte("x"), time.Now().Add(-10*time.Minute))
	_, err := v.Open(frame)
	assert.ErrorIs(t, err, ErrSkew)
}

func TestOpenRejectsGarbage(t *testing.T) {
	v := NewVerifier(testKey, time.Minute, nil)
	_, err := v.Open([]byte("not a credential"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "auth_key")

	key, created, err := LoadOrGenerateKey(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, key, KeySize)

	again, created, err := LoadOrGenerateKey(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, key, again)

	require.NoError(t, os.WriteFile(path, []byte("zz\n"), KeyFileMode))
	_, _, err = LoadOrGenerateKey(path)
	assert.Error(t, err)
}

func TestKeyFileMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	path := filepath.Join(t.TempDir(), "auth_key")
	_, err := GenerateKeyFile(path)
	require.NoError(t, err)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, fi.Mode().Perm()&0o007, "mode %04o", fi.Mode().Perm())
	_, err = LoadKey(path)
	require.NoError(t, err)

	require.NoError(t, os.Chmod(path, 0644))
	_, err = LoadKey(path)
	assert.ErrorIs(t, err, ErrKeyExposed)
	_, _, err = LoadOrGenerateKey(path)
	assert.ErrorIs(t, err, ErrKeyExposed)
}
