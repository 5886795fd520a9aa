package vault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealThenOpenRoundTripsVaultContent(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.CreateVault("v1", []byte("opaque-ciphertext"), TimeBased{Expiry: time.Now().Add(time.Hour)}, map[string]string{"region": "us"}, time.Time{}))

	sealer, err := NewSealerFromPassphrase("correct horse battery staple")
	require.NoError(t, err)

	sealed, err := sealer.Seal(m)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "opaque-ciphertext")

	restored, err := sealer.Open(sealed)
	require.NoError(t, err)

	status, err := restored.StatusOf("v1")
	require.NoError(t, err)
	assert.Equal(t, Active, status)
}

func TestOpenFailsWithWrongKey(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.CreateVault("v1", []byte("secret"), TimeBased{Expiry: time.Now().Add(time.Hour)}, nil, time.Time{}))

	sealer, err := NewSealerFromPassphrase("right-passphrase")
	require.NoError(t, err)
	sealed, err := sealer.Seal(m)
	require.NoError(t, err)

	wrongSealer, err := NewSealerFromPassphrase("wrong-passphrase")
	require.NoError(t, err)
	_, err = wrongSealer.Open(sealed)
	assert.Error(t, err)
}

func TestNewSealerRejectsWrongKeyLength(t *testing.T) {
	_, err := NewSealer([]byte("too-short"))
	assert.Error(t, err)
}

func TestNewSealerFromPassphraseRejectsEmpty(t *testing.T) {
	_, err := NewSealerFromPassphrase("")
	assert.Error(t, err)
}
