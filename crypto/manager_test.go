package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HelloWorld017/clxdb/clxerr"
	"github.com/HelloWorld017/clxdb/crypto"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m := crypto.NewManager("db-uuid", "device-a")
	_, err := m.CreateEnvelope("correct horse battery staple")
	require.NoError(t, err)

	aad := []byte("shards/abc.clx")
	ciphertext, err := m.Encrypt([]byte("hello world"), aad)
	require.NoError(t, err)

	plaintext, err := m.Decrypt(ciphertext, aad)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), plaintext)
}

func TestDecryptWithWrongAADFails(t *testing.T) {
	m := crypto.NewManager("db-uuid", "device-a")
	_, err := m.CreateEnvelope("pw")
	require.NoError(t, err)

	ciphertext, err := m.Encrypt([]byte("x"), []byte("shards/a.clx"))
	require.NoError(t, err)

	_, err = m.Decrypt(ciphertext, []byte("shards/b.clx"))
	require.Error(t, err)
	assert.True(t, clxerr.Is(err, clxerr.CorruptedOrTampered))
}

func TestUnencryptedManagerIsIdentity(t *testing.T) {
	m := crypto.NewUnencryptedManager()
	ciphertext, err := m.Encrypt([]byte("plain"), []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), ciphertext)

	sig, err := m.Sign([]byte("manifest bytes"))
	require.NoError(t, err)
	assert.Nil(t, sig)
	assert.True(t, m.Verify([]byte("manifest bytes"), nil))
}

func TestUnlockWithMasterWrongPasswordFails(t *testing.T) {
	m := crypto.NewManager("db-uuid", "device-a")
	env, err := m.CreateEnvelope("right-password")
	require.NoError(t, err)

	other := crypto.NewManager("db-uuid", "device-a")
	err = other.UnlockWithMaster("wrong-password", env)
	require.Error(t, err)
	assert.False(t, other.Unlocked())
}

func TestDeviceQuickUnlock(t *testing.T) {
	m := crypto.NewManager("db-uuid", "device-a")
	env, err := m.CreateEnvelope("master-pw")
	require.NoError(t, err)

	require.NoError(t, m.AddDevice(env, "device-a", "laptop", "654321"))

	fresh := crypto.NewManager("db-uuid", "device-a")
	require.NoError(t, fresh.UnlockWithDevice("654321", env))
	assert.True(t, fresh.Unlocked())

	wrongPin := crypto.NewManager("db-uuid", "device-a")
	err = wrongPin.UnlockWithDevice("000000", env)
	require.Error(t, err)
}

func TestRemoveDeviceInvalidatesQuickUnlock(t *testing.T) {
	m := crypto.NewManager("db-uuid", "device-a")
	env, err := m.CreateEnvelope("master-pw")
	require.NoError(t, err)
	require.NoError(t, m.AddDevice(env, "device-a", "laptop", "111111"))

	m.RemoveDevice(env, "device-a")

	fresh := crypto.NewManager("db-uuid", "device-a")
	err = fresh.UnlockWithDevice("111111", env)
	require.Error(t, err)
}

func TestRotateMasterPreservesOtherDeviceEntries(t *testing.T) {
	m := crypto.NewManager("db-uuid", "device-a")
	env, err := m.CreateEnvelope("old-pw")
	require.NoError(t, err)
	require.NoError(t, m.AddDevice(env, "device-b", "phone", "222222"))

	require.NoError(t, m.RotateMaster("old-pw", "new-pw", env))

	deviceB := crypto.NewManager("db-uuid", "device-b")
	require.NoError(t, deviceB.UnlockWithDevice("222222", env))
}

func TestSignVerifyManifestBytes(t *testing.T) {
	m := crypto.NewManager("db-uuid", "device-a")
	_, err := m.CreateEnvelope("pw")
	require.NoError(t, err)

	data := []byte(`{"uuid":"db-uuid","version":2}`)
	sig, err := m.Sign(data)
	require.NoError(t, err)
	assert.True(t, m.Verify(data, sig))
	assert.False(t, m.Verify(append(data, 'x'), sig))
}
