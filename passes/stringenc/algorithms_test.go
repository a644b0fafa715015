package stringenc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByNameResolvesKnownAlgorithms(t *testing.T) {
	cases := map[string]string{
		"symmetric_block": "symmetric_block",
		"":                 "symmetric_block",
		"stream":           "stream",
		"custom_xor":       "custom_xor",
	}
	for input, wantName := range cases {
		algo, err := ByName(input)
		require.NoError(t, err)
		assert.Equal(t, wantName, algo.Name())
	}
}

func TestByNameRejectsUnknownAlgorithm(t *testing.T) {
	_, err := ByName("not_a_real_algorithm")
	assert.Error(t, err)
}

func TestEachAlgorithmRoundTrips(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	plain := []byte("the quick brown fox jumps over the lazy dog")

	for _, name := range []string{"symmetric_block", "stream", "custom_xor"} {
		algo, err := ByName(name)
		require.NoError(t, err)

		cipherBytes, err := algo.Encrypt(plain, key)
		require.NoError(t, err)
		assert.NotEqual(t, plain, cipherBytes, "%s: ciphertext must differ from plaintext", name)
		assert.Len(t, cipherBytes, len(plain))

		decrypted, err := algo.Decrypt(cipherBytes, key)
		require.NoError(t, err)
		assert.Equal(t, plain, decrypted, "%s: decrypt(encrypt(x)) must recover x", name)
	}
}

func TestEachAlgorithmIsDeterministic(t *testing.T) {
	key := []byte("fixed-key-material-for-determinism-check")
	plain := []byte("identical literal")

	for _, name := range []string{"symmetric_block", "stream", "custom_xor"} {
		algo, err := ByName(name)
		require.NoError(t, err)

		first, err := algo.Encrypt(plain, key)
		require.NoError(t, err)
		second, err := algo.Encrypt(plain, key)
		require.NoError(t, err)

		assert.Equal(t, first, second, "%s: Encrypt must be a pure function of (plain, key)", name)
	}
}

func TestCustomXORMatchesExactFormula(t *testing.T) {
	key := []byte{0x10, 0x20}
	plain := []byte{0x01, 0x02, 0x03, 0x04}

	algo := customXOR{}
	got, err := algo.Encrypt(plain, key)
	require.NoError(t, err)

	for i, p := range plain {
		want := p ^ key[i%len(key)] ^ byte((i*17)%256)
		assert.Equal(t, want, got[i], "byte %d", i)
	}
}

func TestCustomXORHandlesEmptyKey(t *testing.T) {
	algo := customXOR{}
	cipherBytes, err := algo.Encrypt([]byte("abc"), nil)
	require.NoError(t, err)

	decrypted, err := algo.Decrypt(cipherBytes, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), decrypted)
}

func TestEmptyPlaintextRoundTrips(t *testing.T) {
	key := []byte("some-key")
	for _, name := range []string{"symmetric_block", "stream", "custom_xor"} {
		algo, err := ByName(name)
		require.NoError(t, err)

		cipherBytes, err := algo.Encrypt(nil, key)
		require.NoError(t, err)
		assert.Len(t, cipherBytes, 0)

		decrypted, err := algo.Decrypt(cipherBytes, key)
		require.NoError(t, err)
		assert.Len(t, decrypted, 0)
	}
}
