package stringenc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/chacha20"
)

// Algorithm transforms plaintext literal bytes into ciphertext and back,
// under a caller-supplied key. Encrypt must be a pure function of
// (plain, key): two calls with the same arguments must produce the same
// ciphertext, since the pass relies on that to let identical literals
// across a module share one ciphertext blob and one decryptor call site.
type Algorithm interface {
	Name() string
	Encrypt(plain, key []byte) ([]byte, error)
	Decrypt(cipherBytes, key []byte) ([]byte, error)
}

// ByName resolves a configuration algorithm identifier to an Algorithm.
func ByName(name string) (Algorithm, error) {
	switch name {
	case "symmetric_block", "":
		return symmetricBlock{}, nil
	case "stream":
		return stream{}, nil
	case "custom_xor":
		return customXOR{}, nil
	default:
		return nil, fmt.Errorf("stringenc: unknown algorithm %q", name)
	}
}

// symmetricBlock implements the spec's deterministic block-cipher
// algorithm as AES-256-CTR over an all-zero 16-byte IV with a
// SHA-256-derived key, rather than AES-GCM. GCM's random nonce and
// authentication tag would make Encrypt non-deterministic across calls
// with the same (plain, key) pair, which breaks the "identical literals
// share one ciphertext blob" invariant the pass depends on — see
// DESIGN.md for the worked-through reasoning. Grounded on garble's own
// genAesKey/encAES pairing for "how to wire crypto/aes in this corpus".
type symmetricBlock struct{}

func (symmetricBlock) Name() string { return "symmetric_block" }

func (symmetricBlock) Encrypt(plain, key []byte) ([]byte, error) {
	stream, err := ctrStream(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plain))
	stream.XORKeyStream(out, plain)
	return out, nil
}

func (symmetricBlock) Decrypt(cipherBytes, key []byte) ([]byte, error) {
	// AES-CTR is its own inverse: XOR-ing the keystream a second time
	// recovers the plaintext.
	stream, err := ctrStream(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(cipherBytes))
	stream.XORKeyStream(out, cipherBytes)
	return out, nil
}

func ctrStream(key []byte) (cipher.Stream, error) {
	derived := sha256.Sum256(key)
	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, fmt.Errorf("stringenc: new AES cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize) // all-zero, see type doc comment
	return cipher.NewCTR(block, iv), nil
}

// stream implements the spec's stream-cipher algorithm via ChaCha20,
// keyed the same way symmetricBlock is and run with a fixed all-zero
// nonce for the same determinism reason.
type stream struct{}

func (stream) Name() string { return "stream" }

func (stream) Encrypt(plain, key []byte) ([]byte, error) {
	c, err := newChaCha(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plain))
	c.XORKeyStream(out, plain)
	return out, nil
}

func (stream) Decrypt(cipherBytes, key []byte) ([]byte, error) {
	c, err := newChaCha(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(cipherBytes))
	c.XORKeyStream(out, cipherBytes)
	return out, nil
}

func newChaCha(key []byte) (*chacha20.Cipher, error) {
	derived := sha256.Sum256(key)
	nonce := make([]byte, chacha20.NonceSize)
	c, err := chacha20.NewUnauthenticatedCipher(derived[:], nonce)
	if err != nil {
		return nil, fmt.Errorf("stringenc: new chacha20 cipher: %w", err)
	}
	return c, nil
}

// customXOR implements the exact formula spec.md's custom algorithm
// names: cipher[i] = plain[i] ^ key[i % len(key)] ^ ((i*17) % 256).
// XOR is its own inverse, so Encrypt and Decrypt share one
// implementation — mirroring the XOR helper every example in this
// corpus that touches string obfuscation reaches for first.
type customXOR struct{}

func (customXOR) Name() string { return "custom_xor" }

func (customXOR) Encrypt(plain, key []byte) ([]byte, error) {
	return xorTransform(plain, key), nil
}

func (customXOR) Decrypt(cipherBytes, key []byte) ([]byte, error) {
	return xorTransform(cipherBytes, key), nil
}

func xorTransform(data, key []byte) []byte {
	if len(key) == 0 {
		key = []byte{0}
	}
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)] ^ byte((i*17)%256)
	}
	return out
}
