package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Key derivation parameters for argon2id.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	kdfKeyLen  = 32
	saltLen    = 16
)

// ErrDecryptionFailed indicates a wrong passphrase or tampered vault file.
var ErrDecryptionFailed = errors.New("vault decryption failed")

// envelope is the on-disk form of an encrypted vault file.
type envelope struct {
	V     int    `json:"v"`
	Salt  []byte `json:"salt"`
	Nonce []byte `json:"nonce"`
	Data  []byte `json:"data"`
}

// sealer encrypts vault records with a key derived from a passphrase.
type sealer struct {
	passphrase []byte
}

func newSealer(passphrase string) *sealer {
	if passphrase == "" {
		return nil
	}
	return &sealer{passphrase: []byte(passphrase)}
}

func (s *sealer) gcm(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(s.passphrase, salt, kdfTime, kdfMemory, kdfThreads, kdfKeyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// seal wraps plaintext in a fresh envelope with a new salt and nonce.
func (s *sealer) seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	gcm, err := s.gcm(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		V:     1,
		Salt:  salt,
		Nonce: nonce,
		Data:  gcm.Seal(nil, nonce, plaintext, nil),
	})
}

func (s *sealer) open(data []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrCorruptVault, err)
	}
	if env.V != 1 || len(env.Salt) == 0 || len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: unsupported envelope", ErrCorruptVault)
	}
	gcm, err := s.gcm(env.Salt)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length", ErrCorruptVault)
	}
	plaintext, err := gcm.Open(nil, env.Nonce, env.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// isEnvelope reports whether data looks like an encrypted vault rather than
// a plain record.
func isEnvelope(data []byte) bool {
	var probe struct {
		V *int `json:"v"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.V != nil
}
