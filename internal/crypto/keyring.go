package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Sealed values look like "v1:<key id>:<base64(nonce|ciphertext)>".
const sealedPrefix = "v1:"

var ErrNotSealed = errors.New("value is not sealed")

// Keyring seals with the current key and opens with any known key, so keys
// can rotate without rewriting stored values.
type Keyring struct {
	currentKeyID string
	aeads        map[string]cipher.AEAD
}

func NewKeyring(currentKeyID string, keys map[string][]byte) (*Keyring, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, key := range keys {
		if strings.Contains(id, ":") {
			return nil, fmt.Errorf("key id %q must not contain ':'", id)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("new cipher %q: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("new gcm %q: %w", id, err)
		}
		aeads[id] = aead
	}
	return &Keyring{currentKeyID: currentKeyID, aeads: aeads}, nil
}

func (k *Keyring) Seal(plaintext string) (string, error) {
	aead := k.aeads[k.currentKeyID]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(k.currentKeyID))
	return sealedPrefix + k.currentKeyID + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

func (k *Keyring) Open(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return "", ErrNotSealed
	}
	keyID, payload, ok := strings.Cut(strings.TrimPrefix(value, sealedPrefix), ":")
	if !ok {
		return "", ErrNotSealed
	}
	aead, ok := k.aeads[keyID]
	if !ok {
		return "", fmt.Errorf("unknown key id %q", keyID)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("sealed value too short")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(keyID))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// Current reports whether value is sealed with the current key.
func (k *Keyring) Current(value string) bool {
	return strings.HasPrefix(value, sealedPrefix+k.currentKeyID+":")
}

// Reseal re-encrypts value under the current key.
func (k *Keyring) Reseal(value string) (string, error) {
	plain, err := k.Open(value)
	if err != nil {
		return "", err
	}
	return k.Seal(plain)
}
