package encryption

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownKey is returned for a key id the manager does not hold.
var ErrUnknownKey = errors.New("unknown key id")

// KeyManager holds the RSA key pairs of lots. Private keys never leave the manager
// until they are revealed after the lot concludes.
type KeyManager struct {
	mu   sync.RWMutex
	keys map[string]*rsa.PrivateKey // Keep private - sensitive!
}

func NewKeyManager() *KeyManager {
	return &KeyManager{keys: make(map[string]*rsa.PrivateKey)}
}

// Generate creates a key pair and returns its id and PEM public key.
func (km *KeyManager) Generate() (string, []byte, error) {
	priv, err := GenerateRSAKeyPair()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	pub, err := PublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return "", nil, err
	}

	id := uuid.NewString()
	km.mu.Lock()
	km.keys[id] = priv
	km.mu.Unlock()
	return id, pub, nil
}

// PublicKey returns the public half of a key pair.
func (km *KeyManager) PublicKey(keyID string) (*rsa.PublicKey, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	priv, ok := km.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	return &priv.PublicKey, nil
}

// PublicKeyPEM returns the public key in PEM format
func (km *KeyManager) PublicKeyPEM(keyID string) ([]byte, error) {
	pub, err := km.PublicKey(keyID)
	if err != nil {
		return nil, err
	}
	return PublicKeyPEM(pub)
}

// RevealPrivateKey returns the private key as PKCS#8 PEM.
func (km *KeyManager) RevealPrivateKey(keyID string) ([]byte, error) {
	km.mu.RLock()
	priv, ok := km.keys[keyID]
	km.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	return PrivateKeyPEM(priv)
}

// Forget drops a key pair.
func (km *KeyManager) Forget(keyID string) {
	km.mu.Lock()
	defer km.mu.Unlock()
	delete(km.keys, keyID)
}
