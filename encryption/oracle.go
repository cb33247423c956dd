package encryption

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/cloudx-io/batchauction/core"
)

var (
	// ErrDecrypt is returned when a sealed amount-out cannot be opened or parsed.
	ErrDecrypt = errors.New("failed to decrypt amount out")
	// ErrZeroAmountOut is returned when a bid decrypts to a zero amount-out.
	ErrZeroAmountOut = errors.New("amount out is zero")
)

// Oracle opens sealed amount-outs with a revealed lot private key. Parsed keys are
// cached since every bid of a lot is opened with the same key.
type Oracle struct {
	mu   sync.Mutex
	keys map[[sha256.Size]byte]*rsa.PrivateKey
}

func NewOracle() *Oracle {
	return &Oracle{keys: make(map[[sha256.Size]byte]*rsa.PrivateKey)}
}

// ValidateKeyCommitment reports whether revealedKey is the private key of storedPublicKey.
func (o *Oracle) ValidateKeyCommitment(revealedKey, storedPublicKey []byte) bool {
	priv, err := o.privateKey(revealedKey)
	if err != nil {
		return false
	}
	pub, err := ParsePublicKeyPEM(storedPublicKey)
	if err != nil {
		return false
	}
	return priv.PublicKey.Equal(pub)
}

// Decrypt opens the sealed amount-out of a bid.
func (o *Oracle) Decrypt(ct core.EncryptedAmountOut, revealedKey []byte) (uint256.Int, error) {
	priv, err := o.privateKey(revealedKey)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	plaintext, err := DecryptHybrid(ct.AESKeyEncrypted, ct.EncryptedPayload, ct.Nonce, priv, HashAlgorithm(ct.HashAlgorithm))
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	var payload amountOutPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return uint256.Int{}, fmt.Errorf("%w: malformed payload: %v", ErrDecrypt, err)
	}
	amount, err := uint256.FromDecimal(payload.AmountOut)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: amount_out %q: %v", ErrDecrypt, payload.AmountOut, err)
	}
	if amount.IsZero() {
		return uint256.Int{}, ErrZeroAmountOut
	}
	return *amount, nil
}

func (o *Oracle) privateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	digest := sha256.Sum256(pemBytes)

	o.mu.Lock()
	defer o.mu.Unlock()

	if key, ok := o.keys[digest]; ok {
		return key, nil
	}
	key, err := ParsePrivateKeyPEM(pemBytes)
	if err != nil {
		return nil, err
	}
	o.keys[digest] = key
	return key, nil
}
