package encryption

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/cloudx-io/batchauction/core"
)

// amountOutPayload is the plaintext sealed inside a bid.
type amountOutPayload struct {
	AmountOut string `json:"amount_out"`
}

// HybridEncryptionResult contains the results of hybrid encryption
type HybridEncryptionResult struct {
	EncryptedAESKey  string
	EncryptedPayload string
	Nonce            string
}

// EncryptHybridWithHash encrypts data using hybrid RSA-OAEP + AES-256-GCM encryption
// with a specified hash algorithm for RSA-OAEP. This is what bidders do client side.
// Returns HybridEncryptionResult with base64-encoded values
func EncryptHybridWithHash(plaintext []byte, publicKey *rsa.PublicKey, hashAlg HashAlgorithm) (*HybridEncryptionResult, error) {
	hasher, err := newHash(hashAlg)
	if err != nil {
		return nil, err
	}

	aesKey := make([]byte, 32)
	if _, err := rand.Read(aesKey); err != nil {
		return nil, fmt.Errorf("failed to generate AES key: %w", err)
	}
	aesgcm, err := newGCM(aesKey)
	if err != nil {
		return nil, err
	}

	nonceBytes := make([]byte, aesgcm.NonceSize())
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := aesgcm.Seal(nil, nonceBytes, plaintext, nil)

	encryptedAESKeyBytes, err := rsa.EncryptOAEP(hasher, rand.Reader, publicKey, aesKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt AES key: %w", err)
	}

	return &HybridEncryptionResult{
		EncryptedAESKey:  base64.StdEncoding.EncodeToString(encryptedAESKeyBytes),
		EncryptedPayload: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:            base64.StdEncoding.EncodeToString(nonceBytes),
	}, nil
}

// EncryptAmountOut seals the amount-out of a bid under a lot public key (PEM).
func EncryptAmountOut(publicKeyPEM []byte, amountOut *uint256.Int) (core.EncryptedAmountOut, error) {
	pub, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return core.EncryptedAmountOut{}, err
	}
	plaintext, err := json.Marshal(amountOutPayload{AmountOut: amountOut.Dec()})
	if err != nil {
		return core.EncryptedAmountOut{}, err
	}
	res, err := EncryptHybridWithHash(plaintext, pub, HashAlgorithmSHA256)
	if err != nil {
		return core.EncryptedAmountOut{}, err
	}
	return core.EncryptedAmountOut{
		AESKeyEncrypted:  res.EncryptedAESKey,
		EncryptedPayload: res.EncryptedPayload,
		Nonce:            res.Nonce,
		HashAlgorithm:    string(HashAlgorithmSHA256),
	}, nil
}
