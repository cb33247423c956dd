package encryption

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/batchauction/core"
)

func TestOracle_Decrypt(t *testing.T) {
	km := NewKeyManager()
	keyID, pubPEM, err := km.Generate()
	assert.NoError(t, err)
	privPEM, err := km.RevealPrivateKey(keyID)
	assert.NoError(t, err)

	amount := uint256.MustFromDecimal("9000000000000000000")
	ct, err := EncryptAmountOut(pubPEM, amount)
	assert.NoError(t, err)
	check.Equal(t, string(HashAlgorithmSHA256), ct.HashAlgorithm)

	o := NewOracle()
	check.True(t, o.ValidateKeyCommitment(privPEM, pubPEM))

	got, err := o.Decrypt(ct, privPEM)
	assert.NoError(t, err)
	check.Equal(t, *amount, got)
}

func TestOracle_ValidateKeyCommitment_Mismatch(t *testing.T) {
	km := NewKeyManager()
	id1, pub1, err := km.Generate()
	assert.NoError(t, err)
	_, pub2, err := km.Generate()
	assert.NoError(t, err)
	priv1, err := km.RevealPrivateKey(id1)
	assert.NoError(t, err)

	o := NewOracle()
	check.True(t, o.ValidateKeyCommitment(priv1, pub1))
	check.False(t, o.ValidateKeyCommitment(priv1, pub2))
	check.False(t, o.ValidateKeyCommitment([]byte("garbage"), pub1))
	check.False(t, o.ValidateKeyCommitment(priv1, []byte("garbage")))
}

func TestOracle_DecryptFailures(t *testing.T) {
	km := NewKeyManager()
	keyID, pubPEM, err := km.Generate()
	assert.NoError(t, err)
	privPEM, err := km.RevealPrivateKey(keyID)
	assert.NoError(t, err)
	pub, err := km.PublicKey(keyID)
	assert.NoError(t, err)

	seal := func(plaintext string) core.EncryptedAmountOut {
		res, err := EncryptHybridWithHash([]byte(plaintext), pub, HashAlgorithmSHA1)
		assert.NoError(t, err)
		return core.EncryptedAmountOut{
			AESKeyEncrypted:  res.EncryptedAESKey,
			EncryptedPayload: res.EncryptedPayload,
			Nonce:            res.Nonce,
			HashAlgorithm:    string(HashAlgorithmSHA1),
		}
	}
	zero, err := EncryptAmountOut(pubPEM, uint256.NewInt(0))
	assert.NoError(t, err)

	o := NewOracle()
	tests := []struct {
		name    string
		ct      core.EncryptedAmountOut
		wantErr error
	}{
		{"not json", seal("nine"), ErrDecrypt},
		{"not a number", seal(`{"amount_out":"1e18"}`), ErrDecrypt},
		{"negative", seal(`{"amount_out":"-5"}`), ErrDecrypt},
		{"zero", zero, ErrZeroAmountOut},
		{"corrupt ciphertext", core.EncryptedAmountOut{AESKeyEncrypted: "AAAA", EncryptedPayload: "AAAA", Nonce: "AAAA"}, ErrDecrypt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Decrypt(tt.ct, privPEM)
			check.True(t, errors.Is(err, tt.wantErr))
		})
	}

	// SHA-1 sealed payloads are still accepted.
	payload, _ := json.Marshal(amountOutPayload{AmountOut: "42"})
	got, err := o.Decrypt(seal(string(payload)), privPEM)
	assert.NoError(t, err)
	check.Equal(t, *uint256.NewInt(42), got)
}

func TestKeyManager(t *testing.T) {
	km := NewKeyManager()
	id1, pem1, err := km.Generate()
	assert.NoError(t, err)
	id2, pem2, err := km.Generate()
	assert.NoError(t, err)
	check.NotEqual(t, id1, id2)
	check.NotEqual(t, string(pem1), string(pem2))

	again, err := km.PublicKeyPEM(id1)
	assert.NoError(t, err)
	check.Equal(t, string(pem1), string(again))

	km.Forget(id1)
	_, err = km.RevealPrivateKey(id1)
	check.True(t, errors.Is(err, ErrUnknownKey))
	_, err = km.PublicKeyPEM(id1)
	check.True(t, errors.Is(err, ErrUnknownKey))
}
