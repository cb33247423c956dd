// Package attestation produces signed attestation documents for lot keys and
// settlements, either from the Nitro Security Module or from a local signer.
package attestation

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"time"

	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/veraison/go-cose"

	"github.com/cloudx-io/batchauction/enclaveapi/parsing"
)

// Attester signs attestation documents. The Nitro enclave handle implements it.
type Attester interface {
	Attest(options enclave.AttestationOptions) ([]byte, error)
}

// NewNSMAttester returns the Nitro Security Module handle. It fails outside an enclave.
func NewNSMAttester() (Attester, error) {
	handle, err := enclave.GetOrInitializeHandle()
	if err != nil {
		return nil, fmt.Errorf("NSM not available: %w", err)
	}
	return handle, nil
}

// LocalAttester produces Nitro-shaped ES384 COSE_Sign1 attestation documents signed by
// an ephemeral certificate chain. It is meant for development and tests; its root is
// not trusted by verifiers unless passed explicitly.
type LocalAttester struct {
	mu       sync.Mutex
	moduleID string
	key      *ecdsa.PrivateKey
	leaf     []byte
	root     *x509.Certificate
	pcrs     map[uint64][]byte
	now      func() time.Time
}

// NewLocalAttester creates a root and a signing certificate on P-384.
func NewLocalAttester() (*LocalAttester, error) {
	rootKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate root key: %w", err)
	}
	notBefore := time.Now().Add(-time.Hour)
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "batchauction local root"},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("create root certificate: %w", err)
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, fmt.Errorf("parse root certificate: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	moduleID := "local-" + uuid.NewString()
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: moduleID},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leaf, err := x509.CreateCertificate(rand.Reader, leafTmpl, root, &key.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("create signing certificate: %w", err)
	}

	return &LocalAttester{
		moduleID: moduleID,
		key:      key,
		leaf:     leaf,
		root:     root,
		pcrs:     map[uint64][]byte{0: make([]byte, 48), 1: make([]byte, 48), 2: make([]byte, 48)},
		now:      time.Now,
	}, nil
}

// Root returns the certificate verifiers must trust to accept this attester.
func (a *LocalAttester) Root() *x509.Certificate {
	return a.root
}

// RootPool returns a pool holding Root.
func (a *LocalAttester) RootPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.root)
	return pool
}

// SetPCR overrides a measurement reported in subsequent documents.
func (a *LocalAttester) SetPCR(index uint64, value []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pcrs[index] = append([]byte(nil), value...)
}

func (a *LocalAttester) Attest(options enclave.AttestationOptions) ([]byte, error) {
	a.mu.Lock()
	pcrs := make(map[uint64][]byte, len(a.pcrs))
	for k, v := range a.pcrs {
		pcrs[k] = v
	}
	a.mu.Unlock()

	payload, err := cbor.Marshal(parsing.NitroAttestationDocument{
		ModuleID:    a.moduleID,
		Digest:      "SHA384",
		Timestamp:   uint64(a.now().UnixMilli()),
		PCRs:        pcrs,
		Certificate: a.leaf,
		CABundle:    [][]byte{a.root.Raw},
		UserData:    options.UserData,
		Nonce:       options.Nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal attestation document: %w", err)
	}

	protected, err := cbor.Marshal(map[int]int{1: int(cose.AlgorithmES384)})
	if err != nil {
		return nil, fmt.Errorf("marshal protected headers: %w", err)
	}
	toBeSigned, err := parsing.SigStructure(protected, payload)
	if err != nil {
		return nil, err
	}
	signer, err := cose.NewSigner(cose.AlgorithmES384, a.key)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}
	signature, err := signer.Sign(rand.Reader, toBeSigned)
	if err != nil {
		return nil, fmt.Errorf("sign attestation: %w", err)
	}
	return parsing.EncodeCOSESign1(protected, payload, signature)
}
