package enclaveapi

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/cloudx-io/batchauction/enclaveapi/parsing"
)

// AttestationCOSE is a raw COSE_Sign1 attestation as returned by the attester.
type AttestationCOSE []byte

// AttestationCOSEBase64 is a standard base64 encoding of AttestationCOSE, the form
// carried in daemon responses.
type AttestationCOSEBase64 string

// AttestationCOSEURLBase64 is an unpadded URL-safe base64 encoding of AttestationCOSE.
type AttestationCOSEURLBase64 string

// AttestationCOSEGzip is a gzip compressed, unpadded URL-safe base64 encoding of
// AttestationCOSE, compact enough for query strings.
type AttestationCOSEGzip string

func (a AttestationCOSE) EncodeBase64() AttestationCOSEBase64 {
	return AttestationCOSEBase64(base64.StdEncoding.EncodeToString(a))
}

func (a AttestationCOSE) EncodeURLSafe() AttestationCOSEURLBase64 {
	return AttestationCOSEURLBase64(base64.RawURLEncoding.EncodeToString(a))
}

// CompressGzip compresses the attestation. The output is deterministic.
func (a AttestationCOSE) CompressGzip() (AttestationCOSEGzip, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return "", fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := zw.Write(a); err != nil {
		return "", fmt.Errorf("gzip attestation: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("gzip attestation: %w", err)
	}
	return AttestationCOSEGzip(base64.RawURLEncoding.EncodeToString(buf.Bytes())), nil
}

// ParseAttestationDoc extracts the Nitro attestation document from the COSE payload
// and returns it together with the raw user data.
func (a AttestationCOSE) ParseAttestationDoc() (AttestationDoc, []byte, error) {
	payload, err := parsing.ExtractCOSEPayload(a)
	if err != nil {
		return AttestationDoc{}, nil, err
	}
	raw, err := parsing.DecodeNitroDocument(payload)
	if err != nil {
		return AttestationDoc{}, nil, err
	}

	doc := AttestationDoc{
		ModuleID:        raw.ModuleID,
		Timestamp:       time.UnixMilli(int64(raw.Timestamp)).UTC(),
		DigestAlgorithm: raw.Digest,
		PCRs:            pcrsFromRaw(raw.PCRs),
		Certificate:     base64.StdEncoding.EncodeToString(raw.Certificate),
		CABundle:        parsing.EncodeCertificateBundle(raw.CABundle),
		PublicKey:       base64.StdEncoding.EncodeToString(raw.PublicKey),
		Nonce:           string(raw.Nonce),
	}
	return doc, raw.UserData, nil
}

func (s AttestationCOSEBase64) String() string { return string(s) }

func (s AttestationCOSEBase64) Decode() (AttestationCOSE, error) {
	raw, err := base64.StdEncoding.DecodeString(string(s))
	if err != nil {
		return nil, fmt.Errorf("decode COSE base64: %w", err)
	}
	return AttestationCOSE(raw), nil
}

func (s AttestationCOSEBase64) CompressGzip() (AttestationCOSEGzip, error) {
	raw, err := s.Decode()
	if err != nil {
		return "", err
	}
	return raw.CompressGzip()
}

func (s AttestationCOSEURLBase64) String() string { return string(s) }

// Decode accepts the encoding with or without padding.
func (s AttestationCOSEURLBase64) Decode() (AttestationCOSE, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(string(s), "="))
	if err != nil {
		return nil, fmt.Errorf("decode COSE base64url: %w", err)
	}
	return AttestationCOSE(raw), nil
}

func (s AttestationCOSEGzip) String() string { return string(s) }

func (s AttestationCOSEGzip) Decompress() (AttestationCOSE, error) {
	compressed, err := base64.RawURLEncoding.DecodeString(string(s))
	if err != nil {
		return nil, fmt.Errorf("decode base64url: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("read gzip stream: %w", err)
	}
	return AttestationCOSE(raw), nil
}

func pcrsFromRaw(raw map[uint64][]byte) PCRs {
	return PCRs{
		ImageFileHash:   parsing.FormatPCR(raw[0]),
		KernelHash:      parsing.FormatPCR(raw[1]),
		ApplicationHash: parsing.FormatPCR(raw[2]),
		IAMRoleHash:     parsing.FormatPCR(raw[3]),
		InstanceIDHash:  parsing.FormatPCR(raw[4]),
		SigningCertHash: parsing.FormatPCR(raw[8]),
	}
}
