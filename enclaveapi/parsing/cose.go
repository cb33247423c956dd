package parsing

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// COSESign1 is an untagged COSE_Sign1 message as produced by the Nitro Security Module.
type COSESign1 struct {
	Protected   []byte
	Unprotected map[any]any
	Payload     []byte
	Signature   []byte
}

// ParseCOSESign1 decodes the 4-element array [protected, unprotected, payload, signature].
func ParseCOSESign1(coseBytes []byte) (*COSESign1, error) {
	var coseArray []any
	if err := cbor.Unmarshal(coseBytes, &coseArray); err != nil {
		return nil, fmt.Errorf("parse COSE array: %w", err)
	}
	if len(coseArray) != 4 {
		return nil, fmt.Errorf("invalid COSE_Sign1 structure: expected 4 elements, got %d", len(coseArray))
	}

	msg := &COSESign1{}
	var ok bool
	if msg.Protected, ok = coseArray[0].([]byte); !ok {
		return nil, fmt.Errorf("invalid protected headers")
	}
	if m, isMap := coseArray[1].(map[any]any); isMap {
		msg.Unprotected = m
	}
	if msg.Payload, ok = coseArray[2].([]byte); !ok {
		return nil, fmt.Errorf("invalid payload in COSE structure")
	}
	if msg.Signature, ok = coseArray[3].([]byte); !ok {
		return nil, fmt.Errorf("invalid signature in COSE structure")
	}
	return msg, nil
}

// ExtractCOSEPayload returns the payload (element 2) of a COSE_Sign1 array.
func ExtractCOSEPayload(coseBytes []byte) ([]byte, error) {
	msg, err := ParseCOSESign1(coseBytes)
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

// SigStructure builds the COSE_Sign1 Sig_structure signed over:
// ["Signature1", protected, external_aad, payload] with an empty external_aad.
func SigStructure(protected, payload []byte) ([]byte, error) {
	sig, err := cbor.Marshal([]any{"Signature1", protected, []byte{}, payload})
	if err != nil {
		return nil, fmt.Errorf("marshal Sig_structure: %w", err)
	}
	return sig, nil
}

// EncodeCOSESign1 encodes an untagged COSE_Sign1 array with empty unprotected headers.
func EncodeCOSESign1(protected, payload, signature []byte) ([]byte, error) {
	out, err := cbor.Marshal([]any{protected, map[any]any{}, payload, signature})
	if err != nil {
		return nil, fmt.Errorf("marshal COSE_Sign1: %w", err)
	}
	return out, nil
}
