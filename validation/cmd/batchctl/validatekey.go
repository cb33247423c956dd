package main

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/cloudx-io/batchauction/enclaveapi"
	"github.com/cloudx-io/batchauction/validation"
)

var validateKey = cli.Command{
	Name:  "validate-key",
	Usage: "verify the attestation of a lot public key before sealing bids with it",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "key-response",
			Usage:    "key_request response JSON (file path or inline JSON)",
			Required: true,
		},
		&pcrsFlag,
		&rootFlag,
		&formatFlag,
	},
	Action: validateKeyAction,
}

func validateKeyAction(ctx *cli.Context) error {
	var resp enclaveapi.KeyResponse
	if err := json.Unmarshal(readJSONInput(ctx.String("key-response")), &resp); err != nil {
		return inputError("Error parsing key response: %v", err)
	}
	if resp.KeyAttestation == "" {
		return inputError("Error: missing key_attestation field in key response")
	}

	opts, err := validationOptions(ctx)
	if err != nil {
		return inputError("Error loading validation options: %v", err)
	}

	result, err := validation.ValidateKeyAttestation(resp.KeyAttestation, resp.KeyID, resp.PublicKey, opts)
	if err != nil {
		return inputError("Validation error: %v", err)
	}

	if ctx.String(formatFlag.Name) == "json" {
		if err := printJSON(map[string]any{
			"valid":             result.IsValid(),
			"pcrs_valid":        result.PCRsValid,
			"certificate_valid": result.CertificateValid,
			"signature_valid":   result.SignatureValid,
			"key_id_match":      result.KeyIDMatch,
			"public_key_match":  result.PublicKeyMatch,
			"details":           result.ValidationDetails,
		}); err != nil {
			return err
		}
	} else {
		printSummary("Key Attestation Validator", result.IsValid(), [][2]string{
			{"PCRs Valid", fmt.Sprint(result.PCRsValid)},
			{"Certificate Valid", fmt.Sprint(result.CertificateValid)},
			{"Signature Valid", fmt.Sprint(result.SignatureValid)},
			{"Key ID Match", fmt.Sprint(result.KeyIDMatch)},
			{"Public Key Match", fmt.Sprint(result.PublicKeyMatch)},
		}, result.ValidationDetails)
	}

	return finish(result.IsValid())
}
