package main

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"

	"github.com/cloudx-io/batchauction/core"
	"github.com/cloudx-io/batchauction/enclaveapi"
	"github.com/cloudx-io/batchauction/validation"
)

var validateSettlement = cli.Command{
	Name:  "validate-settlement",
	Usage: "verify a bid against the settlement attestation of its lot",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "settlement",
			Usage: "settle or get_lot response JSON (file path or inline JSON)",
		},
		&cli.StringFlag{
			Name:  "attestation",
			Usage: "base64 COSE settlement attestation, instead of --settlement",
		},
		&cli.StringFlag{
			Name:  "attestation-gzip",
			Usage: "gzip compressed base64url settlement attestation, instead of --settlement",
		},
		&cli.Uint64Flag{
			Name:     "lot-id",
			Required: true,
		},
		&cli.Uint64Flag{
			Name:     "bid-id",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "amount-in",
			Usage:    "amount in of the bid, in base units of the quote asset",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "amount-out",
			Usage:    "sealed amount out of the bid, in base units of the base asset",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "ciphertext",
			Usage: "encrypt-bid output JSON (file path or inline JSON) to check against the attestation",
		},
		&cli.StringFlag{
			Name:  "expect",
			Usage: "expected outcome: won or lost",
		},
		&pcrsFlag,
		&rootFlag,
		&formatFlag,
	},
	Action: validateSettlementAction,
}

func validateSettlementAction(ctx *cli.Context) error {
	input, err := settlementInput(ctx)
	if err != nil {
		return err
	}

	opts, err := validationOptions(ctx)
	if err != nil {
		return inputError("Error loading validation options: %v", err)
	}

	result, err := validation.ValidateSettlementAttestation(input, opts)
	if err != nil {
		return inputError("Validation error: %v", err)
	}

	if ctx.String(formatFlag.Name) == "json" {
		output := map[string]any{
			"valid":                 result.IsValid(),
			"pcrs_valid":            result.PCRsValid,
			"certificate_valid":     result.CertificateValid,
			"signature_valid":       result.SignatureValid,
			"lot_id_valid":          result.LotIDValid,
			"settlement_hash_valid": result.SettlementHashValid,
			"bid_hash_valid":        result.BidHashValid,
			"ciphertext_hash_valid": result.CiphertextHashValid,
			"outcome_valid":         result.OutcomeValid,
			"details":               result.ValidationDetails,
		}
		if c := result.Claim; c != nil {
			output["claim"] = enclaveapi.ClaimView{
				BidID:  c.BidID,
				Won:    c.Won,
				Paid:   c.Paid.Dec(),
				Payout: c.Payout.Dec(),
				Refund: c.Refund.Dec(),
			}
		}
		if err := printJSON(output); err != nil {
			return err
		}
	} else {
		rows := [][2]string{
			{"PCRs Valid", fmt.Sprint(result.PCRsValid)},
			{"Certificate Valid", fmt.Sprint(result.CertificateValid)},
			{"Signature Valid", fmt.Sprint(result.SignatureValid)},
			{"Lot ID Valid", fmt.Sprint(result.LotIDValid)},
			{"Settlement Hash Valid", fmt.Sprint(result.SettlementHashValid)},
			{"Bid Hash Valid", fmt.Sprint(result.BidHashValid)},
			{"Ciphertext Hash Valid", fmt.Sprint(result.CiphertextHashValid)},
			{"Outcome Valid", fmt.Sprint(result.OutcomeValid)},
		}
		if c := result.Claim; c != nil {
			rows = append(rows,
				[2]string{"Won", fmt.Sprint(c.Won)},
				[2]string{"Payout", c.Payout.Dec()},
				[2]string{"Refund", c.Refund.Dec()},
			)
		}
		printSummary("Settlement Attestation Validator", result.IsValid(), rows, result.ValidationDetails)
	}

	return finish(result.IsValid())
}

func settlementInput(ctx *cli.Context) (*validation.SettlementValidationInput, error) {
	attestation, err := readAttestation(ctx)
	if err != nil {
		return nil, err
	}

	input := &validation.SettlementValidationInput{
		Attestation: attestation,
		LotID:       ctx.Uint64("lot-id"),
		BidID:       ctx.Uint64("bid-id"),
	}
	amountIn, err := uint256.FromDecimal(ctx.String("amount-in"))
	if err != nil {
		return nil, inputError("Error parsing amount in: %v", err)
	}
	input.AmountIn = *amountIn
	amountOut, err := uint256.FromDecimal(ctx.String("amount-out"))
	if err != nil {
		return nil, inputError("Error parsing amount out: %v", err)
	}
	input.AmountOut = *amountOut

	if raw := ctx.String("ciphertext"); raw != "" {
		var ct core.EncryptedAmountOut
		if err := json.Unmarshal(readJSONInput(raw), &ct); err != nil {
			return nil, inputError("Error parsing ciphertext: %v", err)
		}
		input.EncryptedAmountOut = &ct
	}

	switch expect := ctx.String("expect"); expect {
	case "":
	case "won", "lost":
		won := expect == "won"
		input.ExpectWon = &won
	default:
		return nil, inputError("Error: --expect must be won or lost, got %q", expect)
	}
	return input, nil
}

func readAttestation(ctx *cli.Context) (enclaveapi.AttestationCOSEBase64, error) {
	switch {
	case ctx.String("attestation") != "":
		return enclaveapi.AttestationCOSEBase64(ctx.String("attestation")), nil
	case ctx.String("attestation-gzip") != "":
		raw, err := enclaveapi.AttestationCOSEGzip(ctx.String("attestation-gzip")).Decompress()
		if err != nil {
			return "", inputError("Error decompressing attestation: %v", err)
		}
		return raw.EncodeBase64(), nil
	case ctx.String("settlement") != "":
		var resp enclaveapi.Response
		if err := json.Unmarshal(readJSONInput(ctx.String("settlement")), &resp); err != nil {
			return "", inputError("Error parsing settlement response: %v", err)
		}
		settlement := resp.Settlement
		if settlement == nil && resp.Lot != nil {
			settlement = resp.Lot.Settlement
		}
		if settlement == nil || settlement.Attestation == "" {
			return "", inputError("Error: response carries no settlement attestation")
		}
		return settlement.Attestation, nil
	default:
		return "", inputError("Error: one of --settlement, --attestation or --attestation-gzip is required")
	}
}
