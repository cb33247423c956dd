package main

import (
	"encoding/json"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/cloudx-io/batchauction/core"
	"github.com/cloudx-io/batchauction/encryption"
	"github.com/cloudx-io/batchauction/enclaveapi"
)

var encryptBid = cli.Command{
	Name:  "encrypt-bid",
	Usage: "seal the amount out of a bid with a lot public key",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "public-key",
			Usage: "path to the lot public key PEM",
		},
		&cli.StringFlag{
			Name:  "key-response",
			Usage: "key_request response JSON (file path or inline JSON), instead of --public-key",
		},
		&cli.StringFlag{
			Name:     "amount-out",
			Usage:    "minimum amount of the base asset to receive, e.g. 1.5",
			Required: true,
		},
		&cli.UintFlag{
			Name:  "decimals",
			Usage: "decimals of the base asset",
			Value: 18,
		},
	},
	Action: encryptBidAction,
}

func encryptBidAction(ctx *cli.Context) error {
	publicKey, err := readPublicKey(ctx)
	if err != nil {
		return err
	}

	decimals := ctx.Uint("decimals")
	if decimals > uint(core.MaxAssetDecimals) {
		return inputError("Error: decimals must be at most %d", core.MaxAssetDecimals)
	}
	amountOut, err := core.ParseUnits(ctx.String("amount-out"), uint8(decimals))
	if err != nil {
		return inputError("Error parsing amount out: %v", err)
	}
	if amountOut.IsZero() {
		return inputError("Error: amount out must be positive")
	}

	sealed, err := encryption.EncryptAmountOut(publicKey, &amountOut)
	if err != nil {
		return inputError("Error encrypting amount out: %v", err)
	}
	return printJSON(sealed)
}

func readPublicKey(ctx *cli.Context) ([]byte, error) {
	if path := ctx.String("public-key"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, inputError("Error reading public key: %v", err)
		}
		return data, nil
	}
	if input := ctx.String("key-response"); input != "" {
		var resp enclaveapi.KeyResponse
		if err := json.Unmarshal(readJSONInput(input), &resp); err != nil {
			return nil, inputError("Error parsing key response: %v", err)
		}
		if resp.PublicKey == "" {
			return nil, inputError("Error: key response has no public_key")
		}
		return []byte(resp.PublicKey), nil
	}
	return nil, inputError("Error: one of --public-key or --key-response is required")
}
