package main

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/cloudx-io/batchauction/validation"
)

const (
	exitInvalid = 1
	exitError   = 2
)

// plainFormatter writes the bare message, without timestamps or levels, which is
// appropriate for CLI output.
type plainFormatter struct{}

func (plainFormatter) Format(entry *log.Entry) ([]byte, error) {
	return []byte(entry.Message + "\n"), nil
}

var logger = newLogger()

func newLogger() *log.Logger {
	l := log.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(plainFormatter{})
	return l
}

var (
	formatFlag = cli.StringFlag{
		Name:  "format",
		Usage: "output format: text or json",
		Value: "text",
	}

	pcrsFlag = cli.StringFlag{
		Name:  "pcrs",
		Usage: "path to a JSON file of known PCR sets; PCRs are not checked without it",
	}

	rootFlag = cli.StringFlag{
		Name:  "root",
		Usage: "path to a PEM root certificate to trust instead of the AWS Nitro root",
	}
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "batchctl"
	app.Version = "0.1.0"
	app.Usage = "Seal bids for and verify attestations of the batch auction enclave"
	app.Commands = append(
		app.Commands,
		&encryptBid,
		&validateSettlement,
		&validateKey,
	)
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
}

// validationOptions builds the verifier options from --pcrs and --root.
func validationOptions(ctx *cli.Context) (validation.Options, error) {
	var opts validation.Options
	if path := ctx.String(pcrsFlag.Name); path != "" {
		sets, err := validation.LoadPCRsFromFile(path)
		if err != nil {
			return opts, err
		}
		opts.PCRSets = sets
	}
	if path := ctx.String(rootFlag.Name); path != "" {
		pemBytes, err := os.ReadFile(path)
		if err != nil {
			return opts, fmt.Errorf("failed to read root certificate: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pemBytes) {
			return opts, fmt.Errorf("no certificate found in %s", path)
		}
		opts.Roots = roots
	}
	return opts, nil
}

// readJSONInput accepts a file path or inline JSON.
func readJSONInput(input string) []byte {
	if data, err := os.ReadFile(input); err == nil {
		return data
	}
	return []byte(input)
}

func inputError(format string, args ...any) error {
	return cli.Exit(fmt.Sprintf(format, args...), exitError)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return inputError("Error marshaling JSON: %v", err)
	}
	logger.Info(string(data))
	return nil
}

func printSummary(title string, valid bool, rows [][2]string, details []string) {
	logger.Info(title)
	logger.Info("=============================")
	logger.Info("")
	logger.Info("Validation Details:")
	for _, d := range details {
		logger.Info("  - " + d)
	}
	logger.Info("")
	logger.Info("Summary:")
	for _, row := range rows {
		logger.Info(fmt.Sprintf("  %-22s %s", row[0]+":", row[1]))
	}
	logger.Info("")
	logger.Info("=============================")
	if valid {
		logger.Info("VALIDATION: PASSED")
	} else {
		logger.Info("VALIDATION: FAILED")
	}
}

// finish maps a validation outcome to the exit code.
func finish(valid bool) error {
	if valid {
		return nil
	}
	return cli.Exit("", exitInvalid)
}
