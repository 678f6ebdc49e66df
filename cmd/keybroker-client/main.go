package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/attestable/keybroker/client"
	"github.com/attestable/keybroker/cmd/flags"
	"github.com/attestable/keybroker/wrapping"
)

var clientFlags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "endpoint",
		Value: "http://127.0.0.1:8088",
		Usage: "key broker endpoint to request a key from",
	},
	&cli.BoolFlag{
		Name:  "mock-evidence",
		Value: false,
		Usage: "submit a mock example token instead of a TDX quote",
	},
	&cli.StringFlag{
		Name:  "mock-measurement",
		Usage: "base64 32-byte measurement embedded in the mock example token",
	},
	flags.LogJsonFlag,
	flags.LogDebugFlag,
}

func main() {
	app := &cli.App{
		Name:      "keybroker-client",
		Usage:     "Request a key from a key broker by attesting this platform",
		ArgsUsage: "<key-name>",
		Flags:     clientFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx, "keybroker-client")

			keyName := cCtx.Args().First()
			if keyName == "" {
				return cli.Exit("a key name argument is required", 2)
			}

			var producer client.EvidenceProducer
			if cCtx.Bool("mock-evidence") {
				measurement, err := base64.StdEncoding.DecodeString(cCtx.String("mock-measurement"))
				if err != nil {
					return cli.Exit(fmt.Sprintf("invalid mock-measurement: %v", err), 2)
				}
				producer = &client.ExampleTokenProducer{Measurement: measurement}
			} else {
				producer = client.TDXQuoteProducer{}
			}

			kbc := client.NewKeyBrokerClient(cCtx.String("endpoint"), logger)
			key, err := kbc.GetKey(context.Background(), keyName, producer)

			// Exit code contract: 0 on success, 1 on a genuine
			// attestation denial, 2 on any runtime failure.
			var denial *client.AttestationFailedError
			switch {
			case err == nil:
				logger.Info("Attestation success! Key released by the broker", "key", string(key))
				wrapping.Zeroize(key)
				return nil
			case errors.As(err, &denial):
				logger.Info("Attestation failure", "detail", denial.Detail, "type", denial.Type)
				return cli.Exit("", 1)
			default:
				logger.Error("The key request failed", "err", err)
				return cli.Exit("", 2)
			}
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 2
}
