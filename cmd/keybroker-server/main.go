package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/veraison/ear"

	"github.com/attestable/keybroker/appraisal"
	"github.com/attestable/keybroker/broker"
	"github.com/attestable/keybroker/challenge"
	"github.com/attestable/keybroker/cmd/flags"
	"github.com/attestable/keybroker/httpserver"
	"github.com/attestable/keybroker/keystore"
	"github.com/attestable/keybroker/refvalues"
	"github.com/attestable/keybroker/verifier"
)

var serverFlags []cli.Flag = append([]cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8088",
		Usage: "address to listen on for the key broker API",
	},
	&cli.StringFlag{
		Name:     "verifier-uri",
		Required: true,
		Usage:    "Veraison challenge-response newSession URI",
	},
	&cli.StringFlag{
		Name:     "ear-verification-key",
		Required: true,
		Usage:    "JWK file holding the verifier's public EAR signing key",
	},
	&cli.StringFlag{
		Name:     "reference-values",
		Required: true,
		Usage:    "JSON file with base64 known-good reference digests",
	},
	&cli.StringSliceFlag{
		Name:  "key",
		Usage: "key to serve, as name:base64-secret (repeatable)",
	},
	&cli.StringFlag{
		Name:  "keys-file",
		Usage: "JSON file with keys to serve",
	},
	&cli.StringSliceFlag{
		Name:  "accept-evidence-type",
		Usage: "evidence media type offered with challenges (repeatable)",
	},
	&cli.StringSliceFlag{
		Name:  "accept-tier",
		Value: cli.NewStringSlice("affirming"),
		Usage: "EAR trust tiers acceptable for every submodule (repeatable)",
	},
	&cli.StringFlag{
		Name:  "measurement-claim",
		Usage: "annotated-evidence claim checked against the reference values; empty disables the check",
	},
	&cli.Int64Flag{
		Name:  "challenge-ttl-seconds",
		Value: 300,
		Usage: "seconds before an unredeemed challenge expires",
	},
	&cli.BoolFlag{
		Name:  "mock-challenge",
		Value: false,
		Usage: "serve the fixed CCA example token nonce instead of a random one (demo only)",
	},
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:  "keybroker-server",
		Usage: "Release named keys to remotely attested clients",
		Flags: serverFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx, "keybroker-server")

			keys := keystore.NewStore()
			for _, spec := range cCtx.StringSlice("key") {
				if err := keys.SetFromSpec(spec); err != nil {
					logger.Error("Invalid --key flag", "err", err)
					return err
				}
			}
			if keysFile := cCtx.String("keys-file"); keysFile != "" {
				f, err := os.Open(keysFile)
				if err != nil {
					logger.Error("Failed to open keys file", "err", err)
					return err
				}
				err = keys.LoadJSON(f)
				f.Close()
				if err != nil {
					logger.Error("Failed to load keys file", "err", err)
					return err
				}
			}
			logger.Info("Key store initialized", "keys", keys.Len())

			refs, err := refvalues.LoadFile(cCtx.String("reference-values"))
			if err != nil {
				logger.Error("Failed to load reference values", "err", err)
				return err
			}
			logger.Info("Reference values loaded", "count", refs.Len())

			var acceptedTiers []ear.TrustTier
			for _, s := range cCtx.StringSlice("accept-tier") {
				tier, err := appraisal.ParseTier(s)
				if err != nil {
					logger.Error("Invalid --accept-tier flag", "err", err)
					return err
				}
				acceptedTiers = append(acceptedTiers, tier)
			}

			keyData, err := os.ReadFile(cCtx.String("ear-verification-key"))
			if err != nil {
				logger.Error("Failed to read EAR verification key", "err", err)
				return err
			}
			earKey, err := verifier.LoadEARVerificationKey(keyData)
			if err != nil {
				logger.Error("Failed to parse EAR verification key", "err", err)
				return err
			}

			veraison, err := verifier.NewVeraison(&verifier.VeraisonConfig{
				NewSessionURI:      cCtx.String("verifier-uri"),
				EARVerificationKey: earKey,
				Log:                logger,
			})
			if err != nil {
				logger.Error("Failed to create verifier client", "err", err)
				return err
			}

			store := challenge.NewStore(challenge.StoreConfig{
				TTL:       time.Duration(cCtx.Int64("challenge-ttl-seconds")) * time.Second,
				MockNonce: cCtx.Bool("mock-challenge"),
			})

			engine, err := broker.New(&broker.Config{
				Store:    store,
				Keys:     keys,
				Verifier: veraison,
				Policy: &appraisal.Policy{
					DefaultTiers:     acceptedTiers,
					MeasurementClaim: cCtx.String("measurement-claim"),
					ReferenceValues:  refs,
				},
				AcceptedEvidenceTypes: cCtx.StringSlice("accept-evidence-type"),
				Log:                   logger,
			})
			if err != nil {
				logger.Error("Failed to create protocol engine", "err", err)
				return err
			}

			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
			server, err := httpserver.New(cfg, httpserver.NewHandler(engine, logger))
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			sweepCtx, cancelSweep := context.WithCancel(context.Background())
			defer cancelSweep()
			go store.RunSweeper(sweepCtx, time.Minute)

			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
