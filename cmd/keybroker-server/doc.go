// Package main (cmd/keybroker-server) implements the key broker server.
//
// The key broker releases named secret keys to remote clients, but only
// after the client proves, through a remote-attestation challenge, that
// it runs on trustworthy hardware and software. A client requests a key
// and receives a one-time challenge nonce; it must embed that nonce in
// signed attestation evidence and submit the evidence back. The broker
// forwards the evidence to a Veraison verification service, appraises
// the signed attestation result against the configured trust-tier
// policy and reference values, and on a positive verdict returns the
// key encrypted under the public wrapping key the client supplied.
//
// Keys are configured at startup via repeated --key name:base64 flags
// or a --keys-file JSON document; there is no persistent key storage.
// The reference values file is required and must hold at least one
// base64 32-byte digest.
//
// The server implements graceful shutdown on termination signals
// (SIGINT/SIGTERM) and supports health checks, Prometheus metrics, and
// optional profiling endpoints.
//
// Example usage:
//
//	keybroker-server --listen-addr=0.0.0.0:8088 \
//	    --verifier-uri=https://veraison.example/challenge-response/v1/newSession \
//	    --ear-verification-key=./ear-key.jwk \
//	    --reference-values=./reference-values.json \
//	    --key=skywalker:TWF5IHRoZSBmb3JjZSBiZSB3aXRoIHlvdS4=
package main
