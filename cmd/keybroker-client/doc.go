// Package main (cmd/keybroker-client) implements the attester-side CLI.
//
// The client requests a named key from a key broker: it generates an
// ephemeral RSA wrapping keypair, submits the key request, produces
// attestation evidence embedding the returned challenge nonce, submits
// the evidence, and unwraps the released key with the private half of
// the keypair.
//
// Evidence comes from a real TDX quote by default, or from a mock
// example token with --mock-evidence for deployments without
// attestation hardware.
//
// Exit codes: 0 on success, 1 on a genuine attestation denial, 2 on
// any other failure (connectivity, crypto, protocol).
package main
