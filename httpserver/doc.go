/*
Package httpserver exposes the key broker protocol over HTTP.

It serves the two-step background-check flow: a client requests a named
key and receives a one-time attestation challenge, then redeems the
challenge by submitting attestation evidence. Keys are only released
wrapped under the public key the client supplied with its request.

# Endpoints

  - POST /keys/v1/key/{keyid} opens a session. Responds 201 with the
    challenge nonce, the acceptable evidence media types, and a
    Location header naming the evidence-submission resource.
  - POST /keys/v1/evidence/{challengeid} submits evidence. Responds
    200 with the wrapped key, or a problem-details error whose status
    reflects the failure class (client error, attestation denial, or
    verifier infrastructure failure).
  - GET /livez, /readyz, /drain and /undrain are operational endpoints.

The server runs an optional Prometheus metrics listener on a separate
address and an optional pprof mount under /debug.
*/
package httpserver
