package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/attestable/keybroker/api"
	"github.com/attestable/keybroker/broker"
	"github.com/attestable/keybroker/challenge"
	"github.com/attestable/keybroker/verifier"
	"github.com/attestable/keybroker/wrapping"
)

// Handler processes the key broker protocol requests: key requests,
// which open a challenge, and evidence submissions, which redeem one.
// All protocol decisions live in the broker engine; the handler only
// translates between HTTP and the engine's error taxonomy.
type Handler struct {
	broker *broker.Broker
	log    *slog.Logger
}

// NewHandler creates a new HTTP request handler backed by the given
// protocol engine.
func NewHandler(b *broker.Broker, log *slog.Logger) *Handler {
	return &Handler{broker: b, log: log}
}

// RegisterRoutes attaches the key broker protocol routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/keys/v1/key/{keyid}", h.HandleRequestKey)
	r.Post("/keys/v1/evidence/{challengeid}", h.HandleSubmitEvidence)
}

// HandleRequestKey opens a key-release session.
//
// URL format: POST /keys/v1/key/{keyid}
// The body is a KeyRequest carrying the client's public wrapping key.
//
// Response: 201 Created with a Location header pointing at the
// evidence-submission resource for the new challenge, and an
// AttestationChallenge body with the base64 nonce and the acceptable
// evidence media types.
func (h *Handler) HandleRequestKey(w http.ResponseWriter, r *http.Request) {
	keyName := chi.URLParam(r, "keyid")

	var keyRequest api.KeyRequest
	if err := json.NewDecoder(r.Body).Decode(&keyRequest); err != nil {
		h.writeError(w, http.StatusBadRequest, api.ProblemTypeMalformedRequest, fmt.Sprintf("could not parse key request: %v", err))
		return
	}

	c, err := h.broker.RequestKey(keyName, keyRequest.PubKey)
	if err != nil {
		if errors.Is(err, wrapping.ErrUnsupportedKeyType) || errors.Is(err, wrapping.ErrUnsupportedAlgorithm) {
			h.writeError(w, http.StatusBadRequest, api.ProblemTypeMalformedRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusBadRequest, api.ProblemTypeMalformedRequest, fmt.Sprintf("invalid wrapping key: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", fmt.Sprintf("/keys/v1/evidence/%s", c.ID))
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(api.AttestationChallenge{
		Challenge: base64.StdEncoding.EncodeToString(c.Nonce),
		Accept:    c.AcceptedEvidenceTypes,
	})
}

// HandleSubmitEvidence redeems a challenge with attestation evidence.
//
// URL format: POST /keys/v1/evidence/{challengeid}
// The body holds the raw evidence bytes; the Content-Type header
// declares the evidence media type.
//
// Response: 200 OK with WrappedKeyData on a trusted verdict, or a
// problem-details body with a status matching the failure class.
func (h *Handler) HandleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	challengeID := chi.URLParam(r, "challengeid")
	mediaType := r.Header.Get("Content-Type")

	evidence, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, api.ProblemTypeMalformedRequest, "could not read evidence body")
		return
	}
	if len(evidence) == 0 {
		h.writeError(w, http.StatusBadRequest, api.ProblemTypeMalformedRequest, "evidence body is empty")
		return
	}

	wrapped, err := h.broker.SubmitEvidence(r.Context(), challengeID, evidence, mediaType)
	if err != nil {
		h.writeSubmissionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(api.WrappedKeyData{
		Data: base64.StdEncoding.EncodeToString(wrapped),
	})
}

// writeSubmissionError maps the engine's error taxonomy onto HTTP
// statuses: client errors for malformed or spent challenges, forbidden
// for a rejection (with the redacted detail only), bad gateway for an
// unreachable verifier.
func (h *Handler) writeSubmissionError(w http.ResponseWriter, err error) {
	var rejection *broker.RejectionError

	switch {
	case errors.As(err, &rejection):
		h.writeError(w, http.StatusForbidden, api.ProblemTypeAttestationFailure, rejection.ClientDetail())
	case errors.Is(err, broker.ErrEvidenceMediaType):
		h.writeError(w, http.StatusUnsupportedMediaType, api.ProblemTypeMalformedRequest, err.Error())
	case errors.Is(err, challenge.ErrChallengeNotFound):
		h.writeError(w, http.StatusNotFound, api.ProblemTypeChallengeUnknown, err.Error())
	case errors.Is(err, challenge.ErrChallengeConsumed):
		h.writeError(w, http.StatusGone, api.ProblemTypeChallengeConsumed, err.Error())
	case errors.Is(err, challenge.ErrChallengeExpired):
		h.writeError(w, http.StatusGone, api.ProblemTypeChallengeExpired, err.Error())
	case errors.Is(err, verifier.ErrVerifierUnreachable):
		h.writeError(w, http.StatusBadGateway, api.ProblemTypeVerifierUnreachable, "the attestation verifier could not be reached")
	default:
		h.log.Error("evidence submission failed", "err", err)
		h.writeError(w, http.StatusInternalServerError, api.ProblemTypeMalformedRequest, "internal error")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, problemType, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorInformation{
		Type:   problemType,
		Detail: detail,
	})
}
