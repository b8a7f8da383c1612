package agent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tinkerbelle-io/tb-shellguard/internal/audit"
)

type principalKey struct{}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

// Health is the /healthz response.
type Health struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Sessions      int    `json:"sessions"`
	PolicyVersion string `json:"policyVersion"`
	AuditEntries  uint64 `json:"auditEntries"`
	AuditHead     string `json:"auditHead"`
}

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{
		Status:        "ok",
		Version:       a.version,
		Sessions:      a.registry.Len(),
		PolicyVersion: a.validator.Version(),
	}
	next, head, err := a.writer.Head(r.Context())
	if err != nil {
		h.Status = "audit-unavailable"
		writeJSON(w, http.StatusServiceUnavailable, h)
		return
	}
	h.AuditEntries, h.AuditHead = next, head
	writeJSON(w, http.StatusOK, h)
}

// requireToken guards the audit endpoints with the same bearer tokens as
// the bridge. Refusals are themselves audited.
func (a *Agent) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Auth.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		var principal string
		for t, p := range a.cfg.Auth.Tokens {
			if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
				principal = p
			}
		}
		if principal == "" {
			if err := a.recordAccess(r, "", audit.AccessDenied, nil, r.URL.Path); err != nil {
				writeError(w, http.StatusServiceUnavailable, "audit unavailable")
				return
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
	})
}

func principalFrom(r *http.Request) string {
	p, _ := r.Context().Value(principalKey{}).(string)
	return p
}

func (a *Agent) recordAccess(r *http.Request, action, result string, seq *uint64, detail string) error {
	if action == "" {
		action = "request"
	}
	_, err := a.writer.Append(r.Context(), audit.Event{Type: audit.EventLogAccess, Payload: audit.AccessPayload{
		Action:     action,
		RemoteAddr: r.RemoteAddr,
		Principal:  principalFrom(r),
		Seq:        seq,
		Result:     result,
		Detail:     detail,
	}})
	return err
}

// handleVerify replays the chain and reports the result. The read is
// audited before the report is returned.
func (a *Agent) handleVerify(w http.ResponseWriter, r *http.Request) {
	rep, err := a.VerifyChain(r.Context())
	if err != nil && rep.OK() {
		a.logger.Error("verify request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "verification failed")
		return
	}
	result, detail := audit.AccessOK, ""
	if !rep.OK() {
		result, detail = audit.AccessIntegrityViolation, rep.Violation.Error()
	}
	if err := a.recordAccess(r, "verify", result, nil, detail); err != nil {
		writeError(w, http.StatusServiceUnavailable, "audit unavailable")
		return
	}
	status := http.StatusOK
	if !rep.OK() {
		status = http.StatusConflict
	}
	writeJSON(w, status, rep)
}

type proofResponse struct {
	Entry audit.Entry       `json:"entry"`
	Proof audit.MerkleProof `json:"proof"`
	Valid bool              `json:"valid"`
}

func (a *Agent) handleProof(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "seq must be a non-negative integer")
		return
	}

	proof, err := audit.ProveMembership(a.store, seq)
	var violation *audit.IntegrityViolation
	status, result, detail := http.StatusOK, audit.AccessOK, ""
	switch {
	case err == nil:
	case errors.Is(err, audit.ErrNotFound):
		status, result = http.StatusNotFound, audit.AccessNotFound
	case errors.Is(err, audit.ErrNotSealed):
		status, result, detail = http.StatusConflict, audit.AccessNotFound, err.Error()
	case errors.As(err, &violation):
		status, result, detail = http.StatusConflict, audit.AccessIntegrityViolation, violation.Error()
	default:
		a.logger.Error("proof request failed", "seq", seq, "error", err)
		writeError(w, http.StatusInternalServerError, "proof failed")
		return
	}

	if err := a.recordAccess(r, "proof", result, &seq, detail); err != nil {
		writeError(w, http.StatusServiceUnavailable, "audit unavailable")
		return
	}
	if status != http.StatusOK {
		msg := detail
		if msg == "" {
			msg = result
		}
		writeError(w, status, msg)
		return
	}

	entry, err := a.store.Get(seq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "proof failed")
		return
	}
	writeJSON(w, http.StatusOK, proofResponse{Entry: entry, Proof: proof, Valid: audit.VerifyProof(entry, proof, proof.Root)})
}
