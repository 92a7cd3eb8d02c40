package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/medchain/internal/ir"
	"github.com/roach88/medchain/internal/ledger"
	"github.com/roach88/medchain/internal/verify"
)

type recordRequest struct {
	RecordID string          `json:"record_id,omitempty"`
	Fields   json.RawMessage `json:"fields"`
}

type unlockRequest struct {
	Secret string `json:"secret"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			writeError(w, r, http.StatusServiceUnavailable, CodeUnavailable, "store unreachable", nil)
			return
		}
	}
	writeData(w, r, http.StatusOK, "status", "ok")
}

// canWrite reports whether the caller may submit records. Producers are
// professionals and operators; patients may register themselves.
func canWrite(role ir.Role, subject ir.SubjectID) bool {
	switch role.Kind {
	case ir.RoleProfessional, ir.RoleAdmin:
		return true
	case ir.RolePatient:
		return role.Owns(subject)
	}
	return false
}

func (s *Server) decodeRecord(w http.ResponseWriter, r *http.Request) (recordRequest, ir.IRObject, bool) {
	var req recordRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadJSON, err.Error(), nil)
		return req, nil, false
	}
	fields := req.Fields
	if len(fields) == 0 {
		fields = json.RawMessage("{}")
	}
	payload, err := ir.ParsePayload(fields)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, string(ledger.ErrCodeInvalidPayload), err.Error(), nil)
		return req, nil, false
	}
	return req, payload, true
}

func (s *Server) createGenesis(w http.ResponseWriter, r *http.Request) {
	subject := ir.SubjectID(chi.URLParam(r, "subject"))
	if !canWrite(roleFrom(r), subject) {
		writeError(w, r, http.StatusForbidden, CodeForbidden, "caller may not write records", nil)
		return
	}
	_, payload, ok := s.decodeRecord(w, r)
	if !ok {
		return
	}

	entry, err := s.writer.Genesis(r.Context(), subject, payload)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, "entry", entry)
}

func (s *Server) appendRecord(w http.ResponseWriter, r *http.Request) {
	subject := ir.SubjectID(chi.URLParam(r, "subject"))
	category := ir.Category(chi.URLParam(r, "category"))
	if !canWrite(roleFrom(r), subject) {
		writeError(w, r, http.StatusForbidden, CodeForbidden, "caller may not write records", nil)
		return
	}
	req, payload, ok := s.decodeRecord(w, r)
	if !ok {
		return
	}

	entry, err := s.writer.Append(r.Context(), subject, category, req.RecordID, payload)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, "entry", entry)
}

func (s *Server) unlock(w http.ResponseWriter, r *http.Request) {
	subject := ir.SubjectID(chi.URLParam(r, "subject"))

	var req unlockRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadJSON, err.Error(), nil)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = reasonFrom(r)
	}

	state, err := s.guard.Unlock(r.Context(), s.startSession(w, r), roleFrom(r), subject, req.Secret, reason)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeData(w, r, stateStatus(state), "state", state)
}

func (s *Server) readLane(w http.ResponseWriter, r *http.Request) {
	subject := ir.SubjectID(chi.URLParam(r, "subject"))
	category := ir.Category(chi.URLParam(r, "category"))

	entries, err := s.guard.ReadLane(r.Context(), sessionFrom(r), roleFrom(r), subject, category, reasonFrom(r))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, "entries", entries)
}

func (s *Server) readRecord(w http.ResponseWriter, r *http.Request) {
	subject := ir.SubjectID(chi.URLParam(r, "subject"))
	category := ir.Category(chi.URLParam(r, "category"))
	recordID := chi.URLParam(r, "recordID")

	entry, err := s.guard.ReadRecord(r.Context(), sessionFrom(r), roleFrom(r), subject, category, recordID, reasonFrom(r))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, "entry", entry)
}

func (s *Server) readProfile(w http.ResponseWriter, r *http.Request) {
	subject := ir.SubjectID(chi.URLParam(r, "subject"))

	entries, err := s.guard.ReadProfile(r.Context(), sessionFrom(r), roleFrom(r), subject, reasonFrom(r))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, "entries", entries)
}

func (s *Server) readAudit(w http.ResponseWriter, r *http.Request) {
	subject := ir.SubjectID(chi.URLParam(r, "subject"))

	entries, err := s.guard.ReadAudit(r.Context(), sessionFrom(r), roleFrom(r), subject, reasonFrom(r))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, "audit", entries)
}

func (s *Server) ownerSecret(w http.ResponseWriter, r *http.Request) {
	subject := ir.SubjectID(chi.URLParam(r, "subject"))

	secret, err := s.guard.OwnerSecret(r.Context(), roleFrom(r), subject)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, "genesis_hash", secret)
}

func (s *Server) readEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.guard.ReadEntry(r.Context(), sessionFrom(r), roleFrom(r), chi.URLParam(r, "hash"), reasonFrom(r))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, "entry", entry)
}

func (s *Server) readEntryAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.guard.ReadEntryAudit(r.Context(), sessionFrom(r), roleFrom(r), chi.URLParam(r, "hash"), reasonFrom(r))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, "audit", entries)
}

// verifyResponse is a verification report as served over HTTP.
type verifyResponse struct {
	OK      bool            `json:"ok"`
	Lanes   int             `json:"lanes"`
	Suspect []suspectResult `json:"suspect"`
}

type suspectResult struct {
	verify.Result
	Error string `json:"error"`
}

func newVerifyResponse(report verify.Report) verifyResponse {
	resp := verifyResponse{OK: report.OK(), Lanes: len(report.Results), Suspect: []suspectResult{}}
	for _, res := range report.Suspect() {
		resp.Suspect = append(resp.Suspect, suspectResult{Result: res, Error: res.Err().Error()})
	}
	return resp
}

// operator rejects everyone but admins. Verification and statistics
// expose no payloads but describe the whole ledger.
func operator(w http.ResponseWriter, r *http.Request) bool {
	if !roleFrom(r).Privileged() {
		writeError(w, r, http.StatusForbidden, CodeForbidden, "operator role required", nil)
		return false
	}
	return true
}

func (s *Server) verifyAll(w http.ResponseWriter, r *http.Request) {
	if !operator(w, r) {
		return
	}

	q := r.URL.Query()
	var (
		report verify.Report
		err    error
	)
	if subject := q.Get("subject"); subject != "" {
		report, err = s.verifier.VerifySubject(r.Context(), ir.SubjectID(subject))
	} else {
		report, err = s.verifier.VerifyAll(r.Context(), ir.Category(q.Get("category")))
	}
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, "report", newVerifyResponse(report))
}

func (s *Server) verifyEntry(w http.ResponseWriter, r *http.Request) {
	if !operator(w, r) {
		return
	}

	res, err := s.verifier.VerifyEntry(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, "result", map[string]any{"ok": res.OK(), "lane": res.Lane, "break": res.Break})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if !operator(w, r) {
		return
	}

	st, err := s.writer.Stats(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, "stats", st)
}

// endSession drops the session and every grant it held.
func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	if sess := sessionFrom(r); sess != nil {
		s.sessions.Delete(sess.ID())
	}
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}
