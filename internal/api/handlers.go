package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/secpipe/internal/model"
	"github.com/sells-group/secpipe/internal/pipeline"
	"github.com/sells-group/secpipe/internal/report"
)

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req pipeline.SubmitRequest
	if !decode(w, r, &req) {
		return
	}
	req.UserID = UserID(r.Context())

	res, rej, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	if rej != nil {
		status := http.StatusRequestEntityTooLarge
		if rej.Error == pipeline.RejectInvalid {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, rej)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, pipeline.RejectInvalid, "limit must be a positive integer")
			return
		}
		limit = n
	}
	status := model.RunStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, pipeline.RejectInvalid, "unknown status "+string(status))
		return
	}

	runs, err := s.svc.ListRuns(r.Context(), UserID(r.Context()), status, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.visible(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.visible(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	all, _ := strconv.ParseBool(r.URL.Query().Get("include_unconfirmed"))
	res, err := s.svc.Records(r.Context(), id, all)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type approvalBody struct {
	RecordIDs []string `json:"record_ids"`
	Decline   bool     `json:"decline"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.visible(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	var body approvalBody
	if !decode(w, r, &body) {
		return
	}

	res, err := s.svc.Approve(r.Context(), pipeline.ApproveRequest{RunID: id, RecordIDs: body.RecordIDs, Decline: body.Decline})
	if err != nil {
		s.fail(w, err)
		return
	}
	switch {
	case res.Accepted:
		writeJSON(w, http.StatusAccepted, res)
	case res.Status == "":
		writeJSON(w, http.StatusBadRequest, res)
	default:
		writeJSON(w, http.StatusConflict, res)
	}
}

func (s *Server) handleRemediations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.visible(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	rems, err := s.svc.Remediations(r.Context(), id, r.URL.Query().Get("record_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rems)
}

func (s *Server) handleSARIF(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.visible(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	exp, err := s.svc.Export(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}

	var buf bytes.Buffer
	if err := report.WriteSARIF(&buf, exp.Run, exp.Records, r.URL.Query().Get("artifact")); err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/sarif+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	base, head := r.URL.Query().Get("base"), r.URL.Query().Get("head")
	if base == "" || head == "" {
		writeError(w, http.StatusBadRequest, pipeline.RejectInvalid, "base and head are required")
		return
	}
	for _, id := range []string{base, head} {
		if _, err := s.visible(r.Context(), id); err != nil {
			s.fail(w, err)
			return
		}
	}
	cmp, err := s.svc.Compare(r.Context(), base, head)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeError(w, http.StatusNotFound, "not_found", "metrics are disabled")
		return
	}
	stale := time.Duration(s.mon.StaleApprovalHours) * time.Hour
	snap, err := s.collector.Collect(r.Context(), s.mon.LookbackHours, stale)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// visible returns the run when the caller may see it. Runs owned by
// another user are reported as missing.
func (s *Server) visible(ctx context.Context, runID string) (*pipeline.StatusResult, error) {
	st, err := s.svc.Status(ctx, runID)
	if err != nil {
		return nil, err
	}
	if user := UserID(ctx); user != "" && st.UserID != user {
		return nil, pipeline.ErrRunNotFound
	}
	return st, nil
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, pipeline.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	zap.L().Error("api: request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			rej := &pipeline.Rejection{
				Error:   pipeline.RejectTooLarge,
				Message: fmt.Sprintf("request body exceeds the maximum of %d bytes; split the input into smaller reviews", tooLarge.Limit),
				Limit:   int(tooLarge.Limit),
				Unit:    "bytes",
			}
			if r.ContentLength > tooLarge.Limit {
				rej.Actual = int(r.ContentLength)
			}
			writeJSON(w, http.StatusRequestEntityTooLarge, rej)
			return false
		}
		writeError(w, http.StatusBadRequest, pipeline.RejectInvalid, "invalid request body")
		return false
	}
	return true
}
