package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/edfpipe/edf"
	"github.com/hazyhaar/edfpipe/horosafe"
	"github.com/hazyhaar/edfpipe/kit"
	"github.com/hazyhaar/edfpipe/observability"
	"github.com/hazyhaar/edfpipe/orchestrator"
	"github.com/hazyhaar/edfpipe/processor"
	"github.com/hazyhaar/edfpipe/session"
	"github.com/hazyhaar/edfpipe/shield"
	"github.com/hazyhaar/edfpipe/trace"
)

// multipartMemory is the part of a multipart body kept in memory; the rest
// spills to temp files.
const multipartMemory = 32 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// session returns the caller's session ID, minting the cookie when absent
// or malformed.
func (s *Server) session(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(s.opts.CookieName); err == nil && horosafe.ValidateIdentifier(c.Value) == nil {
		return c.Value
	}
	id := s.opts.NewSessionID()
	http.SetCookie(w, &http.Cookie{
		Name:     s.opts.CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// existingSession returns the caller's session ID without minting one.
func (s *Server) existingSession(r *http.Request) string {
	c, err := r.Cookie(s.opts.CookieName)
	if err != nil || horosafe.ValidateIdentifier(c.Value) != nil {
		return ""
	}
	return c.Value
}

// uploadID reads file_id, or its alias upload_id, from the form or query.
func uploadID(r *http.Request) string {
	if v := strings.TrimSpace(r.FormValue("file_id")); v != "" {
		return v
	}
	return strings.TrimSpace(r.FormValue("upload_id"))
}

func intField(r *http.Request, name string, def int) (int, error) {
	v := strings.TrimSpace(r.FormValue(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadRequest, name)
	}
	return n, nil
}

func channelsBody(sel edf.Selection) map[string]any {
	return map[string]any{
		edf.CategoryEEG:    sel[edf.CategoryEEG],
		edf.CategoryEOG:    sel[edf.CategoryEOG],
		edf.CategoryEMG:    sel[edf.CategoryEMG],
		edf.CategoryOthers: sel[edf.CategoryOthers],
	}
}

func (s *Server) handleChunk(action orchestrator.FinalAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			s.fail(w, r, err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		id := uploadID(r)
		if id == "" {
			s.fail(w, r, fmt.Errorf("%w: file_id is required", errBadRequest))
			return
		}
		index, err := intField(r, "chunk_index", 0)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		total, err := intField(r, "total_chunks", 1)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		file, hdr, err := r.FormFile("edf_file")
		if err != nil {
			s.fail(w, r, fmt.Errorf("%w: no edf_file part in the request", errBadRequest))
			return
		}
		defer file.Close()

		name := strings.TrimSpace(r.FormValue("original_filename"))
		if name == "" {
			name = hdr.Filename
		}
		var sessionID string
		if action == orchestrator.ActionProcess {
			sessionID = s.session(w, r)
		}

		ctx := r.Context()
		if sessionID != "" {
			ctx = kit.WithSessionID(ctx, sessionID)
		}
		res, err := s.orch.ReceiveChunk(ctx, orchestrator.Chunk{
			UploadID:     id,
			Index:        index,
			Total:        total,
			OriginalName: name,
			Body:         file,
			Action:       action,
			SessionID:    sessionID,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}

		if !res.IsFinal {
			writeJSON(w, http.StatusOK, map[string]any{
				"success":  true,
				"progress": res.Percent,
				"message":  fmt.Sprintf("Chunk %d uploaded successfully.", index+1),
			})
			return
		}

		body := map[string]any{"success": true, "filepath": res.FinalPath, "progress": res.Percent}
		switch action {
		case orchestrator.ActionStore:
			body["message"] = "File assembled successfully. Ready for parsing."
		case orchestrator.ActionParse:
			for k, v := range channelsBody(res.Channels) {
				body[k] = v
			}
			body["message"] = "File processed successfully. Please select channels."
		case orchestrator.ActionProcess:
			for k, v := range channelsBody(res.Channels) {
				body[k] = v
			}
			body["job_id"] = res.JobID
			body["redirect"] = "/processing"
			body["message"] = "File assembled and queued for processing."
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	id := uploadID(r)
	if id == "" {
		s.fail(w, r, fmt.Errorf("%w: file_id is required", errBadRequest))
		return
	}
	res, err := s.orch.Parse(kit.WithUploadID(r.Context(), id), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	body := channelsBody(res.Channels)
	body["success"] = true
	body["filepath"] = res.FinalPath
	body["message"] = "File parsed successfully."
	writeJSON(w, http.StatusOK, body)
}

// handleParseComplete answers 202 until the upload is assembled, then the
// categorised channels.
func (s *Server) handleParseComplete(w http.ResponseWriter, r *http.Request) {
	id := uploadID(r)
	if id == "" {
		s.fail(w, r, fmt.Errorf("%w: file_id is required", errBadRequest))
		return
	}
	res, err := s.orch.Parse(r.Context(), id)
	if errors.Is(err, orchestrator.ErrNotAssembled) {
		writeJSON(w, http.StatusAccepted, map[string]any{"error": "File not yet assembled or analyzed"})
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	body := channelsBody(res.Channels)
	body["filepath"] = res.FinalPath
	writeJSON(w, http.StatusOK, body)
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSpace(r.FormValue("filepath"))
	if path == "" {
		s.fail(w, r, fmt.Errorf("%w: filepath is required", errBadRequest))
		return
	}
	sessionID := s.session(w, r)
	ctx := kit.WithSessionID(r.Context(), sessionID)
	sub, err := s.orch.Submit(ctx, orchestrator.SubmitRequest{
		SessionID: sessionID,
		FinalPath: path,
		Selection: strings.TrimSpace(r.FormValue("selected_channels")),
		UploadID:  uploadID(r),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if wantsJSON(r) {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success":  true,
			"job_id":   sub.JobID,
			"filename": sub.Filename,
			"created":  sub.Created,
			"redirect": "/processing",
		})
		return
	}
	http.Redirect(w, r, "/processing", http.StatusSeeOther)
}

type processingResponse struct {
	Jobs        []session.JobStatus `json:"jobs"`
	AllFinished bool                `json:"all_finished"`
	Redirect    string              `json:"redirect,omitempty"`
}

func (s *Server) handleProcessing(w http.ResponseWriter, r *http.Request) {
	resp := processingResponse{Jobs: []session.JobStatus{}}
	sessionID := s.existingSession(r)
	if sessionID != "" {
		ctx := kit.WithSessionID(r.Context(), sessionID)
		statuses, done, err := s.orch.Poll(ctx, sessionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp.Jobs, resp.AllFinished = statuses, done
	}
	if resp.AllFinished {
		resp.Redirect = "/results"
	}
	writeJSON(w, http.StatusOK, resp)
}

type resultLink struct {
	Filename string `json:"filename"`
	JobID    string `json:"job_id"`
	PDFURL   string `json:"pdf_url"`
	CSVURL   string `json:"csv_url"`
}

func downloadURL(name string) string { return "/download/" + url.PathEscape(name) }

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	links := []resultLink{}
	if sessionID := s.existingSession(r); sessionID != "" {
		entries, err := s.orch.Entries(r.Context(), sessionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		for _, e := range entries {
			plot, table := processor.ArtifactNames(e.Filename)
			links = append(links, resultLink{
				Filename: e.Filename,
				JobID:    e.JobID,
				PDFURL:   downloadURL(plot),
				CSVURL:   downloadURL(table),
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": links})
}

func (s *Server) handleUploadProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "file_id")
	rec, err := s.orch.Progress(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": rec.Percent})
}

func (s *Server) handleProgressStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("file_id"))
	rec, err := s.orch.Progress(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	path, err := horosafe.SafeFile(s.opts.ProcessedDir, name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		shield.WriteError(w, http.StatusNotFound, "not_found", "file not found")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	if shield.IsHead(r.Context()) {
		if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
		w.WriteHeader(http.StatusOK)
		return
	}
	http.ServeFile(w, r, path)
}

type healthResponse struct {
	Status string                         `json:"status"`
	Queue  any                            `json:"queue"`
	Worker *observability.HeartbeatStatus `json:"worker"`
	SQL    trace.Stats                    `json:"sql"`
}

// handleHealth reports queue depth and the latest worker heartbeat. A
// missing or stale heartbeat degrades the status but still answers 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := healthResponse{Status: "ok", SQL: trace.Snapshot()}
	if s.opts.Queue != nil {
		st, err := s.opts.Queue.Stats(ctx)
		if err != nil {
			shield.GetLogger(ctx).Warn("healthz: queue stats", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
			return
		}
		resp.Queue = st
	}
	if s.opts.DB != nil && s.opts.WorkerName != "" {
		hb, err := observability.LatestHeartbeat(ctx, s.opts.DB, s.opts.WorkerName, s.opts.HeartbeatStale)
		if err != nil {
			shield.GetLogger(ctx).Warn("healthz: heartbeat lookup", "error", err)
		}
		resp.Worker = hb
		if hb == nil || !hb.Alive {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
