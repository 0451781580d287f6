package server

import (
	"errors"
	"net/http"

	"github.com/hazyhaar/edfpipe/assembler"
	"github.com/hazyhaar/edfpipe/chunkstore"
	"github.com/hazyhaar/edfpipe/edf"
	"github.com/hazyhaar/edfpipe/horosafe"
	"github.com/hazyhaar/edfpipe/orchestrator"
	"github.com/hazyhaar/edfpipe/shield"
)

// errBadRequest marks malformed form input.
var errBadRequest = errors.New("bad request")

type apiError struct {
	status int
	code   string
	msg    string
}

// classify maps pipeline errors to their HTTP form. Server-side failures get
// a fixed message; the cause goes to the log only.
func classify(err error) apiError {
	var cwe *chunkstore.ChunkWriteError
	var inc *assembler.IncompleteUploadError
	switch {
	case shield.IsTooLarge(err):
		return apiError{http.StatusRequestEntityTooLarge, "too_large", "request body too large"}
	case errors.Is(err, errBadRequest), errors.Is(err, orchestrator.ErrInvalidChunk), errors.Is(err, http.ErrNotMultipart), errors.Is(err, http.ErrMissingFile):
		return apiError{http.StatusBadRequest, "bad_request", err.Error()}
	case errors.Is(err, horosafe.ErrPathTraversal):
		return apiError{http.StatusBadRequest, "path_traversal", "path outside the upload directory"}
	case errors.Is(err, orchestrator.ErrInvalidSelection):
		return apiError{http.StatusBadRequest, "invalid_selection", err.Error()}
	case errors.Is(err, orchestrator.ErrNotAssembled):
		return apiError{http.StatusBadRequest, "not_assembled", "Filepath not found. Ensure the file is assembled."}
	case errors.Is(err, chunkstore.ErrTotalMismatch):
		return apiError{http.StatusConflict, "total_mismatch", err.Error()}
	case errors.As(err, &inc):
		return apiError{http.StatusConflict, "incomplete_upload", inc.Error()}
	case errors.As(err, &cwe):
		return apiError{http.StatusInternalServerError, "chunk_write_failed", "Error storing chunk"}
	case errors.Is(err, edf.ErrNotEDF):
		return apiError{http.StatusInternalServerError, "parse_failed", "Error parsing EDF file"}
	case errors.Is(err, orchestrator.ErrEnqueueFailed):
		return apiError{http.StatusInternalServerError, "enqueue_failed", "Failed to start processing"}
	default:
		return apiError{http.StatusInternalServerError, "internal", "internal error"}
	}
}

// fail logs err at a level matching its class and writes the error body.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	e := classify(err)
	log := shield.GetLogger(r.Context())
	if e.status >= 500 {
		log.Error("request failed", "code", e.code, "error", err)
	} else {
		log.Info("request rejected", "code", e.code, "error", err)
	}
	shield.WriteError(w, e.status, e.code, e.msg)
}
