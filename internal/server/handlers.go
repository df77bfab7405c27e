package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/flowgate/internal/execution"
	"github.com/michaelbrown/flowgate/internal/jobs"
	"github.com/michaelbrown/flowgate/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// writeRequestError maps a body decoding or validation error to 413, 415 or 400.
func writeRequestError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	if errors.Is(err, errUnsupportedMediaType) {
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

// --- Identity ---

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": s.cfg.Identity})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Execution ---

type executeRequest struct {
	Name  string            `json:"name"`
	Files execution.FileSet `json:"files"`
}

// errUnsupportedMediaType is returned for bodies that are neither JSON nor a form.
var errUnsupportedMediaType = errors.New("unsupported media type")

// decodeExecuteRequest accepts a JSON body, a URL-encoded form whose fields
// are named files[<filename>], or a multipart form carrying the same fields
// and uploaded "files" parts keyed by their filename.
func (s *Server) decodeExecuteRequest(r *http.Request) (executeRequest, error) {
	var req executeRequest

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "", "application/json":
		if err := decodeJSON(r, &req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return req, err
			}
			return req, fmt.Errorf("invalid JSON: %w", err)
		}
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return req, err
		}
		req.Name, req.Files = formFiles(r.PostForm)
	case "multipart/form-data":
		if err := r.ParseMultipartForm(s.cfg.MaxBodyBytes); err != nil {
			return req, err
		}
		defer r.MultipartForm.RemoveAll()
		req.Name, req.Files = formFiles(r.PostForm)
		for _, fh := range r.MultipartForm.File["files"] {
			src, err := readPart(fh)
			if err != nil {
				return req, err
			}
			req.Files[fh.Filename] = src
		}
	default:
		return req, fmt.Errorf("%w: %s", errUnsupportedMediaType, mt)
	}

	if err := req.Files.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

func formFiles(form url.Values) (string, execution.FileSet) {
	files := make(execution.FileSet)
	for key, vals := range form {
		if !strings.HasPrefix(key, "files[") || !strings.HasSuffix(key, "]") || len(vals) == 0 {
			continue
		}
		files[key[len("files["):len(key)-1]] = vals[0]
	}
	return form.Get("name"), files
}

func readPart(fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", fh.Filename, err)
	}
	return string(data), nil
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	if s.exec == nil {
		writeError(w, http.StatusServiceUnavailable, "sandbox not configured")
		return
	}

	req, err := s.decodeExecuteRequest(r)
	if err != nil {
		writeRequestError(w, err)
		return
	}

	out, err := s.exec.Execute(r.Context(), req.Files)
	if err != nil {
		if errors.Is(err, execution.ErrInvalidEndpoint) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeRequestError(w, err)
		return
	}
	writeOutcome(w, out)
}

type outcomeError struct {
	Error      string          `json:"error"`
	Kind       execution.Kind  `json:"kind"`
	StatusCode int             `json:"status_code,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// outcomeStatus picks the gateway status for an outcome.
func outcomeStatus(o execution.Outcome) int {
	switch o.Kind {
	case execution.KindSuccess:
		return http.StatusOK
	case execution.KindRemoteError:
		if o.StatusCode >= 400 && o.StatusCode <= 599 {
			return o.StatusCode
		}
		return http.StatusBadGateway
	case execution.KindTransportFailure:
		if o.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

func writeOutcome(w http.ResponseWriter, o execution.Outcome) {
	status := outcomeStatus(o)
	switch o.Kind {
	case execution.KindSuccess:
		writeJSON(w, status, o.Payload)
	case execution.KindRemoteError:
		writeJSON(w, status, outcomeError{
			Error:      fmt.Sprintf("sandbox returned HTTP %d", o.StatusCode),
			Kind:       o.Kind,
			StatusCode: o.StatusCode,
			Details:    o.Body,
		})
	case execution.KindTransportFailure:
		writeJSON(w, status, outcomeError{Error: o.Message, Kind: o.Kind})
	default:
		writeJSON(w, status, outcomeError{
			Error:      "malformed sandbox response: " + o.Message,
			Kind:       o.Kind,
			StatusCode: o.StatusCode,
		})
	}
}

// --- Job handlers ---

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job dispatch not configured")
		return
	}

	req, err := s.decodeExecuteRequest(r)
	if err != nil {
		writeRequestError(w, err)
		return
	}

	job, err := s.jobs.Submit(r.Context(), req.Name, req.Files)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, jobs.ErrShutdown) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	opts := storage.JobListOptions{}

	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = storage.JobStatus(status)
		if !opts.Status.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
			return
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	list, err := s.store.ListJobs(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if list == nil {
		list = []storage.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

// lookupJob resolves the {id} URL param, writing 404, 409 or 500 on failure.
func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (*storage.Job, bool) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, storage.ErrAmbiguous):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return job, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	// Stop dispatch first
	if s.jobs != nil {
		s.jobs.Cancel(job.ID)
	}

	if err := s.store.DeleteJob(r.Context(), job.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	if job.Status.Terminal() || s.jobs == nil || !s.jobs.Cancel(job.ID) {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s", job.Status))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "status": "canceling"})
}
