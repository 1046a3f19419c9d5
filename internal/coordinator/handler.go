// Package coordinator wires the queue, version, objects, pipeline, and bulk
// engines into the HTTP surface described in spec.md §6: the worker
// protocol and the public read API, following the teacher's
// handler-defers-to-controller layering (handler.go/controller.go).
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/textvault/coordinator/internal/apperr"
	"github.com/textvault/coordinator/internal/bulk"
	"github.com/textvault/coordinator/internal/logging"
	"github.com/textvault/coordinator/internal/objects"
	"github.com/textvault/coordinator/internal/pipeline"
	"github.com/textvault/coordinator/internal/queue"
	"github.com/textvault/coordinator/internal/store"
	"github.com/textvault/coordinator/internal/version"
)

// Handler is our HTTP handler. It defers all domain work to the engines and
// handles muxing, decoding, and response shaping.
type Handler struct {
	Queue    *queue.Queue
	Version  *version.Engine
	Objects  *objects.Engine
	Pipeline *pipeline.Pipeline
	Bulk     *bulk.Exporter
	Store    *store.Store

	AdminToken string
}

// NewRouter assembles the chi router: the worker protocol behind admin
// auth, the public API in the open, and request logging around both. The
// rest of the middleware stack (request coalescing, body-size limiting,
// slash normalization, request IDs, panic recovery) is applied by
// cmd/coordinatord around the returned handler.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Route("/", func(r chi.Router) {
		r.Use(adminToken(h.AdminToken))
		r.Post("/request_job", h.requestJob)
		r.Post("/job_fail", h.jobFail)
		r.Post("/submit_job", h.submitJob)
		r.Post("/submit_object", h.submitObject)
		r.Post("/submit_work", h.submitWork)
	})

	r.Post("/report_work", h.reportWork)
	r.Get("/work_exists/{work_id}", h.workExists)
	r.Get("/job_status", h.jobStatus)
	r.Get("/works/{work_id}", h.getWork)
	r.Get("/objects/{obj_id}", h.getObject)
	r.Post("/works/dl/bulk_prepare", h.bulkPrepare)
	r.Get("/works/dl/bulk_dl/{dl_id}", h.bulkDownload)

	return requestlogger{}.Wrap(r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigStd.NewEncoder(w).Encode(v)
}

func (*Handler) error(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		status = appErr.Status()
	}
	writeJSON(w, status, map[string]string{"status": err.Error()})
}

// --- worker protocol ---

type jobRequest struct {
	ClientName string `json:"client_name"`
}

func (h *Handler) requestJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(&req); err != nil {
		h.error(w, fmt.Errorf("%w: %w", apperr.New(apperr.InvalidFormat, "malformed request body"), err))
		return
	}
	if req.ClientName == "" {
		req.ClientName = "Unknown"
	}

	order, err := h.Queue.Lease(r.Context(), req.ClientName)
	if err != nil {
		h.error(w, err)
		return
	}
	if order == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "queue empty"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "job assigned",
		"dispatch_id": order.DispatchID,
		"job_id":      order.JobID,
		"work_id":     order.WorkID,
		"work_format": order.FileFormat,
		"report_code": order.ReportCode,
		"updated":     order.UpdatedTime,
		"get_img":     order.GetImg,
	})
}

type jobFailRequest struct {
	DispatchID int64 `json:"dispatch_id"`
	FailStatus int32 `json:"fail_status"`
	ReportCode int32 `json:"report_code"`
}

func (h *Handler) jobFail(w http.ResponseWriter, r *http.Request) {
	var req jobFailRequest
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(&req); err != nil {
		h.error(w, fmt.Errorf("%w: %w", apperr.New(apperr.InvalidFormat, "malformed request body"), err))
		return
	}

	if err := h.Queue.ReportFailure(r.Context(), req.DispatchID, req.FailStatus, req.ReportCode); err != nil {
		h.error(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// maxUploadBytes bounds multipart work/object uploads accepted in memory
// before spilling to temp files, matching net/http's multipart defaults.
const maxUploadBytes = 32 << 20

func (h *Handler) submitJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.error(w, fmt.Errorf("%w: %w", apperr.New(apperr.InvalidFormat, "malformed multipart body"), err))
		return
	}

	dispatchID, err := strconv.ParseInt(r.FormValue("dispatch_id"), 10, 64)
	if err != nil {
		h.error(w, apperr.New(apperr.InvalidFormat, "dispatch_id must be an integer"))
		return
	}
	reportCode64, err := strconv.ParseInt(r.FormValue("report_code"), 10, 32)
	if err != nil {
		h.error(w, apperr.New(apperr.InvalidFormat, "report_code must be an integer"))
		return
	}

	file, _, err := r.FormFile("work")
	if err != nil {
		h.error(w, apperr.New(apperr.InvalidFormat, "missing work file"))
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		h.error(w, fmt.Errorf("reading uploaded work: %w", err))
		return
	}

	result, err := h.Pipeline.SubmitJob(r.Context(), dispatchID, int32(reportCode64), raw, r.RemoteAddr)
	if err != nil {
		h.error(w, err)
		return
	}

	unfetched := make([]map[string]any, 0, len(result.Unfetched))
	for _, u := range result.Unfetched {
		unfetched = append(unfetched, map[string]any{
			"object_id":   u.ObjectID,
			"request_url": u.RequestURL,
			"stalled":     u.Stalled,
		})
	}

	status := "ok"
	if result.FoundAsDuplicate {
		status = "duplicate"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            status,
		"unfetched_objects": unfetched,
	})
}

func (h *Handler) submitObject(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.error(w, fmt.Errorf("%w: %w", apperr.New(apperr.InvalidFormat, "malformed multipart body"), err))
		return
	}

	objectID, err := strconv.ParseInt(r.FormValue("object_id"), 10, 64)
	if err != nil {
		h.error(w, apperr.New(apperr.InvalidFormat, "object_id must be an integer"))
		return
	}
	etag := r.FormValue("etag")
	mimetype := r.FormValue("mimetype")

	file, _, err := r.FormFile("object_file")
	if err != nil {
		h.error(w, apperr.New(apperr.InvalidFormat, "missing object_file"))
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		h.error(w, fmt.Errorf("reading uploaded object: %w", err))
		return
	}

	err = h.Store.WithTx(r.Context(), func(ctx context.Context, tx pgx.Tx) error {
		return h.Objects.Submit(ctx, tx, objectID, payload, etag, mimetype)
	})
	if err != nil {
		h.error(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) submitWork(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.error(w, fmt.Errorf("%w: %w", apperr.New(apperr.InvalidFormat, "malformed multipart body"), err))
		return
	}

	workID, err := strconv.ParseInt(r.FormValue("work_id"), 10, 64)
	if err != nil {
		h.error(w, apperr.New(apperr.InvalidFormat, "work_id must be an integer"))
		return
	}
	updatedTime, err := strconv.ParseInt(r.FormValue("updated_time"), 10, 64)
	if err != nil {
		h.error(w, apperr.New(apperr.InvalidFormat, "updated_time must be an integer"))
		return
	}
	format := store.Format(r.FormValue("file_format"))
	requesterID := r.FormValue("requester_id")

	file, _, err := r.FormFile("work")
	if err != nil {
		h.error(w, apperr.New(apperr.InvalidFormat, "missing work file"))
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		h.error(w, fmt.Errorf("reading uploaded work: %w", err))
		return
	}

	if !store.ValidFormats[format] {
		h.error(w, apperr.New(apperr.InvalidFormat, "%q is not a valid format", format))
		return
	}

	_, err = h.Pipeline.SideloadSubmit(r.Context(), workID, raw, format, updatedTime, requesterID, nil, nil)
	if apperr.Is(err, apperr.DuplicateDetected) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	if err != nil {
		h.error(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- public read API ---

type reportWorkRequest struct {
	WorkID      int64   `json:"work_id"`
	UpdatedTime int64   `json:"updated_time"`
	Format      string  `json:"format"`
	Reporter    string  `json:"reporter"`
	Title       *string `json:"title"`
	Author      *string `json:"author"`
}

func (h *Handler) reportWork(w http.ResponseWriter, r *http.Request) {
	var req reportWorkRequest
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(&req); err != nil {
		h.error(w, fmt.Errorf("%w: %w", apperr.New(apperr.InvalidFormat, "malformed request body"), err))
		return
	}
	if req.Reporter == "" {
		req.Reporter = "Unknown"
	}

	jobID, err := h.Queue.Admit(r.Context(), req.WorkID, req.UpdatedTime, store.Format(req.Format), req.Reporter, req.Title, req.Author)
	if err != nil {
		h.error(w, err)
		return
	}
	if jobID == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already fetched"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "queued", "job_id": *jobID})
}

func (h *Handler) workExists(w http.ResponseWriter, r *http.Request) {
	workID, err := strconv.ParseInt(chi.URLParam(r, "work_id"), 10, 64)
	if err != nil {
		h.error(w, apperr.New(apperr.InvalidFormat, "work_id must be an integer"))
		return
	}

	exists, err := h.Store.Exists(r.Context(), workID)
	if err != nil {
		h.error(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

func (h *Handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(r.URL.Query().Get("job_id"), 10, 64)
	if err != nil {
		h.error(w, apperr.New(apperr.InvalidFormat, "job_id must be an integer"))
		return
	}

	status, err := h.Queue.Status(r.Context(), jobID)
	if err != nil {
		h.error(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "job_id": jobID})
}

func (h *Handler) getWork(w http.ResponseWriter, r *http.Request) {
	workID, err := strconv.ParseInt(chi.URLParam(r, "work_id"), 10, 64)
	if err != nil {
		h.error(w, apperr.New(apperr.InvalidFormat, "work_id must be an integer"))
		return
	}

	if versionParam := r.URL.Query().Get("version"); versionParam != "" {
		storageID, err := strconv.ParseInt(versionParam, 10, 64)
		if err != nil {
			h.error(w, apperr.New(apperr.InvalidFormat, "version must be an integer"))
			return
		}
		reconstructed, err := h.Version.Reconstruct(r.Context(), storageID)
		if err != nil {
			h.error(w, err)
			return
		}
		w.Header().Set("Content-Type", store.FormatMimetypes[reconstructed.Entry.FileFormat])
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(reconstructed.Bytes)
		return
	}

	history, err := h.Store.HistoryAll(r.Context(), workID)
	if err != nil {
		h.error(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) getObject(w http.ResponseWriter, r *http.Request) {
	objectID, err := strconv.ParseInt(chi.URLParam(r, "obj_id"), 10, 64)
	if err != nil {
		h.error(w, apperr.New(apperr.InvalidFormat, "obj_id must be an integer"))
		return
	}

	data, mimetype, err := h.Objects.Fetch(r.Context(), objectID)
	if err != nil {
		h.error(w, err)
		return
	}
	w.Header().Set("Content-Type", mimetype)
	w.Header().Set("Cache-Control", "max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) bulkPrepare(w http.ResponseWriter, r *http.Request) {
	var entries []store.BulkEntry
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(&entries); err != nil {
		h.error(w, fmt.Errorf("%w: %w", apperr.New(apperr.InvalidFormat, "malformed request body"), err))
		return
	}

	dlID, err := h.Bulk.Prepare(r.Context(), entries)
	if err != nil {
		h.error(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"dl_id": dlID})
}

func (h *Handler) bulkDownload(w http.ResponseWriter, r *http.Request) {
	dlID := chi.URLParam(r, "dl_id")

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="works.zip"`)
	w.WriteHeader(http.StatusOK)

	if err := h.Bulk.Stream(r.Context(), w, dlID); err != nil {
		// Headers are already written; nothing more we can do but log.
		logging.Log(r.Context()).Warn("bulk download failed", "dl_id", dlID, "err", err)
	}
}
