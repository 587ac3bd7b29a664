package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"unicode/utf8"

	"extract-bench/internal/dispatcher"
	"extract-bench/internal/engine"
	"extract-bench/internal/ingest"
	"extract-bench/internal/model"
	"extract-bench/internal/normalize"
	"extract-bench/internal/poller"
	"extract-bench/internal/storage"
)

// Store 抽象存储接口。
type Store interface {
	GetDocument(ctx context.Context, uuid string) (*model.Document, error)
	ListDocuments(ctx context.Context, projectUUID string) ([]model.Document, error)
	DeleteDocument(ctx context.Context, uuid string) error
	ListJobs(ctx context.Context, documentUUID string, opts storage.JobQueryOptions) ([]model.ExtractionJob, error)
	GetJob(ctx context.Context, uuid string) (*model.ExtractionJob, error)
	ListPages(ctx context.Context, jobUUID string) ([]model.PageContent, error)
	GetPage(ctx context.Context, jobUUID string, pageNumber int) (*model.PageContent, error)
	CreateAnnotation(ctx context.Context, a *model.Annotation) error
	ListAnnotations(ctx context.Context, jobUUID string, pageNumber *int) ([]model.Annotation, error)
	DeleteAnnotation(ctx context.Context, uuid string) error
	UpsertFeedback(ctx context.Context, f *model.Feedback) error
	PageRatingSummary(ctx context.Context, jobUUID string, pageNumber int, userName string) (storage.RatingSummary, error)
}

// JobService 抽象任务提交与重试。
type JobService interface {
	Submit(ctx context.Context, documentUUID string, engineIDs []string, requestedBy string) (dispatcher.SubmitResult, error)
	Retry(ctx context.Context, jobUUID string) error
}

// Uploader 抽象批量上传入口。
type Uploader interface {
	Upload(ctx context.Context, projectUUID string, files []ingest.IncomingFile, engineIDs []string, uploadedBy string) (ingest.Result, error)
}

// EngineCatalog 暴露可用引擎元数据。
type EngineCatalog interface {
	Categories(inputType model.InputType) []engine.CategoryGroup
}

// StatusTracker 管理按文档维度的状态轮询会话。
type StatusTracker interface {
	Track(documentUUID string, opts storage.JobQueryOptions)
	Status(documentUUID string) (poller.WatchStatus, bool)
	Poke(documentUUID string)
	Stop(documentUUID string)
}

const maxUploadMemory = 32 << 20

// NewHandler 构造 HTTP 多路复用器。
func NewHandler(store Store, jobs JobService, uploader Uploader, engines EngineCatalog, tracker StatusTracker) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// 按输入类型列出可用引擎，前端按类别分组展示。
	mux.HandleFunc("GET /api/extractors", func(w http.ResponseWriter, r *http.Request) {
		fileType := model.InputType(r.URL.Query().Get("file_type"))
		if fileType == "" {
			fileType = model.InputPDF
		}
		if fileType != model.InputPDF && fileType != model.InputImage {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown file_type %s", fileType))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"file_type":  fileType,
			"categories": engines.Categories(fileType),
		})
	})

	mux.HandleFunc("POST /api/projects/{project}/upload-multiple", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart form: %w", err))
			return
		}
		var files []ingest.IncomingFile
		for _, fh := range r.MultipartForm.File["files"] {
			f, err := fh.Open()
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("open %s: %w", fh.Filename, err))
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("read %s: %w", fh.Filename, err))
				return
			}
			files = append(files, ingest.IncomingFile{Filename: fh.Filename, Data: data})
		}
		if len(files) == 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("no files provided"))
			return
		}

		res, err := uploader.Upload(r.Context(), r.PathValue("project"), files,
			r.MultipartForm.Value["selected_extractors"], r.FormValue("owner_name"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		status := http.StatusOK
		message := fmt.Sprintf("%d of %d files uploaded", len(res.DocumentUUIDs), len(files))
		if len(res.DocumentUUIDs) == 0 {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]any{
			"message":        message,
			"document_uuids": res.DocumentUUIDs,
			"failed_uploads": res.Failed,
		})
	})

	mux.HandleFunc("GET /api/projects/{project}/documents", func(w http.ResponseWriter, r *http.Request) {
		docs, err := store.ListDocuments(r.Context(), r.PathValue("project"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, docs)
	})

	mux.HandleFunc("GET /api/documents/{document}", func(w http.ResponseWriter, r *http.Request) {
		doc, err := store.GetDocument(r.Context(), r.PathValue("document"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	})

	mux.HandleFunc("DELETE /api/documents/{document}", func(w http.ResponseWriter, r *http.Request) {
		if err := store.DeleteDocument(r.Context(), r.PathValue("document")); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "document deleted"})
	})

	mux.HandleFunc("POST /api/documents/{document}/extract", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Extractors  []string `json:"extractors"`
			RequestedBy string   `json:"requested_by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload"))
			return
		}
		if len(req.Extractors) == 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("no extractors selected"))
			return
		}
		res, err := jobs.Submit(r.Context(), r.PathValue("document"), req.Extractors, req.RequestedBy)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	})

	// 任务始终全量返回；filter_by_user 只收窄每个任务附带的反馈统计口径。
	mux.HandleFunc("GET /api/documents/{document}/extraction-jobs", func(w http.ResponseWriter, r *http.Request) {
		opts, err := jobQueryOptions(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		list, err := store.ListJobs(r.Context(), r.PathValue("document"), opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	})

	// 开启（或替换）文档的后台状态轮询会话。
	mux.HandleFunc("POST /api/documents/{document}/watch", func(w http.ResponseWriter, r *http.Request) {
		documentUUID := r.PathValue("document")
		if _, err := store.GetDocument(r.Context(), documentUUID); err != nil {
			writeStoreError(w, err)
			return
		}
		opts, err := jobQueryOptions(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		tracker.Track(documentUUID, opts)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"message":       "watch started",
			"document_uuid": documentUUID,
		})
	})

	mux.HandleFunc("GET /api/documents/{document}/watch", func(w http.ResponseWriter, r *http.Request) {
		st, ok := tracker.Status(r.PathValue("document"))
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("no watch session"))
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	mux.HandleFunc("DELETE /api/documents/{document}/watch", func(w http.ResponseWriter, r *http.Request) {
		tracker.Stop(r.PathValue("document"))
		writeJSON(w, http.StatusOK, map[string]string{"message": "watch stopped"})
	})

	mux.HandleFunc("GET /api/extraction-jobs/{job}", func(w http.ResponseWriter, r *http.Request) {
		job, err := store.GetJob(r.Context(), r.PathValue("job"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	mux.HandleFunc("POST /api/extraction-jobs/{job}/retry", func(w http.ResponseWriter, r *http.Request) {
		jobUUID := r.PathValue("job")
		job, err := store.GetJob(r.Context(), jobUUID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if err := jobs.Retry(r.Context(), jobUUID); err != nil {
			if errors.Is(err, dispatcher.ErrJobProcessing) {
				writeError(w, http.StatusConflict, err)
				return
			}
			writeStoreError(w, err)
			return
		}
		// 正在观察该文档的会话立即刷新一轮，不用等下个周期。
		tracker.Poke(job.DocumentUUID)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"message":  "retry started",
			"job_uuid": jobUUID,
			"status":   string(model.StatusProcessing),
		})
	})

	mux.HandleFunc("GET /api/extraction-jobs/{job}/pages", func(w http.ResponseWriter, r *http.Request) {
		pages, err := store.ListPages(r.Context(), r.PathValue("job"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out := make([]pageResponse, 0, len(pages))
		for _, p := range pages {
			out = append(out, toPageResponse(p, ""))
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("GET /api/extraction-jobs/{job}/pages/{page}", func(w http.ResponseWriter, r *http.Request) {
		pageNumber, err := pathInt(r, "page")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		p, err := store.GetPage(r.Context(), r.PathValue("job"), pageNumber)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toPageResponse(*p, model.ViewMode(r.URL.Query().Get("view"))))
	})

	mux.HandleFunc("POST /api/extraction-jobs/{job}/pages/{page}/annotations", func(w http.ResponseWriter, r *http.Request) {
		pageNumber, err := pathInt(r, "page")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var req struct {
			Text           string `json:"text"`
			Comment        string `json:"comment"`
			SelectionStart int    `json:"selection_start"`
			SelectionEnd   int    `json:"selection_end"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload"))
			return
		}

		jobUUID := r.PathValue("job")
		job, err := store.GetJob(r.Context(), jobUUID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		a := &model.Annotation{
			DocumentUUID:      job.DocumentUUID,
			ExtractionJobUUID: jobUUID,
			PageNumber:        pageNumber,
			Text:              req.Text,
			Comment:           req.Comment,
			SelectionStart:    req.SelectionStart,
			SelectionEnd:      req.SelectionEnd,
		}
		if err := store.CreateAnnotation(r.Context(), a); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, a)
	})

	// 批注按当前展示文本长度夹取后返回，内容重试改写后区间仍然合法。
	mux.HandleFunc("GET /api/extraction-jobs/{job}/annotations", func(w http.ResponseWriter, r *http.Request) {
		jobUUID := r.PathValue("job")
		var pageFilter *int
		if raw := r.URL.Query().Get("page"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid page %q", raw))
				return
			}
			pageFilter = &v
		}

		list, err := store.ListAnnotations(r.Context(), jobUUID, pageFilter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		lengths := make(map[int]int)
		out := make([]model.Annotation, 0, len(list))
		for _, a := range list {
			length, ok := lengths[a.PageNumber]
			if !ok {
				length = displayLength(r.Context(), store, jobUUID, a.PageNumber)
				lengths[a.PageNumber] = length
			}
			out = append(out, a.Clamped(length))
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("DELETE /api/annotations/{annotation}", func(w http.ResponseWriter, r *http.Request) {
		if err := store.DeleteAnnotation(r.Context(), r.PathValue("annotation")); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "annotation deleted"})
	})

	mux.HandleFunc("POST /api/extraction-jobs/{job}/pages/{page}/feedback", func(w http.ResponseWriter, r *http.Request) {
		pageNumber, err := pathInt(r, "page")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var req struct {
			UserName string `json:"user_name"`
			Rating   int    `json:"rating"`
			Comment  string `json:"comment"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload"))
			return
		}
		if req.UserName == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("user_name is required"))
			return
		}

		jobUUID := r.PathValue("job")
		job, err := store.GetJob(r.Context(), jobUUID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		f := &model.Feedback{
			DocumentUUID:      job.DocumentUUID,
			ExtractionJobUUID: jobUUID,
			PageNumber:        pageNumber,
			UserName:          req.UserName,
			Rating:            req.Rating,
			Comment:           req.Comment,
		}
		if err := store.UpsertFeedback(r.Context(), f); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		summary, err := store.PageRatingSummary(r.Context(), jobUUID, pageNumber, req.UserName)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	})

	mux.HandleFunc("GET /api/extraction-jobs/{job}/pages/{page}/feedback", func(w http.ResponseWriter, r *http.Request) {
		pageNumber, err := pathInt(r, "page")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		summary, err := store.PageRatingSummary(r.Context(), r.PathValue("job"), pageNumber, r.URL.Query().Get("user"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	})

	return mux
}

// pageResponse 是单页内容的展示形态：全部命名视图加选定视图的文本。
type pageResponse struct {
	PageNumber  int               `json:"page_number"`
	Views       map[string]string `json:"views"`
	ViewMode    string            `json:"view_mode,omitempty"`
	DisplayText string            `json:"display_text"`
}

// toPageResponse 选择展示视图：显式请求的视图缺失时返回占位文本，
// 未指定视图时按固定优先级取默认视图。
func toPageResponse(p model.PageContent, requested model.ViewMode) pageResponse {
	views := normalize.FromJSONMap(p.Views)

	resp := pageResponse{
		PageNumber: p.PageNumber,
		Views:      make(map[string]string, len(views)),
	}
	for mode, content := range views {
		resp.Views[string(mode)] = content
	}

	if requested != "" {
		resp.ViewMode = string(requested)
		resp.DisplayText = normalize.DisplayText(views, requested)
		return resp
	}
	if mode, ok := normalize.DefaultMode(views); ok {
		resp.ViewMode = string(mode)
		resp.DisplayText = normalize.DisplayText(views, mode)
		return resp
	}
	resp.DisplayText = normalize.NoContentPlaceholder
	return resp
}

// displayLength 返回当前展示文本的字符数。选区偏移按字符计，
// 多字节文本不能用字节长度夹取。
func displayLength(ctx context.Context, store Store, jobUUID string, pageNumber int) int {
	p, err := store.GetPage(ctx, jobUUID, pageNumber)
	if err != nil {
		return 0
	}
	views := normalize.FromJSONMap(p.Views)
	mode, ok := normalize.DefaultMode(views)
	if !ok {
		return 0
	}
	return utf8.RuneCountInString(normalize.DisplayText(views, mode))
}

// jobQueryOptions 解析任务列表与轮询会话共用的统计口径参数。
func jobQueryOptions(r *http.Request) (storage.JobQueryOptions, error) {
	opts := storage.JobQueryOptions{UserName: r.URL.Query().Get("user_name")}
	if raw := r.URL.Query().Get("filter_by_user"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return storage.JobQueryOptions{}, fmt.Errorf("invalid filter_by_user %q", raw)
		}
		opts.FilterByUser = v
	}
	return opts, nil
}

func pathInt(r *http.Request, name string) (int, error) {
	v, err := strconv.Atoi(r.PathValue(name))
	if err != nil || v < 1 {
		return 0, fmt.Errorf("invalid %s %q", name, r.PathValue(name))
	}
	return v, nil
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
