package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"extract-bench/internal/dispatcher"
	"extract-bench/internal/engine"
	"extract-bench/internal/ingest"
	"extract-bench/internal/model"
	"extract-bench/internal/normalize"
	"extract-bench/internal/poller"
	"extract-bench/internal/storage"
)

func TestHealth(t *testing.T) {
	t.Parallel()

	h := NewHandler(&stubStore{}, &stubJobs{}, &stubUploader{}, &stubCatalog{}, &stubTracker{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestListExtractorsGroupedByCategory(t *testing.T) {
	t.Parallel()

	cat := &stubCatalog{groups: []engine.CategoryGroup{
		{Category: "Text Layer", Engines: []engine.Descriptor{{ID: "pdftext"}}},
		{Category: "OCR", Engines: []engine.Descriptor{{ID: "hocr"}}},
	}}
	h := NewHandler(&stubStore{}, &stubJobs{}, &stubUploader{}, cat, &stubTracker{})

	req := httptest.NewRequest(http.MethodGet, "/api/extractors?file_type=pdf", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		FileType   string                 `json:"file_type"`
		Categories []engine.CategoryGroup `json:"categories"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.FileType != "pdf" || len(resp.Categories) != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if cat.gotType != model.InputPDF {
		t.Fatalf("expected pdf passed to catalog, got %s", cat.gotType)
	}
}

func TestListExtractorsRejectsUnknownType(t *testing.T) {
	t.Parallel()

	h := NewHandler(&stubStore{}, &stubJobs{}, &stubUploader{}, &stubCatalog{}, &stubTracker{})
	req := httptest.NewRequest(http.MethodGet, "/api/extractors?file_type=docx", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestUploadMultiple(t *testing.T) {
	t.Parallel()

	up := &stubUploader{result: ingest.Result{
		DocumentUUIDs: []string{"d1"},
		Failed:        []ingest.FailedUpload{{Filename: "bad.txt", Error: "unsupported file type"}},
	}}
	h := NewHandler(&stubStore{}, &stubJobs{}, up, &stubCatalog{}, &stubTracker{})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, name := range []string{"a.pdf", "bad.txt"} {
		part, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		part.Write([]byte("content"))
	}
	mw.WriteField("selected_extractors", "pdftext")
	mw.WriteField("selected_extractors", "hocr")
	mw.WriteField("owner_name", "alice")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/projects/p1/upload-multiple", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Message       string                `json:"message"`
		DocumentUUIDs []string              `json:"document_uuids"`
		Failed        []ingest.FailedUpload `json:"failed_uploads"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Message != "1 of 2 files uploaded" {
		t.Fatalf("unexpected message %q", resp.Message)
	}
	if len(resp.DocumentUUIDs) != 1 || len(resp.Failed) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if up.gotProject != "p1" || up.gotBy != "alice" {
		t.Fatalf("project/user not forwarded: %q %q", up.gotProject, up.gotBy)
	}
	if len(up.gotFiles) != 2 || up.gotFiles[0].Filename != "a.pdf" {
		t.Fatalf("files not forwarded: %+v", up.gotFiles)
	}
	if len(up.gotEngines) != 2 {
		t.Fatalf("extractors not forwarded: %v", up.gotEngines)
	}
}

func TestUploadWithoutFiles(t *testing.T) {
	t.Parallel()

	h := NewHandler(&stubStore{}, &stubJobs{}, &stubUploader{}, &stubCatalog{}, &stubTracker{})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("owner_name", "alice")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/projects/p1/upload-multiple", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestExtractSubmitsSelectedEngines(t *testing.T) {
	t.Parallel()

	jobs := &stubJobs{submitResult: dispatcher.SubmitResult{
		JobUUIDs: []string{"j1"},
		Rejected: []dispatcher.Rejection{{EngineID: "nope", Reason: "unknown"}},
	}}
	h := NewHandler(&stubStore{}, jobs, &stubUploader{}, &stubCatalog{}, &stubTracker{})

	body := strings.NewReader(`{"extractors":["pdftext","nope"],"requested_by":"bob"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/documents/d1/extract", body)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if jobs.gotDocument != "d1" || jobs.gotBy != "bob" {
		t.Fatalf("submit args not forwarded: %q %q", jobs.gotDocument, jobs.gotBy)
	}
}

func TestRetryConflictWhileProcessing(t *testing.T) {
	t.Parallel()

	st := &stubStore{jobs: []model.ExtractionJob{{UUID: "j1", DocumentUUID: "d1"}}}
	jobs := &stubJobs{retryErr: dispatcher.ErrJobProcessing}
	tr := &stubTracker{}
	h := NewHandler(st, jobs, &stubUploader{}, &stubCatalog{}, tr)

	req := httptest.NewRequest(http.MethodPost, "/api/extraction-jobs/j1/retry", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if len(tr.poked) != 0 {
		t.Fatalf("rejected retry must not poke the watch session, poked %v", tr.poked)
	}
}

func TestRetryUnknownJob(t *testing.T) {
	t.Parallel()

	h := NewHandler(&stubStore{}, &stubJobs{}, &stubUploader{}, &stubCatalog{}, &stubTracker{})

	req := httptest.NewRequest(http.MethodPost, "/api/extraction-jobs/missing/retry", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRetryAcceptedAndRefreshesWatch(t *testing.T) {
	t.Parallel()

	st := &stubStore{jobs: []model.ExtractionJob{{UUID: "j1", DocumentUUID: "d1"}}}
	tr := &stubTracker{}
	h := NewHandler(st, &stubJobs{}, &stubUploader{}, &stubCatalog{}, tr)

	req := httptest.NewRequest(http.MethodPost, "/api/extraction-jobs/j1/retry", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["job_uuid"] != "j1" || resp["status"] != string(model.StatusProcessing) {
		t.Fatalf("unexpected response: %v", resp)
	}
	if len(tr.poked) != 1 || tr.poked[0] != "d1" {
		t.Fatalf("expected watch session of d1 poked once, got %v", tr.poked)
	}
}

func TestListJobsForwardsFilterAndCarriesStats(t *testing.T) {
	t.Parallel()

	avg := 3.67
	st := &stubStore{jobs: []model.ExtractionJob{{
		UUID:               "j1",
		DocumentUUID:       "d1",
		Engine:             "pdftext",
		Status:             model.StatusSuccess,
		PagesAnnotated:     2,
		TotalRating:        &avg,
		TotalFeedbackCount: 3,
	}}}
	h := NewHandler(st, &stubJobs{}, &stubUploader{}, &stubCatalog{}, &stubTracker{})

	req := httptest.NewRequest(http.MethodGet, "/api/documents/d1/extraction-jobs?filter_by_user=true&user_name=alice", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !st.gotJobOpts.FilterByUser || st.gotJobOpts.UserName != "alice" {
		t.Fatalf("filter options not forwarded: %+v", st.gotJobOpts)
	}

	var resp []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 {
		t.Fatalf("expected 1 job, got %d", len(resp))
	}
	for _, key := range []string{"pages_annotated", "total_feedback_count", "total_rating"} {
		if _, ok := resp[0][key]; !ok {
			t.Fatalf("job summary missing %q: %v", key, resp[0])
		}
	}
	if resp[0]["pages_annotated"] != float64(2) || resp[0]["total_feedback_count"] != float64(3) {
		t.Fatalf("unexpected aggregate counts: %v", resp[0])
	}
}

func TestListJobsRejectsNonBooleanFilter(t *testing.T) {
	t.Parallel()

	h := NewHandler(&stubStore{}, &stubJobs{}, &stubUploader{}, &stubCatalog{}, &stubTracker{})

	req := httptest.NewRequest(http.MethodGet, "/api/documents/d1/extraction-jobs?filter_by_user=alice", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-boolean filter_by_user, got %d", w.Code)
	}
}

func TestWatchLifecycle(t *testing.T) {
	t.Parallel()

	st := &stubStore{docs: []model.Document{{UUID: "d1"}}}
	tr := &stubTracker{
		hasStatus: true,
		status: poller.WatchStatus{
			Jobs:     []model.ExtractionJob{{UUID: "j1", Status: model.StatusProcessing}},
			Watching: true,
		},
	}
	h := NewHandler(st, &stubJobs{}, &stubUploader{}, &stubCatalog{}, tr)

	req := httptest.NewRequest(http.MethodPost, "/api/documents/d1/watch?filter_by_user=true&user_name=bob", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(tr.tracked) != 1 || tr.tracked[0] != "d1" {
		t.Fatalf("watch session not started: %v", tr.tracked)
	}
	if !tr.gotOpts.FilterByUser || tr.gotOpts.UserName != "bob" {
		t.Fatalf("filter options not forwarded to session: %+v", tr.gotOpts)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/documents/d1/watch", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp poller.WatchStatus
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Watching || len(resp.Jobs) != 1 || resp.Jobs[0].UUID != "j1" {
		t.Fatalf("unexpected watch status: %+v", resp)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/documents/d1/watch", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(tr.stoppedDocs) != 1 || tr.stoppedDocs[0] != "d1" {
		t.Fatalf("watch session not stopped: %v", tr.stoppedDocs)
	}
}

func TestWatchUnknownDocument(t *testing.T) {
	t.Parallel()

	tr := &stubTracker{}
	h := NewHandler(&stubStore{}, &stubJobs{}, &stubUploader{}, &stubCatalog{}, tr)

	req := httptest.NewRequest(http.MethodPost, "/api/documents/missing/watch", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if len(tr.tracked) != 0 {
		t.Fatalf("no session must start for an unknown document, got %v", tr.tracked)
	}
}

func TestWatchStatusWithoutSession(t *testing.T) {
	t.Parallel()

	h := NewHandler(&stubStore{}, &stubJobs{}, &stubUploader{}, &stubCatalog{}, &stubTracker{})

	req := httptest.NewRequest(http.MethodGet, "/api/documents/d1/watch", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetPageMissingViewReturnsPlaceholder(t *testing.T) {
	t.Parallel()

	st := &stubStore{pages: []model.PageContent{{
		ExtractionJobUUID: "j1",
		PageNumber:        1,
		Views:             normalize.ToJSONMap(normalize.NamedViews{model.ViewText: "hello"}),
	}}}
	h := NewHandler(st, &stubJobs{}, &stubUploader{}, &stubCatalog{}, &stubTracker{})

	req := httptest.NewRequest(http.MethodGet, "/api/extraction-jobs/j1/pages/1?view=MARKDOWN", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp pageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.DisplayText != normalize.NoContentPlaceholder {
		t.Fatalf("expected placeholder for missing view, got %q", resp.DisplayText)
	}
}

func TestGetPageDefaultsToPrecedenceView(t *testing.T) {
	t.Parallel()

	st := &stubStore{pages: []model.PageContent{{
		ExtractionJobUUID: "j1",
		PageNumber:        1,
		Views: normalize.ToJSONMap(normalize.NamedViews{
			model.ViewText:     "plain",
			model.ViewMarkdown: "# heading",
		}),
	}}}
	h := NewHandler(st, &stubJobs{}, &stubUploader{}, &stubCatalog{}, &stubTracker{})

	req := httptest.NewRequest(http.MethodGet, "/api/extraction-jobs/j1/pages/1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp pageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ViewMode != string(model.ViewMarkdown) || resp.DisplayText != "# heading" {
		t.Fatalf("expected markdown default view, got %+v", resp)
	}
}

func TestGetPageNotFound(t *testing.T) {
	t.Parallel()

	h := NewHandler(&stubStore{}, &stubJobs{}, &stubUploader{}, &stubCatalog{}, &stubTracker{})
	req := httptest.NewRequest(http.MethodGet, "/api/extraction-jobs/j1/pages/9", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAnnotationsClampedToCurrentText(t *testing.T) {
	t.Parallel()

	st := &stubStore{
		jobs: []model.ExtractionJob{{UUID: "j1", DocumentUUID: "d1"}},
		pages: []model.PageContent{{
			ExtractionJobUUID: "j1",
			PageNumber:        1,
			Views:             normalize.ToJSONMap(normalize.NamedViews{model.ViewText: "short"}),
		}},
		annotations: []model.Annotation{{
			UUID:              "a1",
			ExtractionJobUUID: "j1",
			PageNumber:        1,
			SelectionStart:    2,
			SelectionEnd:      100,
		}},
	}
	h := NewHandler(st, &stubJobs{}, &stubUploader{}, &stubCatalog{}, &stubTracker{})

	req := httptest.NewRequest(http.MethodGet, "/api/extraction-jobs/j1/annotations", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp []model.Annotation
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 {
		t.Fatalf("expected 1 annotation, got %d", len(resp))
	}
	if resp[0].SelectionEnd != len("short") || resp[0].SelectionStart != 2 {
		t.Fatalf("expected range clamped to text, got [%d, %d)", resp[0].SelectionStart, resp[0].SelectionEnd)
	}
}

func TestAnnotationsClampCountsCharactersNotBytes(t *testing.T) {
	t.Parallel()

	// 4 个汉字，12 字节。选区按字符计，夹取上限必须是 4 而不是 12。
	text := "文档提取"
	st := &stubStore{
		jobs: []model.ExtractionJob{{UUID: "j1", DocumentUUID: "d1"}},
		pages: []model.PageContent{{
			ExtractionJobUUID: "j1",
			PageNumber:        1,
			Views:             normalize.ToJSONMap(normalize.NamedViews{model.ViewText: text}),
		}},
		annotations: []model.Annotation{{
			UUID:              "a1",
			ExtractionJobUUID: "j1",
			PageNumber:        1,
			SelectionStart:    1,
			SelectionEnd:      10,
		}},
	}
	h := NewHandler(st, &stubJobs{}, &stubUploader{}, &stubCatalog{}, &stubTracker{})

	req := httptest.NewRequest(http.MethodGet, "/api/extraction-jobs/j1/annotations", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp []model.Annotation
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 {
		t.Fatalf("expected 1 annotation, got %d", len(resp))
	}
	if want := utf8.RuneCountInString(text); resp[0].SelectionEnd != want {
		t.Fatalf("expected end clamped to %d characters, got %d", want, resp[0].SelectionEnd)
	}
}

func TestCreateAnnotationUnknownJob(t *testing.T) {
	t.Parallel()

	h := NewHandler(&stubStore{}, &stubJobs{}, &stubUploader{}, &stubCatalog{}, &stubTracker{})
	body := strings.NewReader(`{"text":"x","selection_start":0,"selection_end":1}`)
	req := httptest.NewRequest(http.MethodPost, "/api/extraction-jobs/missing/pages/1/annotations", body)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestFeedbackReturnsSummary(t *testing.T) {
	t.Parallel()

	avg := 4.5
	mine := 5
	st := &stubStore{
		jobs:    []model.ExtractionJob{{UUID: "j1", DocumentUUID: "d1"}},
		summary: storage.RatingSummary{AverageRating: &avg, TotalRatings: 2, UserRating: &mine},
	}
	h := NewHandler(st, &stubJobs{}, &stubUploader{}, &stubCatalog{}, &stubTracker{})

	body := strings.NewReader(`{"user_name":"alice","rating":5}`)
	req := httptest.NewRequest(http.MethodPost, "/api/extraction-jobs/j1/pages/1/feedback", body)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp storage.RatingSummary
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TotalRatings != 2 || resp.AverageRating == nil || *resp.AverageRating != 4.5 {
		t.Fatalf("unexpected summary: %+v", resp)
	}
	if st.savedFeedback == nil || st.savedFeedback.UserName != "alice" {
		t.Fatalf("feedback not persisted: %+v", st.savedFeedback)
	}
}

func TestFeedbackRequiresUserName(t *testing.T) {
	t.Parallel()

	h := NewHandler(&stubStore{}, &stubJobs{}, &stubUploader{}, &stubCatalog{}, &stubTracker{})
	body := strings.NewReader(`{"rating":3}`)
	req := httptest.NewRequest(http.MethodPost, "/api/extraction-jobs/j1/pages/1/feedback", body)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

// --- stubs ---

type stubStore struct {
	docs          []model.Document
	jobs          []model.ExtractionJob
	pages         []model.PageContent
	annotations   []model.Annotation
	summary       storage.RatingSummary
	savedFeedback *model.Feedback
	deletedDoc    string
	deletedAnn    string
	gotJobOpts    storage.JobQueryOptions
}

func (s *stubStore) GetDocument(_ context.Context, uuid string) (*model.Document, error) {
	for i := range s.docs {
		if s.docs[i].UUID == uuid {
			return &s.docs[i], nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *stubStore) ListDocuments(_ context.Context, projectUUID string) ([]model.Document, error) {
	return s.docs, nil
}

func (s *stubStore) DeleteDocument(_ context.Context, uuid string) error {
	s.deletedDoc = uuid
	return nil
}

func (s *stubStore) ListJobs(_ context.Context, documentUUID string, opts storage.JobQueryOptions) ([]model.ExtractionJob, error) {
	s.gotJobOpts = opts
	return s.jobs, nil
}

func (s *stubStore) GetJob(_ context.Context, uuid string) (*model.ExtractionJob, error) {
	for i := range s.jobs {
		if s.jobs[i].UUID == uuid {
			return &s.jobs[i], nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *stubStore) ListPages(_ context.Context, jobUUID string) ([]model.PageContent, error) {
	return s.pages, nil
}

func (s *stubStore) GetPage(_ context.Context, jobUUID string, pageNumber int) (*model.PageContent, error) {
	for i := range s.pages {
		if s.pages[i].ExtractionJobUUID == jobUUID && s.pages[i].PageNumber == pageNumber {
			return &s.pages[i], nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *stubStore) CreateAnnotation(_ context.Context, a *model.Annotation) error {
	s.annotations = append(s.annotations, *a)
	return nil
}

func (s *stubStore) ListAnnotations(_ context.Context, jobUUID string, pageNumber *int) ([]model.Annotation, error) {
	return s.annotations, nil
}

func (s *stubStore) DeleteAnnotation(_ context.Context, uuid string) error {
	s.deletedAnn = uuid
	return nil
}

func (s *stubStore) UpsertFeedback(_ context.Context, f *model.Feedback) error {
	s.savedFeedback = f
	return nil
}

func (s *stubStore) PageRatingSummary(_ context.Context, jobUUID string, pageNumber int, userName string) (storage.RatingSummary, error) {
	return s.summary, nil
}

type stubJobs struct {
	submitResult dispatcher.SubmitResult
	retryErr     error
	gotDocument  string
	gotEngines   []string
	gotBy        string
}

func (s *stubJobs) Submit(_ context.Context, documentUUID string, engineIDs []string, requestedBy string) (dispatcher.SubmitResult, error) {
	s.gotDocument = documentUUID
	s.gotEngines = engineIDs
	s.gotBy = requestedBy
	return s.submitResult, nil
}

func (s *stubJobs) Retry(_ context.Context, jobUUID string) error {
	return s.retryErr
}

type stubUploader struct {
	result     ingest.Result
	gotProject string
	gotFiles   []ingest.IncomingFile
	gotEngines []string
	gotBy      string
}

func (s *stubUploader) Upload(_ context.Context, projectUUID string, files []ingest.IncomingFile, engineIDs []string, uploadedBy string) (ingest.Result, error) {
	s.gotProject = projectUUID
	s.gotFiles = files
	s.gotEngines = engineIDs
	s.gotBy = uploadedBy
	return s.result, nil
}

type stubTracker struct {
	status      poller.WatchStatus
	hasStatus   bool
	tracked     []string
	gotOpts     storage.JobQueryOptions
	poked       []string
	stoppedDocs []string
}

func (s *stubTracker) Track(documentUUID string, opts storage.JobQueryOptions) {
	s.tracked = append(s.tracked, documentUUID)
	s.gotOpts = opts
}

func (s *stubTracker) Status(documentUUID string) (poller.WatchStatus, bool) {
	return s.status, s.hasStatus
}

func (s *stubTracker) Poke(documentUUID string) {
	s.poked = append(s.poked, documentUUID)
}

func (s *stubTracker) Stop(documentUUID string) {
	s.stoppedDocs = append(s.stoppedDocs, documentUUID)
}

type stubCatalog struct {
	groups  []engine.CategoryGroup
	gotType model.InputType
}

func (s *stubCatalog) Categories(inputType model.InputType) []engine.CategoryGroup {
	s.gotType = inputType
	return s.groups
}
