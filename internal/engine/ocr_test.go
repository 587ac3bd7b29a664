package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"extract-bench/internal/model"
	"extract-bench/internal/normalize"
)

const sampleHOCR = `<html><body>
<div class="ocr_page">
 <span class="ocr_line"><span class="ocrx_word">Invoice</span> <span class="ocrx_word">#42</span></span>
 <span class="ocr_line"><span class="ocrx_word">Total</span> <span class="ocrx_word">$10</span></span>
</div>
</body></html>`

func writeTempDoc(t *testing.T) DocumentHandle {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scan.png")
	if err := os.WriteFile(path, []byte("fake-image-bytes"), 0o644); err != nil {
		t.Fatalf("write temp doc: %v", err)
	}
	return DocumentHandle{UUID: "d1", Path: path, Filename: "scan.png", FileType: model.InputImage, PageCount: 1}
}

func TestOCRExtractParsesHOCRLines(t *testing.T) {
	t.Parallel()

	var gotReq ocrRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/recognize" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(sampleHOCR))
	}))
	defer srv.Close()

	a := NewOCRAdapter(OCRConfig{BaseURL: srv.URL}, srv.Client())
	out, err := a.Extract(context.Background(), writeTempDoc(t), []int{1})
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 page, got %d", len(out))
	}

	text, ok := normalize.ViewForMode(out[0].Views, model.ViewText)
	if !ok {
		t.Fatalf("expected TEXT view present")
	}
	want := "Invoice #42\nTotal $10"
	if text != want {
		t.Fatalf("expected %q, got %q", want, text)
	}
	if _, ok := normalize.ViewForMode(out[0].Views, model.ViewCombined); !ok {
		t.Fatalf("expected COMBINED view present")
	}
	if gotReq.Page != 1 || gotReq.Content == "" {
		t.Fatalf("expected page and content in request, got %+v", gotReq)
	}
}

func TestOCRExtractMapsStatusCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		kind   FailureKind
	}{
		{http.StatusTooManyRequests, KindQuotaExceeded},
		{http.StatusRequestTimeout, KindTimeout},
		{http.StatusBadGateway, KindTransientIO},
		{http.StatusUnprocessableEntity, KindEngineRejected},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		a := NewOCRAdapter(OCRConfig{BaseURL: srv.URL}, srv.Client())
		_, err := a.Extract(context.Background(), writeTempDoc(t), []int{1})
		srv.Close()

		var ee *ExtractionError
		if !errors.As(err, &ee) {
			t.Fatalf("status %d: expected ExtractionError, got %v", tc.status, err)
		}
		if ee.Kind != tc.kind {
			t.Fatalf("status %d: expected kind %s, got %s", tc.status, tc.kind, ee.Kind)
		}
		if ee.Page != 1 {
			t.Fatalf("status %d: expected page 1 on error, got %d", tc.status, ee.Page)
		}
	}
}

func TestOCRExtractMissingBaseURL(t *testing.T) {
	t.Parallel()

	a := NewOCRAdapter(OCRConfig{}, nil)
	_, err := a.Extract(context.Background(), writeTempDoc(t), []int{1})
	ee := Classify(err)
	if ee == nil || ee.Kind != KindEngineRejected {
		t.Fatalf("expected engine_rejected without base url, got %v", err)
	}
}
