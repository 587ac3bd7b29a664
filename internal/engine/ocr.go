package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"extract-bench/internal/model"
	"extract-bench/internal/normalize"

	"golang.org/x/net/html"
)

// OCRConfig 定义远端 OCR 服务配置。
type OCRConfig struct {
	BaseURL     string  `yaml:"base_url" json:"base_url"`
	APIKey      string  `yaml:"api_key" json:"api_key"`
	Language    string  `yaml:"language" json:"language"`
	CostPerPage float64 `yaml:"cost_per_page" json:"cost_per_page"`
}

// OCRAdapter 调用返回 hOCR 的识别服务，逐页提交文档并解析 HTML 结果。
type OCRAdapter struct {
	cfg    OCRConfig
	client *http.Client
}

// NewOCRAdapter 创建 OCR 适配器，未提供 client 时使用带超时的默认客户端。
func NewOCRAdapter(cfg OCRConfig, client *http.Client) *OCRAdapter {
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	if cfg.CostPerPage <= 0 {
		cfg.CostPerPage = 0.0015
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &OCRAdapter{cfg: cfg, client: client}
}

func (a *OCRAdapter) Describe() Descriptor {
	return Descriptor{
		ID:          "hocr",
		DisplayName: "OCR (hOCR)",
		Description: "Optical character recognition via the hOCR service",
		Category:    "OCR",
		CostPerPage: a.cfg.CostPerPage,
		InputTypes:  []model.InputType{model.InputPDF, model.InputImage},
		RetryBudget: 2,
	}
}

func (a *OCRAdapter) Extract(ctx context.Context, doc DocumentHandle, pages []int) ([]PageOutput, error) {
	if strings.TrimSpace(a.cfg.BaseURL) == "" {
		return nil, NewError(KindEngineRejected, "ocr base url missing", nil)
	}

	data, err := os.ReadFile(doc.Path)
	if err != nil {
		return nil, NewError(KindTransientIO, "read document file", err)
	}
	encoded := base64.StdEncoding.EncodeToString(data)

	out := make([]PageOutput, 0, len(pages))
	for _, pageNum := range requestedPages(doc, pages) {
		hocr, err := a.recognizePage(ctx, doc, encoded, pageNum)
		if err != nil {
			return nil, err
		}
		text, err := hocrToText(hocr)
		if err != nil {
			return nil, PageError(KindEngineRejected, pageNum, "parse hocr response", err)
		}
		out = append(out, PageOutput{
			PageNumber: pageNum,
			Views: normalize.Normalize(map[string]string{
				string(model.ViewText):     text,
				string(model.ViewCombined): text,
			}),
		})
	}
	return out, nil
}

type ocrRequest struct {
	Filename string `json:"filename"`
	FileType string `json:"file_type"`
	Page     int    `json:"page"`
	Language string `json:"language"`
	Content  string `json:"content"`
}

func (a *OCRAdapter) recognizePage(ctx context.Context, doc DocumentHandle, encoded string, pageNum int) (string, error) {
	payload, err := json.Marshal(ocrRequest{
		Filename: doc.Filename,
		FileType: string(doc.FileType),
		Page:     pageNum,
		Language: a.cfg.Language,
		Content:  encoded,
	})
	if err != nil {
		return "", PageError(KindUnknown, pageNum, "marshal ocr request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.cfg.BaseURL, "/")+"/v1/recognize", bytes.NewReader(payload))
	if err != nil {
		return "", PageError(KindUnknown, pageNum, "new ocr request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", PageError(KindTimeout, pageNum, "ocr request timed out", err)
		}
		return "", PageError(KindTransientIO, pageNum, "ocr request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", PageError(KindTransientIO, pageNum, "read ocr response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return string(body), nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", PageError(KindQuotaExceeded, pageNum, "ocr rate limited", nil)
	case resp.StatusCode == http.StatusRequestTimeout:
		return "", PageError(KindTimeout, pageNum, "ocr reported timeout", nil)
	case resp.StatusCode >= 500:
		return "", PageError(KindTransientIO, pageNum, fmt.Sprintf("ocr http %d", resp.StatusCode), nil)
	default:
		return "", PageError(KindEngineRejected, pageNum, fmt.Sprintf("ocr http %d", resp.StatusCode), nil)
	}
}

// hocrToText 解析 hOCR HTML，按行聚合 ocr_line/ocrx_word 的文本。
func hocrToText(hocr string) (string, error) {
	node, err := html.Parse(strings.NewReader(hocr))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	var lines []string
	var collectText func(*html.Node, *strings.Builder)
	collectText = func(n *html.Node, b *strings.Builder) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collectText(c, b)
		}
	}

	var search func(*html.Node)
	search = func(n *html.Node) {
		if n.Type == html.ElementNode {
			for _, attr := range n.Attr {
				if attr.Key == "class" && strings.Contains(attr.Val, "ocr_line") {
					var b strings.Builder
					collectText(n, &b)
					line := strings.Join(strings.Fields(b.String()), " ")
					if line != "" {
						lines = append(lines, line)
					}
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			search(c)
		}
	}
	search(node)

	return strings.Join(lines, "\n"), nil
}
