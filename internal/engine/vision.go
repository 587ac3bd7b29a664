package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"extract-bench/internal/model"
	"extract-bench/internal/normalize"
)

// VisionConfig 定义视觉大模型转写服务配置。
type VisionConfig struct {
	APIBase     string  `yaml:"api_base" json:"api_base"`
	APIKey      string  `yaml:"api_key" json:"api_key"`
	Model       string  `yaml:"model" json:"model"`
	CostPerPage float64 `yaml:"cost_per_page" json:"cost_per_page"`
}

// VisionAdapter 调用 chat/completions 风格接口做整页转写，
// 模型返回 Markdown 正文与可选 LaTeX 公式块。
type VisionAdapter struct {
	id          string
	displayName string
	cfg         VisionConfig
	client      *http.Client
}

// NewVisionAdapter 创建视觉适配器，同一服务可按不同模型注册多个实例。
func NewVisionAdapter(id, displayName string, cfg VisionConfig, client *http.Client) *VisionAdapter {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.CostPerPage <= 0 {
		cfg.CostPerPage = 0.005
	}
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}
	return &VisionAdapter{id: id, displayName: displayName, cfg: cfg, client: client}
}

func (a *VisionAdapter) Describe() Descriptor {
	return Descriptor{
		ID:          a.id,
		DisplayName: a.displayName,
		Description: fmt.Sprintf("Page transcription via %s", a.cfg.Model),
		Category:    "LLM Vision",
		CostPerPage: a.cfg.CostPerPage,
		InputTypes:  []model.InputType{model.InputPDF, model.InputImage},
		RetryBudget: 3,
	}
}

const visionPrompt = `Transcribe the attached document page faithfully. Respond with a JSON object: {"markdown": string, "latex": string, "text": string}. Put the full page body in "markdown", any standalone formulas in "latex", and a plain-text rendering in "text". Use empty strings for absent parts.`

func (a *VisionAdapter) Extract(ctx context.Context, doc DocumentHandle, pages []int) ([]PageOutput, error) {
	if strings.TrimSpace(a.cfg.APIKey) == "" {
		return nil, NewError(KindEngineRejected, "vision api key missing", nil)
	}

	data, err := os.ReadFile(doc.Path)
	if err != nil {
		return nil, NewError(KindTransientIO, "read document file", err)
	}
	encoded := base64.StdEncoding.EncodeToString(data)

	out := make([]PageOutput, 0, len(pages))
	for _, pageNum := range requestedPages(doc, pages) {
		body, err := a.transcribePage(ctx, doc, encoded, pageNum)
		if err != nil {
			return nil, err
		}

		var parsed visionPagePayload
		if err := json.Unmarshal([]byte(body), &parsed); err != nil {
			return nil, PageError(KindEngineRejected, pageNum, "parse vision response", err)
		}

		combined := parsed.Markdown
		if combined == "" {
			combined = parsed.Text
		}
		out = append(out, PageOutput{
			PageNumber: pageNum,
			Views: normalize.Normalize(map[string]string{
				string(model.ViewMarkdown): parsed.Markdown,
				string(model.ViewLatex):    parsed.Latex,
				string(model.ViewText):     parsed.Text,
				string(model.ViewCombined): combined,
			}),
		})
	}
	return out, nil
}

func (a *VisionAdapter) transcribePage(ctx context.Context, doc DocumentHandle, encoded string, pageNum int) (string, error) {
	payload := visionRequest{
		Model: a.cfg.Model,
		Messages: []visionMessage{
			{Role: "system", Content: "You are a meticulous document transcription assistant."},
			{Role: "user", Content: fmt.Sprintf("%s\n\nfilename=%s page=%d data=%s", visionPrompt, doc.Filename, pageNum, encoded)},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", PageError(KindUnknown, pageNum, "marshal vision payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.cfg.APIBase, "/")+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return "", PageError(KindUnknown, pageNum, "new vision request", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", PageError(KindTimeout, pageNum, "vision request timed out", err)
		}
		return "", PageError(KindTransientIO, pageNum, "vision request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusPaymentRequired:
		return "", PageError(KindQuotaExceeded, pageNum, "vision quota exhausted", nil)
	case resp.StatusCode >= 500:
		return "", PageError(KindTransientIO, pageNum, fmt.Sprintf("vision http %d", resp.StatusCode), nil)
	case resp.StatusCode >= 300:
		return "", PageError(KindEngineRejected, pageNum, fmt.Sprintf("vision http %d", resp.StatusCode), nil)
	}

	var body visionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", PageError(KindTransientIO, pageNum, "decode vision response", err)
	}
	if len(body.Choices) == 0 {
		return "", PageError(KindEngineRejected, pageNum, "vision response empty", nil)
	}
	return body.Choices[0].Message.Content, nil
}

type visionRequest struct {
	Model    string          `json:"model"`
	Messages []visionMessage `json:"messages"`
}

type visionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type visionResponse struct {
	Choices []struct {
		Message visionMessage `json:"message"`
	} `json:"choices"`
}

// visionPagePayload 对应模型返回的 JSON。
type visionPagePayload struct {
	Markdown string `json:"markdown"`
	Latex    string `json:"latex"`
	Text     string `json:"text"`
}
