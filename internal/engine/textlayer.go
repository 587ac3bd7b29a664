package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"extract-bench/internal/model"
	"extract-bench/internal/normalize"

	"github.com/ledongthuc/pdf"
)

// TextLayerAdapter 直接读取 PDF 文本层，不依赖外部服务，零成本。
// 仅支持携带文本层的 PDF，图片输入直接拒绝。
type TextLayerAdapter struct {
	logger *log.Logger
}

// NewTextLayerAdapter 创建文本层适配器。
func NewTextLayerAdapter(logger *log.Logger) *TextLayerAdapter {
	if logger == nil {
		logger = log.New(os.Stdout, "[textlayer] ", log.LstdFlags)
	}
	return &TextLayerAdapter{logger: logger}
}

func (a *TextLayerAdapter) Describe() Descriptor {
	return Descriptor{
		ID:          "pdftext",
		DisplayName: "PDF Text Layer",
		Description: "Extract the embedded text layer from PDF pages",
		Category:    "Text Layer",
		CostPerPage: 0,
		InputTypes:  []model.InputType{model.InputPDF},
		RetryBudget: 1,
	}
}

func (a *TextLayerAdapter) Extract(ctx context.Context, doc DocumentHandle, pages []int) ([]PageOutput, error) {
	if doc.FileType != model.InputPDF {
		return nil, NewError(KindEngineRejected, fmt.Sprintf("unsupported input type %s", doc.FileType), nil)
	}

	f, reader, err := pdf.Open(doc.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewError(KindTransientIO, "document file missing", err)
		}
		return nil, NewError(KindEngineRejected, "malformed or unreadable PDF", err)
	}
	defer f.Close()

	total := reader.NumPage()
	out := make([]PageOutput, 0, len(pages))
	for _, pageNum := range requestedPages(doc, pages) {
		if err := ctx.Err(); err != nil {
			return nil, Classify(err)
		}
		if pageNum < 1 || pageNum > total {
			return nil, PageError(KindEngineRejected, pageNum, fmt.Sprintf("page out of range, document has %d pages", total), nil)
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			return nil, PageError(KindEngineRejected, pageNum, "page has no content object", nil)
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, PageError(KindEngineRejected, pageNum, "text layer extraction failed", err)
		}

		out = append(out, PageOutput{
			PageNumber: pageNum,
			Views:      normalize.Normalize(map[string]string{string(model.ViewText): strings.TrimSpace(text)}),
		})
	}

	a.logger.Printf("extracted %d pages from %s", len(out), doc.Filename)
	return out, nil
}
