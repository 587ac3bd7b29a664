package engine

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"extract-bench/internal/model"
	"extract-bench/internal/normalize"

	"github.com/ledongthuc/pdf"
)

// TableAdapter 基于 PDF 文本层重建表格：
// 将一行中被连续空白分隔的片段视作单元格，输出竖线分隔的行。
type TableAdapter struct{}

// NewTableAdapter 创建表格适配器。
func NewTableAdapter() *TableAdapter {
	return &TableAdapter{}
}

func (a *TableAdapter) Describe() Descriptor {
	return Descriptor{
		ID:          "gridparse",
		DisplayName: "Grid Parse",
		Description: "Reconstruct tables from the PDF text layer",
		Category:    "Table",
		CostPerPage: 0,
		InputTypes:  []model.InputType{model.InputPDF},
		RetryBudget: 2,
	}
}

var cellGap = regexp.MustCompile(`\s{2,}`)

func (a *TableAdapter) Extract(ctx context.Context, doc DocumentHandle, pages []int) ([]PageOutput, error) {
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

		table := rebuildTable(text)
		out = append(out, PageOutput{
			PageNumber: pageNum,
			Views: normalize.Normalize(map[string]string{
				string(model.ViewTable):    table,
				string(model.ViewCombined): table,
			}),
		})
	}
	return out, nil
}

// rebuildTable 只保留能切出至少两个单元格的行，其余行视作普通文本丢弃。
func rebuildTable(text string) string {
	var rows []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			continue
		}
		cells := cellGap.Split(strings.TrimSpace(line), -1)
		if len(cells) < 2 {
			continue
		}
		rows = append(rows, strings.Join(cells, " | "))
	}
	return strings.Join(rows, "\n")
}
