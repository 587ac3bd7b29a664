package engine

import (
	"context"

	"extract-bench/internal/model"
	"extract-bench/internal/normalize"
)

// Descriptor 描述一个抽取引擎的静态能力，与任务状态无关。
type Descriptor struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"name"`
	Description string            `json:"description"`
	Category    string            `json:"category"`
	CostPerPage float64           `json:"cost_per_page"`
	InputTypes  []model.InputType `json:"input_types"`
	RetryBudget int               `json:"-"`
}

// SupportsInput 判断引擎是否接受指定输入类型。
func (d Descriptor) SupportsInput(t model.InputType) bool {
	for _, it := range d.InputTypes {
		if it == t {
			return true
		}
	}
	return false
}

// DocumentHandle 是适配器可见的文档句柄，仅携带抽取所需的最小信息。
type DocumentHandle struct {
	UUID      string
	Path      string
	Filename  string
	FileType  model.InputType
	PageCount int
}

// PageOutput 是一页的归一化抽取结果，Views 在适配器内完成一次性归一化。
type PageOutput struct {
	PageNumber int
	Views      normalize.NamedViews
}

// Adapter 是所有抽取引擎实现的统一契约。
// Extract 的 pages 为空时表示抽取全部页；返回的每页结果与请求页一一对应，
// 任何一页缺失即由调用方判定任务失败。
type Adapter interface {
	Describe() Descriptor
	Extract(ctx context.Context, doc DocumentHandle, pages []int) ([]PageOutput, error)
}

// requestedPages 归一化请求页集合：空表示全量，按文档页数生成 1..N。
func requestedPages(doc DocumentHandle, pages []int) []int {
	if len(pages) > 0 {
		return pages
	}
	count := doc.PageCount
	if count <= 0 {
		count = 1
	}
	all := make([]int, 0, count)
	for i := 1; i <= count; i++ {
		all = append(all, i)
	}
	return all
}
