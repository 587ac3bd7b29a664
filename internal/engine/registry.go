package engine

import (
	"extract-bench/internal/model"
)

// Registry 维护可用引擎集合，只读、无副作用。
type Registry struct {
	adapters map[string]Adapter
	order    []string
}

// NewRegistry 按注册顺序创建 Registry，重复 ID 的后注册者覆盖前者。
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		id := a.Describe().ID
		if _, exists := r.adapters[id]; !exists {
			r.order = append(r.order, id)
		}
		r.adapters[id] = a
	}
	return r
}

// List 返回支持指定输入类型的引擎描述；未知输入类型得到空集而非错误。
func (r *Registry) List(inputType model.InputType) []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		desc := r.adapters[id].Describe()
		if desc.SupportsInput(inputType) {
			out = append(out, desc)
		}
	}
	return out
}

// Get 按 ID 解析适配器。
func (r *Registry) Get(id string) (Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

// Supports 判断引擎是否存在且接受指定输入类型。
func (r *Registry) Supports(id string, inputType model.InputType) bool {
	a, ok := r.adapters[id]
	if !ok {
		return false
	}
	return a.Describe().SupportsInput(inputType)
}

// Categories 按类别聚合引擎描述，保持注册顺序，空类别不出现。
func (r *Registry) Categories(inputType model.InputType) []CategoryGroup {
	groups := make([]CategoryGroup, 0, 4)
	index := make(map[string]int)
	for _, desc := range r.List(inputType) {
		i, ok := index[desc.Category]
		if !ok {
			i = len(groups)
			index[desc.Category] = i
			groups = append(groups, CategoryGroup{Category: desc.Category})
		}
		groups[i].Engines = append(groups[i].Engines, desc)
	}
	return groups
}

// CategoryGroup 是按类别分组后的引擎清单。
type CategoryGroup struct {
	Category string       `json:"category"`
	Engines  []Descriptor `json:"extractors"`
}
