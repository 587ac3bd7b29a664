package normalize

import (
	"strings"

	"extract-bench/internal/model"

	"gorm.io/datatypes"
)

// NamedViews 表示一页内容的命名视图集合，缺失的视图不占槽位。
type NamedViews map[model.ViewMode]string

// NoContentPlaceholder 是缺失视图的展示哨兵值，查询缺失视图不抛错。
const NoContentPlaceholder = "No content available for this view"

// modePrecedence 定义默认展示视图的固定优先级。
var modePrecedence = []model.ViewMode{
	model.ViewCombined,
	model.ViewMarkdown,
	model.ViewLatex,
	model.ViewText,
	model.ViewTable,
}

// knownModes 列出全部合法视图键。
var knownModes = map[model.ViewMode]struct{}{
	model.ViewCombined: {},
	model.ViewText:     {},
	model.ViewTable:    {},
	model.ViewMarkdown: {},
	model.ViewLatex:    {},
}

// Normalize 将引擎原始键值映射收敛为命名视图：丢弃未知键与空白内容。
// 对已归一化的结果重复调用是幂等的。
func Normalize(raw map[string]string) NamedViews {
	views := NamedViews{}
	for key, value := range raw {
		mode := model.ViewMode(strings.ToUpper(strings.TrimSpace(key)))
		if _, ok := knownModes[mode]; !ok {
			continue
		}
		if strings.TrimSpace(value) == "" {
			continue
		}
		views[mode] = value
	}
	return views
}

// ViewForMode 返回指定视图的文本；视图缺失时返回 ok=false，永不 panic。
func ViewForMode(views NamedViews, mode model.ViewMode) (string, bool) {
	if views == nil {
		return "", false
	}
	text, ok := views[mode]
	if !ok || text == "" {
		return "", false
	}
	return text, true
}

// DisplayText 返回指定视图的展示文本，缺失时给出哨兵占位。
func DisplayText(views NamedViews, mode model.ViewMode) string {
	if text, ok := ViewForMode(views, mode); ok {
		return text
	}
	return NoContentPlaceholder
}

// DefaultMode 按 COMBINED > MARKDOWN > LATEX > TEXT > TABLE 选出默认展示视图。
func DefaultMode(views NamedViews) (model.ViewMode, bool) {
	for _, mode := range modePrecedence {
		if _, ok := ViewForMode(views, mode); ok {
			return mode, true
		}
	}
	return "", false
}

// HasContent 判断视图集合中是否存在任何非空内容。
func HasContent(views NamedViews) bool {
	_, ok := DefaultMode(views)
	return ok
}

// ToJSONMap 转换为数据库 JSON 列类型。
func ToJSONMap(views NamedViews) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for mode, text := range views {
		out[string(mode)] = text
	}
	return out
}

// FromJSONMap 从数据库 JSON 列还原视图集合，忽略非字符串值。
func FromJSONMap(raw datatypes.JSONMap) NamedViews {
	views := NamedViews{}
	for key, value := range raw {
		text, ok := value.(string)
		if !ok {
			continue
		}
		mode := model.ViewMode(key)
		if _, known := knownModes[mode]; !known || text == "" {
			continue
		}
		views[mode] = text
	}
	return views
}
