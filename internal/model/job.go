package model

import (
	"time"
)

// JobStatus 表示抽取任务的生命周期状态。
type JobStatus string

const (
	StatusNotStarted JobStatus = "Not Started"
	StatusProcessing JobStatus = "Processing"
	StatusSuccess    JobStatus = "Success"
	StatusFailed     JobStatus = "Failed"
)

// Terminal 判断状态是否为终态，终态之后不再自动流转。
func (s JobStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// CanTransition 校验状态机流转是否合法：
// NotStarted -> Processing；Processing -> Success/Failed；
// 终态与 NotStarted 允许显式重试回到 Processing，Processing 期间拒绝一切重入。
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case StatusNotStarted:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusSuccess || to == StatusFailed
	case StatusSuccess, StatusFailed:
		return to == StatusProcessing
	default:
		return false
	}
}

// ExtractionJob 表示某个引擎针对某份文档的一次抽取任务记录
// - UUID: 任务唯一标识
// - DocumentUUID/Engine: 任务归属，(document, engine) 全局唯一，重试复用同一条记录
// - StartTime/EndTime/LatencyMS: 当前尝试周期的耗时信息，重试时清空重算
// - Cost: 引擎按页计费的总成本
// - Attempts: 内部自动重试消耗的尝试次数
// - ErrorReason: 失败时保留的人类可读原因
// - PagesAnnotated/TotalRating/TotalFeedbackCount: 读取时按反馈聚合的派生统计，不落库

type ExtractionJob struct {
	UUID         string     `gorm:"primaryKey" json:"uuid"`
	DocumentUUID string     `gorm:"index;uniqueIndex:idx_document_engine" json:"document_uuid"`
	Engine       string     `gorm:"uniqueIndex:idx_document_engine" json:"engine"`
	Status       JobStatus  `gorm:"index" json:"status"`
	StartTime    *time.Time `json:"start_time"`
	EndTime      *time.Time `json:"end_time"`
	LatencyMS    *int64     `json:"latency_ms"`
	Cost         *float64   `json:"cost"`
	Attempts     int        `json:"attempts"`
	ErrorReason  string     `json:"error_reason,omitempty"`
	RequestedBy  string     `gorm:"index" json:"requested_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	PagesAnnotated     int      `gorm:"-" json:"pages_annotated"`
	TotalRating        *float64 `gorm:"-" json:"total_rating"`
	TotalFeedbackCount int      `gorm:"-" json:"total_feedback_count"`
}
