package model

import "time"

// Annotation 表示用户针对某任务某页展示文本的区间批注，区间为 [start, end)。
// 任务重试导致内容变化时不做迁移，读取时按当前文本长度夹取区间。
type Annotation struct {
	UUID              string    `gorm:"primaryKey" json:"uuid"`
	DocumentUUID      string    `gorm:"index" json:"document_uuid"`
	ExtractionJobUUID string    `gorm:"index" json:"extraction_job_uuid"`
	PageNumber        int       `gorm:"index" json:"page_number"`
	Text              string    `json:"text"`
	Comment           string    `json:"comment"`
	SelectionStart    int       `json:"selection_start"`
	SelectionEnd      int       `json:"selection_end"`
	CreatedAt         time.Time `json:"created_at"`
}

// Clamped 按当前展示文本长度夹取批注区间：end 不越过文本末尾，start 不越过 end。
// 内容被重试改写后批注可能脱靶，这里保证区间始终合法而非报错。
func (a Annotation) Clamped(textLength int) Annotation {
	if textLength < 0 {
		textLength = 0
	}
	if a.SelectionEnd > textLength {
		a.SelectionEnd = textLength
	}
	if a.SelectionStart > a.SelectionEnd {
		a.SelectionStart = a.SelectionEnd
	}
	if a.SelectionStart < 0 {
		a.SelectionStart = 0
	}
	return a
}

// Feedback 表示 (页, 任务, 用户) 维度的 1-5 评分与可选评论，
// 同一用户对同一 (页, 任务) 至多保留一条生效记录。
type Feedback struct {
	UUID              string    `gorm:"primaryKey" json:"uuid"`
	DocumentUUID      string    `gorm:"index" json:"document_uuid"`
	PageNumber        int       `gorm:"index;uniqueIndex:idx_page_job_user" json:"page_number"`
	ExtractionJobUUID string    `gorm:"index;uniqueIndex:idx_page_job_user" json:"extraction_job_uuid"`
	UserName          string    `gorm:"uniqueIndex:idx_page_job_user" json:"user_name"`
	Rating            int       `json:"rating"`
	Comment           string    `json:"comment,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
