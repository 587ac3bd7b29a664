package model

import (
	"time"

	"gorm.io/datatypes"
)

// InputType 表示上传文档的输入类型。
type InputType string

const (
	InputPDF   InputType = "pdf"
	InputImage InputType = "image"
)

// ViewMode 表示归一化输出的命名视图槽位，与具体引擎无关。
type ViewMode string

const (
	ViewCombined ViewMode = "COMBINED"
	ViewText     ViewMode = "TEXT"
	ViewTable    ViewMode = "TABLE"
	ViewMarkdown ViewMode = "MARKDOWN"
	ViewLatex    ViewMode = "LATEX"
)

// Document 表示一份已上传的文档
// - UUID: 上传时生成，元数据之外不可变
// - PageCount: 入库时解析得到，图片固定为 1
// - Filepath: 本地存储路径

type Document struct {
	UUID        string    `gorm:"primaryKey" json:"uuid"`
	ProjectUUID string    `gorm:"index" json:"project_uuid"`
	Filename    string    `json:"filename"`
	Filepath    string    `json:"filepath"`
	FileType    InputType `json:"file_type"`
	PageCount   int       `json:"page_count"`
	OwnerName   string    `json:"owner_name,omitempty"`
	UploadedAt  time.Time `json:"uploaded_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PageContent 表示任务成功后某一页的归一化内容，Views 键为 ViewMode。
// 任务完成时整体写入，重试成功后整体替换，绝不部分覆盖。
type PageContent struct {
	UUID              string            `gorm:"primaryKey" json:"uuid"`
	ExtractionJobUUID string            `gorm:"index" json:"extraction_job_uuid"`
	PageNumber        int               `json:"page_number"`
	Views             datatypes.JSONMap `json:"views"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}
