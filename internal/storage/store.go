package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"extract-bench/internal/model"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidTransition 表示请求的状态流转违反任务状态机。
// 这类错误指向调度不变量被破坏，必须上抛，绝不吞掉。
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store 封装 SQLite 数据库访问，负责文档、任务、页内容、批注与评分的读写。
// 同一任务记录上的并发更新由事务串行化。
type Store struct {
	db *gorm.DB
}

// JobQueryOptions 控制任务列表的反馈统计口径：
// FilterByUser 为真时仅统计 UserName 自己的反馈，任务本身始终全量返回。
type JobQueryOptions struct {
	FilterByUser bool
	UserName     string
}

// Transition 描述一次原子的任务状态更新。
// Pages 非 nil 时在同一事务内整体替换该任务的页内容；
// ClearTerminal 用于重试，清空上一轮的终态元数据。
type Transition struct {
	To            model.JobStatus
	StartTime     *time.Time
	EndTime       *time.Time
	LatencyMS     *int64
	Cost          *float64
	Attempts      *int
	ErrorReason   *string
	Pages         []model.PageContent
	ClearTerminal bool
}

// RatingSummary 是 (页, 任务) 维度的评分聚合，均值与计数按需计算不做冗余存储。
type RatingSummary struct {
	AverageRating *float64 `json:"average_rating"`
	TotalRatings  int64    `json:"total_ratings"`
	UserRating    *int     `json:"user_rating"`
}

// NewStore 创建 Store 并自动迁移数据表。
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.AutoMigrate(
		&model.Document{},
		&model.ExtractionJob{},
		&model.PageContent{},
		&model.Annotation{},
		&model.Feedback{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate models: %w", err)
	}

	return &Store{db: db}, nil
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	return nil
}

// CreateDocument 写入一份新文档。
func (s *Store) CreateDocument(ctx context.Context, doc *model.Document) error {
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// GetDocument 按 UUID 获取文档。
func (s *Store) GetDocument(ctx context.Context, uuid string) (*model.Document, error) {
	var doc model.Document
	if err := s.db.WithContext(ctx).First(&doc, "uuid = ?", uuid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &doc, nil
}

// ListDocuments 返回项目下的文档，按上传时间倒序。
func (s *Store) ListDocuments(ctx context.Context, projectUUID string) ([]model.Document, error) {
	var docs []model.Document
	if err := s.db.WithContext(ctx).
		Where("project_uuid = ?", projectUUID).
		Order("uploaded_at DESC").
		Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// DeleteDocument 删除文档并级联清理其任务、页内容、批注与评分。
func (s *Store) DeleteDocument(ctx context.Context, uuid string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var jobIDs []string
		if err := tx.Model(&model.ExtractionJob{}).Where("document_uuid = ?", uuid).Pluck("uuid", &jobIDs).Error; err != nil {
			return fmt.Errorf("collect job ids: %w", err)
		}
		if len(jobIDs) > 0 {
			if err := tx.Where("extraction_job_uuid IN ?", jobIDs).Delete(&model.PageContent{}).Error; err != nil {
				return fmt.Errorf("delete page contents: %w", err)
			}
		}
		if err := tx.Where("document_uuid = ?", uuid).Delete(&model.Annotation{}).Error; err != nil {
			return fmt.Errorf("delete annotations: %w", err)
		}
		if err := tx.Where("document_uuid = ?", uuid).Delete(&model.Feedback{}).Error; err != nil {
			return fmt.Errorf("delete feedback: %w", err)
		}
		if err := tx.Where("document_uuid = ?", uuid).Delete(&model.ExtractionJob{}).Error; err != nil {
			return fmt.Errorf("delete jobs: %w", err)
		}
		if err := tx.Where("uuid = ?", uuid).Delete(&model.Document{}).Error; err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete document cascade: %w", err)
	}
	return nil
}

// CreateJobs 批量写入新任务，初始状态由调用方设置。
func (s *Store) CreateJobs(ctx context.Context, jobs []model.ExtractionJob) error {
	if len(jobs) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&jobs).Error; err != nil {
		return fmt.Errorf("create jobs: %w", err)
	}
	return nil
}

// GetJob 按 UUID 获取任务。
func (s *Store) GetJob(ctx context.Context, uuid string) (*model.ExtractionJob, error) {
	var job model.ExtractionJob
	if err := s.db.WithContext(ctx).First(&job, "uuid = ?", uuid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// GetJobByEngine 获取 (document, engine) 对应的既有任务记录。
func (s *Store) GetJobByEngine(ctx context.Context, documentUUID, engineID string) (*model.ExtractionJob, error) {
	var job model.ExtractionJob
	if err := s.db.WithContext(ctx).
		First(&job, "document_uuid = ? AND engine = ?", documentUUID, engineID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get job by engine: %w", err)
	}
	return &job, nil
}

// ListJobs 返回文档下的任务列表，按引擎名排序，并在读取时为每个任务
// 聚合反馈统计（评分页数、平均分、反馈总数）。统计是派生值不落库。
func (s *Store) ListJobs(ctx context.Context, documentUUID string, opts JobQueryOptions) ([]model.ExtractionJob, error) {
	var jobs []model.ExtractionJob
	err := s.db.WithContext(ctx).
		Where("document_uuid = ?", documentUUID).
		Order("engine ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	for i := range jobs {
		if err := s.attachFeedbackStats(ctx, &jobs[i], opts); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// attachFeedbackStats 按任务聚合反馈：FilterByUser 为真时只统计指定用户的记录。
func (s *Store) attachFeedbackStats(ctx context.Context, job *model.ExtractionJob, opts JobQueryOptions) error {
	query := s.db.WithContext(ctx).Where("extraction_job_uuid = ?", job.UUID)
	if opts.FilterByUser {
		query = query.Where("user_name = ?", opts.UserName)
	}

	var rows []model.Feedback
	if err := query.Find(&rows).Error; err != nil {
		return fmt.Errorf("load feedback stats: %w", err)
	}

	pages := make(map[int]struct{}, len(rows))
	sum := 0
	for _, f := range rows {
		pages[f.PageNumber] = struct{}{}
		sum += f.Rating
	}

	job.TotalFeedbackCount = len(rows)
	job.PagesAnnotated = len(pages)
	job.TotalRating = nil
	if len(rows) > 0 {
		avg := math.Round(float64(sum)/float64(len(rows))*100) / 100
		job.TotalRating = &avg
	}
	return nil
}

// TransitionJob 原子地推进任务状态。
// 在事务内重读任务行并校验状态机，非法流转返回 ErrInvalidTransition；
// 带 Pages 的流转在同一事务内整体替换页内容，读者看不到中间态。
func (s *Store) TransitionJob(ctx context.Context, jobUUID string, tr Transition) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job model.ExtractionJob
		if err := tx.First(&job, "uuid = ?", jobUUID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("load job: %w", err)
		}

		if !job.Status.CanTransition(tr.To) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, tr.To)
		}

		values := map[string]any{"status": tr.To}
		if tr.StartTime != nil {
			values["start_time"] = *tr.StartTime
		}
		if tr.EndTime != nil {
			values["end_time"] = *tr.EndTime
		}
		if tr.LatencyMS != nil {
			values["latency_ms"] = *tr.LatencyMS
		}
		if tr.Cost != nil {
			values["cost"] = *tr.Cost
		}
		if tr.Attempts != nil {
			values["attempts"] = *tr.Attempts
		}
		if tr.ErrorReason != nil {
			values["error_reason"] = *tr.ErrorReason
		}
		if tr.ClearTerminal {
			values["end_time"] = nil
			values["latency_ms"] = nil
			values["cost"] = nil
			values["error_reason"] = ""
		}

		if err := tx.Model(&model.ExtractionJob{}).Where("uuid = ?", jobUUID).Updates(values).Error; err != nil {
			return fmt.Errorf("update job: %w", err)
		}

		if tr.Pages != nil {
			if err := tx.Where("extraction_job_uuid = ?", jobUUID).Delete(&model.PageContent{}).Error; err != nil {
				return fmt.Errorf("clear page contents: %w", err)
			}
			if len(tr.Pages) > 0 {
				if err := tx.Create(&tr.Pages).Error; err != nil {
					return fmt.Errorf("insert page contents: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("transition job: %w", err)
	}
	return nil
}

// ListPages 返回任务的页内容，按页码升序。
func (s *Store) ListPages(ctx context.Context, jobUUID string) ([]model.PageContent, error) {
	var pages []model.PageContent
	if err := s.db.WithContext(ctx).
		Where("extraction_job_uuid = ?", jobUUID).
		Order("page_number ASC").
		Find(&pages).Error; err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	return pages, nil
}

// GetPage 返回任务某一页的内容。
func (s *Store) GetPage(ctx context.Context, jobUUID string, pageNumber int) (*model.PageContent, error) {
	var page model.PageContent
	if err := s.db.WithContext(ctx).
		First(&page, "extraction_job_uuid = ? AND page_number = ?", jobUUID, pageNumber).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get page: %w", err)
	}
	return &page, nil
}

// CreateAnnotation 写入批注，区间必须满足 0 <= start <= end。
func (s *Store) CreateAnnotation(ctx context.Context, a *model.Annotation) error {
	if a.SelectionStart < 0 || a.SelectionEnd < a.SelectionStart {
		return fmt.Errorf("invalid selection range [%d, %d)", a.SelectionStart, a.SelectionEnd)
	}
	if a.UUID == "" {
		a.UUID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("create annotation: %w", err)
	}
	return nil
}

// ListAnnotations 返回任务（可选指定页）的批注，按创建时间升序。
func (s *Store) ListAnnotations(ctx context.Context, jobUUID string, pageNumber *int) ([]model.Annotation, error) {
	query := s.db.WithContext(ctx).
		Where("extraction_job_uuid = ?", jobUUID).
		Order("created_at ASC")
	if pageNumber != nil {
		query = query.Where("page_number = ?", *pageNumber)
	}

	var annotations []model.Annotation
	if err := query.Find(&annotations).Error; err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	return annotations, nil
}

// DeleteAnnotation 删除指定批注。
func (s *Store) DeleteAnnotation(ctx context.Context, uuid string) error {
	tx := s.db.WithContext(ctx).Where("uuid = ?", uuid).Delete(&model.Annotation{})
	if tx.Error != nil {
		return fmt.Errorf("delete annotation: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpsertFeedback 写入或更新评分，同一 (页, 任务, 用户) 只保留最新一条。
func (s *Store) UpsertFeedback(ctx context.Context, f *model.Feedback) error {
	if f.Rating < 1 || f.Rating > 5 {
		return fmt.Errorf("rating must be between 1 and 5, got %d", f.Rating)
	}
	if f.UUID == "" {
		f.UUID = uuid.NewString()
	}
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "page_number"}, {Name: "extraction_job_uuid"}, {Name: "user_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"rating", "comment", "updated_at"}),
	}).Create(f)
	if tx.Error != nil {
		return fmt.Errorf("upsert feedback: %w", tx.Error)
	}
	return nil
}

// PageRatingSummary 返回 (页, 任务) 的平均分、评分数与请求用户自己的评分。
func (s *Store) PageRatingSummary(ctx context.Context, jobUUID string, pageNumber int, userName string) (RatingSummary, error) {
	summary := RatingSummary{}

	var row struct {
		Average sql.NullFloat64
		Total   int64
	}
	if err := s.db.WithContext(ctx).Model(&model.Feedback{}).
		Select("AVG(rating) AS average, COUNT(*) AS total").
		Where("extraction_job_uuid = ? AND page_number = ?", jobUUID, pageNumber).
		Scan(&row).Error; err != nil {
		return summary, fmt.Errorf("aggregate ratings: %w", err)
	}
	summary.TotalRatings = row.Total
	if row.Average.Valid && row.Total > 0 {
		avg := row.Average.Float64
		summary.AverageRating = &avg
	}

	if userName != "" {
		var own model.Feedback
		err := s.db.WithContext(ctx).
			First(&own, "extraction_job_uuid = ? AND page_number = ? AND user_name = ?", jobUUID, pageNumber, userName).Error
		switch {
		case err == nil:
			rating := own.Rating
			summary.UserRating = &rating
		case errors.Is(err, gorm.ErrRecordNotFound):
			// 用户尚未评分，保持 nil。
		default:
			return summary, fmt.Errorf("load user rating: %w", err)
		}
	}
	return summary, nil
}
