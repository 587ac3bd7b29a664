package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"extract-bench/internal/dispatcher"
	"extract-bench/internal/model"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfcpumodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Config 用于上传配置。
type Config struct {
	StorageDir string `yaml:"storage_dir" json:"storage_dir"`
	MaxFileMB  int    `yaml:"max_file_mb" json:"max_file_mb"`
}

// Store 抽象文档落库接口，便于测试替换。
type Store interface {
	CreateDocument(ctx context.Context, doc *model.Document) error
}

// Submitter 把已入库文档交给调度器建任务。
type Submitter interface {
	Submit(ctx context.Context, documentUUID string, engineIDs []string, requestedBy string) (dispatcher.SubmitResult, error)
}

// IncomingFile 是一个待入库的上传文件。
type IncomingFile struct {
	Filename string
	Data     []byte
}

// FailedUpload 记录单个文件的失败，不影响同批其他文件。
type FailedUpload struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// Result 是一批上传的结果：成功文档与逐个失败明细。
type Result struct {
	DocumentUUIDs []string               `json:"document_uuids"`
	Failed        []FailedUpload         `json:"failed_uploads"`
	Rejections    []dispatcher.Rejection `json:"rejections,omitempty"`
}

// Service 负责校验、落盘、落库并把上传文档交给调度器。
type Service struct {
	store     Store
	submitter Submitter
	dir       string
	maxBytes  int
	logger    *log.Logger
	now       func() time.Time
}

// NewService 创建 Service，保证存储目录存在。
func NewService(store Store, submitter Submitter, cfg Config, logger *log.Logger) (*Service, error) {
	dir := cfg.StorageDir
	if dir == "" {
		dir = "data/uploads"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	maxMB := cfg.MaxFileMB
	if maxMB <= 0 {
		maxMB = 50
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[ingest] ", log.LstdFlags)
	}

	return &Service{
		store:     store,
		submitter: submitter,
		dir:       dir,
		maxBytes:  maxMB << 20,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Upload 处理一批文件：每个文件独立校验、落盘、落库并提交所选引擎。
// 单个文件失败只记入 failed_uploads，其余文件照常入库。
func (s *Service) Upload(ctx context.Context, projectUUID string, files []IncomingFile, engineIDs []string, uploadedBy string) (Result, error) {
	res := Result{}

	for _, f := range files {
		doc, err := s.ingestOne(ctx, projectUUID, f, uploadedBy)
		if err != nil {
			s.logger.Printf("upload %s rejected: %v", f.Filename, err)
			res.Failed = append(res.Failed, FailedUpload{Filename: f.Filename, Error: err.Error()})
			continue
		}
		res.DocumentUUIDs = append(res.DocumentUUIDs, doc.UUID)

		if len(engineIDs) > 0 && s.submitter != nil {
			sub, err := s.submitter.Submit(ctx, doc.UUID, engineIDs, uploadedBy)
			if err != nil {
				res.Failed = append(res.Failed, FailedUpload{Filename: f.Filename, Error: fmt.Sprintf("submit jobs: %v", err)})
				continue
			}
			res.Rejections = append(res.Rejections, sub.Rejected...)
		}
	}

	return res, nil
}

func (s *Service) ingestOne(ctx context.Context, projectUUID string, f IncomingFile, uploadedBy string) (*model.Document, error) {
	if len(f.Data) == 0 {
		return nil, fmt.Errorf("file is empty")
	}
	if len(f.Data) > s.maxBytes {
		return nil, fmt.Errorf("file exceeds %dMB limit", s.maxBytes>>20)
	}

	fileType, err := detectType(f.Filename, f.Data)
	if err != nil {
		return nil, err
	}

	pageCount := 1
	if fileType == model.InputPDF {
		pageCount, err = pdfPageCount(f.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid pdf: %w", err)
		}
	}

	docUUID := uuid.NewString()
	path := filepath.Join(s.dir, docUUID+filepath.Ext(f.Filename))
	if err := os.WriteFile(path, f.Data, 0o644); err != nil {
		return nil, fmt.Errorf("store file: %w", err)
	}

	doc := &model.Document{
		UUID:        docUUID,
		ProjectUUID: projectUUID,
		Filename:    f.Filename,
		Filepath:    path,
		FileType:    fileType,
		PageCount:   pageCount,
		OwnerName:   uploadedBy,
		UploadedAt:  s.now(),
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("save document: %w", err)
	}
	return doc, nil
}

// detectType 按内容嗅探文件类型，只接受 PDF 与常见图片格式。
func detectType(filename string, data []byte) (model.InputType, error) {
	contentType := http.DetectContentType(data)
	switch {
	case contentType == "application/pdf":
		return model.InputPDF, nil
	case strings.HasPrefix(contentType, "image/png"),
		strings.HasPrefix(contentType, "image/jpeg"),
		strings.HasPrefix(contentType, "image/webp"),
		strings.HasPrefix(contentType, "image/tiff"):
		return model.InputImage, nil
	default:
		return "", fmt.Errorf("unsupported file type %s for %s", contentType, filename)
	}
}

// pdfPageCount 解析 PDF 结构并返回页数，不可解析的文件在入库前即被拒绝。
func pdfPageCount(data []byte) (int, error) {
	conf := pdfcpumodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfcpumodel.ValidationRelaxed

	pdfCtx, err := api.ReadContext(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("read pdf: %w", err)
	}
	if err := pdfCtx.EnsurePageCount(); err != nil {
		return 0, fmt.Errorf("page count: %w", err)
	}
	if pdfCtx.PageCount <= 0 {
		return 0, fmt.Errorf("pdf has no pages")
	}
	return pdfCtx.PageCount, nil
}
