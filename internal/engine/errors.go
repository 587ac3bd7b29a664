package engine

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind 对抽取失败分类，调度器据此决定是否自动重试。
type FailureKind string

const (
	KindTimeout        FailureKind = "timeout"
	KindEngineRejected FailureKind = "engine_rejected"
	KindQuotaExceeded  FailureKind = "quota_exceeded"
	KindTransientIO    FailureKind = "transient_io"
	KindUnknown        FailureKind = "unknown"
)

// ExtractionError 是适配器层面的类型化失败，Page 为 0 时表示整份文档失败。
type ExtractionError struct {
	Kind   FailureKind
	Page   int
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("%s (page %d): %s", e.Kind, e.Page, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Retryable 仅超时与瞬时 IO 允许调度器自动重试，其余等待用户显式重试。
func (e *ExtractionError) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindTransientIO
}

// NewError 构造整文档级别的失败。
func NewError(kind FailureKind, reason string, err error) *ExtractionError {
	return &ExtractionError{Kind: kind, Reason: reason, Err: err}
}

// PageError 构造页级别的失败。
func PageError(kind FailureKind, page int, reason string, err error) *ExtractionError {
	return &ExtractionError{Kind: kind, Page: page, Reason: reason, Err: err}
}

// Classify 将任意错误收敛为 ExtractionError：
// 上下文超时归为 timeout，其余未知错误归为 unknown。
func Classify(err error) *ExtractionError {
	if err == nil {
		return nil
	}
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return ee
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, "extraction timed out", err)
	}
	return NewError(KindUnknown, err.Error(), err)
}
