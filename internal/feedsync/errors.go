package feedsync

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	errMissingStore    = errors.New("local store is required")
	errMissingGateway  = errors.New("remote gateway is required")
	errMissingUserID   = errors.New("user identifier is required")
	errAlreadyRunning  = errors.New("replay worker already running")
	errUnknownSortMode = errors.New("unknown sort mode")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opEngineNew       = "feedsync.engine.new"
	opHydrate         = "feedsync.hydrate"
	opLoadLikes       = "feedsync.load_likes"
	opRefreshSession  = "feedsync.refresh_session"
	opToggleLike      = "feedsync.toggle_like"
	opSubmitComment   = "feedsync.submit_comment"
	opRefreshComments = "feedsync.refresh_comments"
	opRecordView      = "feedsync.record_view"
	opCount           = "feedsync.count"
	opReplay          = "feedsync.replay"
	opStart           = "feedsync.start"
	opSortedPosts     = "feedsync.sorted_posts"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func (e *Engine) loggerOrDefault() *zap.Logger {
	if e == nil || e.logger == nil {
		return noOpLogger
	}
	return e.logger
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.loggerOrDefault().Error("feed sync error", attrs...)
}

func (e *Engine) logWarn(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.loggerOrDefault().Warn("feed sync degraded", attrs...)
}
