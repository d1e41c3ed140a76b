// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Logger 是全局的 zerolog 实例，所有服务共享同一份配置。
var Logger zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	Logger = zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()
}

// Init 根据服务名和日志级别重新配置全局 Logger。
// 在每个服务的 main 中调用一次。
func Init(serviceName, level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	Logger = zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// Ctx 返回一个携带追踪信息的 Logger。
// 如果上下文中存在有效的 Span，则自动附加 trace_id/span_id 字段，
// 方便在日志系统里与 Jaeger 链路互相跳转。
func Ctx(ctx context.Context) *zerolog.Logger {
	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()
	if !sc.IsValid() {
		return &Logger
	}
	l := Logger.With().
		Str("trace_id", sc.TraceID().String()).
		Str("span_id", sc.SpanID().String()).
		Logger()
	return &l
}

// WithContext 把全局 Logger 挂到 ctx 上，兼容 zerolog 的 log.Ctx 用法。
func WithContext(ctx context.Context) context.Context {
	return Logger.WithContext(ctx)
}
