// Package logger は zap ベースの構造化ロガーを提供します。
package logger

import (
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

// New はアプリケーション用のロガーを作成します。
// development が true の場合はコンソール向けのエンコーダーを使います。
func New(level string, development bool) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	core, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return core.Sugar(), nil
}

// Test はテスト出力に書き込むロガーを返します。
func Test(tb testing.TB) *zap.SugaredLogger {
	tb.Helper()
	return zaptest.NewLogger(tb, zaptest.Level(zapcore.DebugLevel)).Sugar()
}

// Nop は何も出力しないロガーを返します。
func Nop() *zap.SugaredLogger {
	return zap.New(zapcore.NewNopCore()).Sugar()
}

// Middleware は gin.Logger() の代わりにリクエストを構造化ログへ出力します。
func Middleware(lggr *zap.SugaredLogger, userKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		fields := []any{
			"method", c.Request.Method,
			"route", route,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"ip", c.ClientIP(),
		}
		if user := c.GetString(userKey); user != "" {
			fields = append(fields, "user", user)
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "errors", c.Errors.String())
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			lggr.Errorw("request", fields...)
		case status >= 400:
			lggr.Warnw("request", fields...)
		default:
			lggr.Infow("request", fields...)
		}
	}
}
