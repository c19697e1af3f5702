// Package logger 初始化协作服务的 zerolog 日志
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // 开发环境用彩色控制台输出
	Output     io.Writer
	WithCaller bool
}

// New 按配置创建 logger，所有日志带 service 字段
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zlog := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "collab").
		Logger()
	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}
	return zlog
}

// Init 创建 logger 并替换 zerolog 的全局 logger
func Init(cfg Config) zerolog.Logger {
	zlog := New(cfg)
	log.Logger = zlog
	return zlog
}
