package log

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init 初始化全局 logger：dev 环境输出彩色控制台格式，
// 其他环境输出 JSON。级别可用 LOG_LEVEL 覆盖。
func Init(env string) {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if env == "dev" {
		level = zerolog.DebugLevel
	}
	if lv := strings.ToLower(os.Getenv("LOG_LEVEL")); lv != "" {
		if parsed, err := zerolog.ParseLevel(lv); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if env == "dev" {
		cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		logger = zerolog.New(cw)
	} else {
		logger = zerolog.New(os.Stdout)
	}
	log.Logger = logger.With().Timestamp().Str("service", "chathub").Logger()
}
