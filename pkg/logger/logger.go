package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 日志配置
type Config struct {
	Level      string // 日志级别: debug, info, warn, error
	OutputFile string // 为空则只输出到控制台
	MaxSize    int    // 单个日志文件上限（MB）
	MaxBackups int    // 旧日志文件保留个数
	MaxAge     int    // 旧日志文件保留天数
	Compress   bool   // 是否压缩旧日志文件
}

var (
	// Logger 全局日志实例，Init 之前为 nil
	Logger *logrus.Logger
	logMu  sync.Mutex
)

// Init 初始化日志系统。配置了文件输出时经 lumberjack 轮转落盘，
// 同时把全局 logrus 调到同一套输出，组件里直接用
// logrus.WithField 打的日志也会进文件。
func Init(cfg Config) error {
	logMu.Lock()
	defer logMu.Unlock()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	formatter := &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05",
		ForceColors:     true,
	}

	out := io.Writer(os.Stdout)
	if cfg.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.OutputFile), 0755); err != nil {
			return err
		}
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.OutputFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
	}

	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(formatter)
	l.SetOutput(out)

	logrus.SetLevel(level)
	logrus.SetFormatter(formatter)
	logrus.SetOutput(out)

	Logger = l
	return nil
}

// InitDefault 使用默认配置初始化（info 级别，只输出到控制台）
func InitDefault() error {
	return Init(Config{Level: "info"})
}

// std 返回当前日志实例，Init 之前退回 logrus 全局实例
func std() *logrus.Logger {
	if Logger != nil {
		return Logger
	}
	return logrus.StandardLogger()
}

// 包级辅助函数，转发到当前实例

func Debug(args ...interface{})                 { std().Debug(args...) }
func Debugf(format string, args ...interface{}) { std().Debugf(format, args...) }
func Info(args ...interface{})                  { std().Info(args...) }
func Infof(format string, args ...interface{})  { std().Infof(format, args...) }
func Warn(args ...interface{})                  { std().Warn(args...) }
func Warnf(format string, args ...interface{})  { std().Warnf(format, args...) }
func Error(args ...interface{})                 { std().Error(args...) }
func Errorf(format string, args ...interface{}) { std().Errorf(format, args...) }

// WithField 创建带字段的日志上下文
func WithField(key string, value interface{}) *logrus.Entry {
	return std().WithField(key, value)
}
