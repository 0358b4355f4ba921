package logger

import (
	"io"
	"os"
	"sync"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level 日志级别（直接复用zapcore定义）
type Level = zapcore.Level

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
	FatalLevel = zapcore.FatalLevel
)

// Logger 封装zap的日志实例
type Logger struct {
	l     *zap.SugaredLogger
	base  *zap.Logger
	level zap.AtomicLevel
}

// New 创建日志实例
// 参数：
//   - out: 日志输出目标（nil时输出到标准错误）
//   - level: 初始日志级别
// 返回：日志实例
func New(out io.Writer, level Level) *Logger {
	if out == nil {
		out = os.Stderr
	}

	al := zap.NewAtomicLevelAt(level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(out),
		al,
	)

	base := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &Logger{
		l:     base.Sugar(),
		base:  base,
		level: al,
	}
}

// NewProductionRotateByTime 创建按时间轮转的日志输出
// 每天切割一次，保留7天历史，filename为当前日志的软链接
func NewProductionRotateByTime(filename string) io.Writer {
	out, err := rotatelogs.New(
		filename+".%Y%m%d",
		rotatelogs.WithLinkName(filename),
		rotatelogs.WithMaxAge(7*24*time.Hour),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		// 轮转器创建失败时退回标准错误，不阻塞启动
		return os.Stderr
	}
	return out
}

// NewProductionRotateBySize 创建按大小轮转的日志输出
// 单文件100MB，最多保留10个备份、7天历史，旧文件自动压缩
func NewProductionRotateBySize(filename string) io.Writer {
	return &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     7,
		Compress:   true,
	}
}

// SetLevel 动态调整日志级别
func (lg *Logger) SetLevel(level Level) {
	lg.level.SetLevel(level)
}

// Sync 刷新缓冲区
func (lg *Logger) Sync() error {
	return lg.base.Sync()
}

func (lg *Logger) Debug(args ...interface{})                 { lg.l.Debug(args...) }
func (lg *Logger) Debugf(format string, args ...interface{}) { lg.l.Debugf(format, args...) }
func (lg *Logger) Info(args ...interface{})                  { lg.l.Info(args...) }
func (lg *Logger) Infof(format string, args ...interface{})  { lg.l.Infof(format, args...) }
func (lg *Logger) Warn(args ...interface{})                  { lg.l.Warn(args...) }
func (lg *Logger) Warnf(format string, args ...interface{})  { lg.l.Warnf(format, args...) }
func (lg *Logger) Error(args ...interface{})                 { lg.l.Error(args...) }
func (lg *Logger) Errorf(format string, args ...interface{}) { lg.l.Errorf(format, args...) }
func (lg *Logger) Fatal(args ...interface{})                 { lg.l.Fatal(args...) }
func (lg *Logger) Fatalf(format string, args ...interface{}) { lg.l.Fatalf(format, args...) }

// 全局默认日志实例
var (
	std   = New(os.Stderr, InfoLevel)
	stdMu sync.RWMutex
)

// Default 获取默认日志实例
func Default() *Logger {
	stdMu.RLock()
	defer stdMu.RUnlock()
	return std
}

// ReplaceDefault 替换默认日志实例
func ReplaceDefault(lg *Logger) {
	if lg == nil {
		return
	}
	stdMu.Lock()
	defer stdMu.Unlock()
	std = lg
}

// SetLevel 调整默认日志实例的级别
func SetLevel(level Level) {
	Default().SetLevel(level)
}

// Sync 刷新默认日志实例的缓冲区
func Sync() error {
	return Default().Sync()
}

func Debug(args ...interface{})                 { Default().Debug(args...) }
func Debugf(format string, args ...interface{}) { Default().Debugf(format, args...) }
func Info(args ...interface{})                  { Default().Info(args...) }
func Infof(format string, args ...interface{})  { Default().Infof(format, args...) }
func Warn(args ...interface{})                  { Default().Warn(args...) }
func Warnf(format string, args ...interface{})  { Default().Warnf(format, args...) }
func Error(args ...interface{})                 { Default().Error(args...) }
func Errorf(format string, args ...interface{}) { Default().Errorf(format, args...) }
func Fatal(args ...interface{})                 { Default().Fatal(args...) }
func Fatalf(format string, args ...interface{}) { Default().Fatalf(format, args...) }
