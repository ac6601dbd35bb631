package log

// 基于zap封装的日志组件，插件（zapcore.Core）决定日志写到哪里，NewLogger负责组装

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Plugin = zapcore.Core

// 创建日志器，默认选项在前，调用方追加的选项在后
func NewLogger(plugin Plugin, options ...zap.Option) *zap.Logger {
	return zap.New(plugin, append(DefaultOption(), options...)...)
}

func NewPlugin(writer zapcore.WriteSyncer, enabler zapcore.LevelEnabler) Plugin {
	return zapcore.NewCore(DefaultEncoder(), writer, enabler)
}

func NewStdoutPlugin(enabler zapcore.LevelEnabler) Plugin {
	return NewPlugin(zapcore.Lock(zapcore.AddSync(os.Stdout)), enabler)
}

func NewStderrPlugin(enabler zapcore.LevelEnabler) Plugin {
	return NewPlugin(zapcore.Lock(zapcore.AddSync(os.Stderr)), enabler)
}

// lumberjack没有暴露Sync，所以额外返回closer，进程退出前需要Close保证日志落盘
func NewFilePlugin(filePath string, enabler zapcore.LevelEnabler) (Plugin, io.Closer) {
	writer := DefaultLumberjackLogger()
	writer.Filename = filePath
	return NewPlugin(zapcore.AddSync(writer), enabler), writer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

/*
输入日志级别文本和日志文件路径，输出日志器、closer和错误

级别文本为空时默认INFO；标准输出插件总是开启，filePath不为空时再通过NewTee挂一个轮转文件插件，两个插件共用同一个级别
*/
func New(levelText string, filePath string) (*zap.Logger, io.Closer, error) {
	if levelText == "" {
		levelText = "info"
	}
	level, err := zapcore.ParseLevel(levelText)
	if err != nil {
		return nil, nil, fmt.Errorf("parse log level %q: %w", levelText, err)
	}

	plugins := []Plugin{NewStdoutPlugin(level)}
	var closer io.Closer = nopCloser{}
	if filePath != "" {
		var p Plugin
		p, closer = NewFilePlugin(filePath, level)
		plugins = append(plugins, p)
	}

	return NewLogger(zapcore.NewTee(plugins...)), closer, nil
}
