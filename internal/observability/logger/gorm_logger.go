package logger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

// GormLoggerConfig configures the GORM zap logger.
type GormLoggerConfig struct {
	Level         gormlogger.LogLevel
	SlowThreshold time.Duration
	// IncludeSQL adds statement text to query lines. Bound values are never logged.
	IncludeSQL bool
}

func DefaultGormLoggerConfig() GormLoggerConfig {
	return GormLoggerConfig{
		Level:         gormlogger.Warn,
		SlowThreshold: 200 * time.Millisecond,
	}
}

// GormLoggerConfigFor widens query logging for local environments.
func GormLoggerConfigFor(debug bool) GormLoggerConfig {
	cfg := DefaultGormLoggerConfig()
	if debug {
		cfg.Level = gormlogger.Info
		cfg.IncludeSQL = true
	}
	return cfg
}

// GormLogger routes GORM output through the request-scoped zap logger.
// A missing row is not an error: repositories return nil for it.
type GormLogger struct {
	cfg GormLoggerConfig
}

func NewGormLogger(cfg GormLoggerConfig) *GormLogger {
	return &GormLogger{cfg: cfg}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.cfg.Level = level
	return &next
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Info, zap.InfoLevel, msg, data)
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Warn, zap.WarnLevel, msg, data)
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Error, zap.ErrorLevel, msg, data)
}

func (l *GormLogger) message(ctx context.Context, min gormlogger.LogLevel, level zapcore.Level, msg string, data []interface{}) {
	if l.cfg.Level < min {
		return
	}
	FromContext(ctx).Log(level, fmt.Sprintf(msg, data...), zap.String("component", "gorm"))
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.cfg.Level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	var level zapcore.Level
	switch {
	case err != nil && !errors.Is(err, gormlogger.ErrRecordNotFound) && l.cfg.Level >= gormlogger.Error:
		level = zap.ErrorLevel
	case l.cfg.SlowThreshold > 0 && elapsed > l.cfg.SlowThreshold && l.cfg.Level >= gormlogger.Warn:
		level = zap.WarnLevel
	case l.cfg.Level >= gormlogger.Info:
		level = zap.DebugLevel
	default:
		return
	}

	sql, rows := fc()
	op, table := describeSQL(sql)
	fields := []zap.Field{
		zap.String("component", "gorm"),
		zap.String("operation", op),
		zap.String("table", table),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	if l.cfg.IncludeSQL {
		fields = append(fields, zap.String("sql", strings.Join(strings.Fields(sql), " ")))
	}
	if level == zap.ErrorLevel {
		fields = append(fields, zap.Error(err))
	}
	FromContext(ctx).Log(level, "gorm.query", fields...)
}

// ParamsFilter drops bound values; documents and memo bodies pass through them.
func (l *GormLogger) ParamsFilter(ctx context.Context, sql string, params ...interface{}) (string, []interface{}) {
	return sql, nil
}

var sqlTargetPattern = regexp.MustCompile(`(?i)\b(?:FROM|INTO|UPDATE|JOIN)\s+"?([a-z_][a-z0-9_]*)"?`)

// describeSQL returns the statement verb and the first table it touches.
func describeSQL(sql string) (string, string) {
	op := "UNKNOWN"
	for _, token := range strings.Fields(strings.ToUpper(sql)) {
		token = strings.Trim(token, "();")
		if token == "WITH" {
			continue
		}
		switch token {
		case "SELECT", "INSERT", "UPDATE", "DELETE":
			op = token
		}
		break
	}

	table := "unknown"
	if m := sqlTargetPattern.FindStringSubmatch(sql); len(m) == 2 {
		table = strings.ToLower(m[1])
	}
	return op, table
}

var _ gormlogger.Interface = (*GormLogger)(nil)
