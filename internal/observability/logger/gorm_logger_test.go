package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestDescribeSQL(t *testing.T) {
	cases := []struct {
		sql   string
		op    string
		table string
	}{
		{`SELECT id FROM analysis_jobs WHERE id = $1`, "SELECT", "analysis_jobs"},
		{`UPDATE analysis_jobs SET status = $1 WHERE id = $2 AND status = $3`, "UPDATE", "analysis_jobs"},
		{`INSERT INTO "usage_ledger_entries" (id) VALUES ($1)`, "INSERT", "usage_ledger_entries"},
		{`WITH due AS (SELECT 1) DELETE FROM rollover_grants`, "UNKNOWN", "rollover_grants"},
		{``, "UNKNOWN", "unknown"},
	}
	for _, tc := range cases {
		op, table := describeSQL(tc.sql)
		assert.Equal(t, tc.op, op, tc.sql)
		assert.Equal(t, tc.table, table, tc.sql)
	}
}

func TestGormTraceLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	ctx := WithLogger(context.Background(), zap.New(core))
	query := func() (string, int64) {
		return `UPDATE usage_allowances SET consumed = consumed + $1 WHERE id = $2`, 1
	}

	l := NewGormLogger(DefaultGormLoggerConfig())
	l.Trace(ctx, time.Now(), query, nil)
	assert.Equal(t, 0, logs.Len())

	l.Trace(ctx, time.Now(), query, gormlogger.ErrRecordNotFound)
	assert.Equal(t, 0, logs.Len())

	l.Trace(ctx, time.Now(), query, errors.New("deadlock detected"))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zap.ErrorLevel, entry.Level)
	assert.Equal(t, "usage_allowances", entry.ContextMap()["table"])
	assert.NotContains(t, entry.ContextMap(), "sql")

	l.Trace(ctx, time.Now().Add(-time.Second), query, nil)
	require.Equal(t, 2, logs.Len())
	assert.Equal(t, zap.WarnLevel, logs.All()[1].Level)

	debug := NewGormLogger(GormLoggerConfigFor(true))
	debug.Trace(ctx, time.Now(), query, nil)
	require.Equal(t, 3, logs.Len())
	assert.Contains(t, logs.All()[2].ContextMap()["sql"], "usage_allowances")
}
