package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

func TestParseExpr(t *testing.T) {
	tests := []struct {
		name     string
		expr     string
		wantKind Kind
		wantNext time.Time
		wantErr  bool
	}{
		{
			name:     "five field cron",
			expr:     "0 12 * * *",
			wantKind: KindCron,
			wantNext: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			name:     "every interval",
			expr:     "@every 15m",
			wantKind: KindInterval,
			wantNext: now.Add(15 * time.Minute),
		},
		{
			name:     "future timestamp",
			expr:     "2026-03-02T09:00:00Z",
			wantKind: KindOneTime,
			wantNext: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		},
		{name: "past timestamp", expr: "2020-01-01T00:00:00Z", wantErr: true},
		{name: "empty", expr: "", wantErr: true},
		{name: "bad interval", expr: "@every nonsense", wantErr: true},
		{name: "six field cron", expr: "0 0 12 * * *", wantErr: true},
		{name: "garbage", expr: "whenever", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, next, err := ParseExpr(tt.expr, now)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidExpr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantNext, next.UTC())
		})
	}
}

func TestDue(t *testing.T) {
	s := &Schedule{Status: StatusActive, NextRunAt: now.Add(-time.Minute)}
	assert.True(t, s.Due(now))

	s.NextRunAt = now.Add(time.Minute)
	assert.False(t, s.Due(now))

	s.NextRunAt = now.Add(-time.Minute)
	s.Status = StatusPaused
	assert.False(t, s.Due(now))

	s.Status = StatusActive
	s.NextRunAt = time.Time{}
	assert.False(t, s.Due(now))
}

func TestAdvanceInterval(t *testing.T) {
	s := &Schedule{Kind: KindInterval, Expr: "@every 10m", Status: StatusActive}
	require.NoError(t, s.Advance(now, false))
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, now.Add(10*time.Minute), s.NextRunAt)
	assert.Equal(t, 1, s.RunCount)
	assert.Equal(t, 0, s.FailureCount)
	assert.Equal(t, now, s.LastRunAt)
}

func TestAdvanceCron(t *testing.T) {
	s := &Schedule{Kind: KindCron, Expr: "0 12 * * *", Status: StatusActive}
	require.NoError(t, s.Advance(now, true))
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), s.NextRunAt.UTC())
	assert.Equal(t, 1, s.FailureCount)
}

func TestAdvanceOneTime(t *testing.T) {
	s := &Schedule{Kind: KindOneTime, Expr: "2026-03-02T09:00:00Z", Status: StatusActive}
	require.NoError(t, s.Advance(now, false))
	assert.Equal(t, StatusCompleted, s.Status)
	assert.True(t, s.NextRunAt.IsZero())

	f := &Schedule{Kind: KindOneTime, Expr: "2026-03-02T09:00:00Z", Status: StatusActive}
	require.NoError(t, f.Advance(now, true))
	assert.Equal(t, StatusFailed, f.Status)
}

func TestValidate(t *testing.T) {
	s := &Schedule{Workflow: "nightly", Expr: "@every 1h"}
	require.NoError(t, s.Validate(now))
	assert.Equal(t, KindInterval, s.Kind)
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, now.Add(time.Hour), s.NextRunAt)

	require.Error(t, (&Schedule{Expr: "@every 1h"}).Validate(now))
	require.Error(t, (&Schedule{Workflow: "w", Expr: "bogus"}).Validate(now))
}
