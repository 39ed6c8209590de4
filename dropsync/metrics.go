// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dropsync

import (
	"context"
	"log/slog"
	"time"

	"github.com/mobiletoly/go-dropsync/internal/auth"
)

const (
	MetricsOpSnapshot = "snapshot"
	MetricsOpRequest  = "request"

	MetricsStageTotal = "total"

	// Snapshot stages, one per mirrored table.
	MetricsStageSnapshotCompile = "compile"
	MetricsStageSnapshotFetch   = "fetch"
)

type StageTiming struct {
	Operation string
	Stage     string
	Table     string
	Duration  time.Duration
	Count     int
	Attempt   int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageObserver forwards stage timings to a recorder and, optionally, the log
type stageObserver struct {
	recorder StageMetricsRecorder
	logAll   bool
	logger   *slog.Logger
}

func (o *stageObserver) enabled() bool {
	return o != nil && (o.recorder != nil || o.logAll)
}

func (o *stageObserver) start() time.Time {
	if !o.enabled() {
		return time.Time{}
	}
	return time.Now()
}

func (o *stageObserver) observe(ctx context.Context, op, stage, table string, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() || !o.enabled() {
		return
	}
	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Table:     table,
		Duration:  time.Since(start),
		Count:     count,
		Attempt:   attempt,
		Error:     hadError,
	}
	if o.recorder != nil {
		o.recorder.ObserveStage(ctx, timing)
	}
	if o.logAll && o.logger != nil {
		logger := o.logger
		if userID, ok := auth.GetUserID(ctx); ok {
			logger = logger.With("user", userID)
		}
		if sessionID, ok := auth.GetSessionID(ctx); ok {
			logger = logger.With("session", sessionID)
		}
		logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"table", timing.Table,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
