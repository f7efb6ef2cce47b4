// Copyright 2025 James Ross
package middleware

import (
	"time"

	"github.com/lightweightqueue/lightweightqueue/internal/queue"
	"go.uber.org/zap"
)

// LoggingMiddleware logs job boundaries at info level, mirroring the
// teacher's obs.String/obs.Err convenience-field logging style.
type LoggingMiddleware struct {
	log *zap.Logger
}

// NewLoggingMiddleware returns a LoggingMiddleware backed by log.
func NewLoggingMiddleware(log *zap.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{log: log}
}

func (l *LoggingMiddleware) ProcessJob(job queue.Job, queueName string, workerNumber int) {
	l.log.Info("running job",
		zap.String("path", job.Path),
		zap.String("queue", queueName),
		zap.Int("worker", workerNumber),
	)
}

func (l *LoggingMiddleware) ProcessResult(job queue.Job, result any, duration time.Duration) {
	l.log.Info("finished job",
		zap.String("path", job.Path),
		zap.Duration("duration", duration),
	)
}

func (l *LoggingMiddleware) ProcessException(job queue.Job, duration time.Duration, err error) {
	l.log.Error("job raised",
		zap.String("path", job.Path),
		zap.Duration("duration", duration),
		zap.Error(err),
	)
}
