package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusflow/attendance-engine/internal/application/engine"
	"github.com/campusflow/attendance-engine/internal/infrastructure/messaging"
	"github.com/campusflow/attendance-engine/pkg/logger"
)

type stubEvaluator struct {
	report    *engine.BatchReport
	err       error
	batchSize int
	deadline  bool
}

func (s *stubEvaluator) EvaluateAllStudents(ctx context.Context, batchSize int) (*engine.BatchReport, error) {
	s.batchSize = batchSize
	_, s.deadline = ctx.Deadline()
	return s.report, s.err
}

func TestEvaluateAllBadgesJob_Run(t *testing.T) {
	stub := &stubEvaluator{report: &engine.BatchReport{Students: 10, Succeeded: 9, Failed: 1, NewAwards: 4}}
	job := NewEvaluateAllBadgesJob(stub, EvaluateAllBadgesConfig{BatchSize: 25, Timeout: time.Minute}, logger.Nop())

	assert.Equal(t, JobName, job.Name())
	assert.Nil(t, job.LastReport())

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 25, stub.batchSize)
	assert.True(t, stub.deadline)
	assert.Equal(t, 4, job.LastReport().NewAwards)
}

func TestEvaluateAllBadgesJob_FailureRate(t *testing.T) {
	stub := &stubEvaluator{report: &engine.BatchReport{Students: 4, Succeeded: 1, Failed: 3}}
	job := NewEvaluateAllBadgesJob(stub, DefaultEvaluateAllBadgesConfig(), logger.Nop())

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 of 4")
}

func TestEvaluateAllBadgesJob_EngineError(t *testing.T) {
	stub := &stubEvaluator{report: &engine.BatchReport{}, err: errors.New("catalogue unavailable")}
	job := NewEvaluateAllBadgesJob(stub, EvaluateAllBadgesConfig{}, logger.Nop())

	err := job.Run(context.Background())
	assert.ErrorContains(t, err, "catalogue unavailable")
	assert.NotNil(t, job.LastReport())
	assert.False(t, stub.deadline)
}

func TestEvaluateAllBadgesJob_SkipsWhileBatchRunning(t *testing.T) {
	stub := &stubEvaluator{err: messaging.ErrBatchRunning}
	job := NewEvaluateAllBadgesJob(stub, EvaluateAllBadgesConfig{}, logger.Nop())

	require.NoError(t, job.Run(context.Background()))
	assert.Nil(t, job.LastReport())
}
