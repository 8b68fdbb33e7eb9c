// Package bulk runs multi-document operations asynchronously, tracking
// progress through the job registry.
package bulk

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kailas-cloud/knowd/internal/domain"
	"github.com/kailas-cloud/knowd/internal/usecase/job"
)

const maxBatchSize = 100

// JobTypeDelete names the bulk delete job type.
const JobTypeDelete = "bulk_delete"

// Deleter removes single documents.
type Deleter interface {
	Delete(ctx context.Context, owner, id string) (existed bool, err error)
}

// Jobs is the job registry contract the bulk runner needs.
type Jobs interface {
	Create(jobType string) domain.Job
	Get(id string) (domain.Job, bool)
	Apply(id string, upd job.Update) bool
}

// Service executes bulk operations in background goroutines.
type Service struct {
	docs   Deleter
	jobs   Jobs
	logger *zap.Logger
	wg     sync.WaitGroup
}

// New creates a bulk operation service.
func New(docs Deleter, jobs Jobs, logger *zap.Logger) *Service {
	return &Service{docs: docs, jobs: jobs, logger: logger}
}

// DeleteDocuments starts an asynchronous bulk delete and returns the
// tracking job immediately. Individual failures are collected, not
// fatal: the job completes with per-id results.
func (s *Service) DeleteDocuments(ctx context.Context, owner string, ids []string) (domain.Job, error) {
	if len(ids) == 0 {
		return domain.Job{}, domain.NewValidation("document_ids", "must not be empty")
	}
	if len(ids) > maxBatchSize {
		return domain.Job{}, domain.NewValidation("document_ids",
			fmt.Sprintf("must not exceed %d entries", maxBatchSize))
	}

	j := s.jobs.Create(JobTypeDelete)

	// The job outlives the request; only cancellation is severed.
	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runDelete(runCtx, j.ID, owner, ids)
	}()

	return j, nil
}

// Wait blocks until all in-flight bulk operations finish. Used by
// shutdown and tests.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) runDelete(ctx context.Context, jobID, owner string, ids []string) {
	s.jobs.Apply(jobID, job.Update{Status: domain.JobProcessing})

	deleted := 0
	failed := 0
	failedIDs := make([]string, 0)

	for i, id := range ids {
		// Deleting the job cancels the remaining work.
		if _, ok := s.jobs.Get(jobID); !ok {
			s.logger.Info("bulk delete cancelled", zap.String("job_id", jobID))
			return
		}

		existed, err := s.docs.Delete(ctx, owner, id)
		switch {
		case err != nil:
			failed++
			failedIDs = append(failedIDs, id)
			s.logger.Warn("bulk delete item failed",
				zap.String("job_id", jobID), zap.String("document_id", id), zap.Error(err))
		case existed:
			deleted++
		default:
			failed++
			failedIDs = append(failedIDs, id)
		}

		progress := float64(i+1) / float64(len(ids)) * 100
		s.jobs.Apply(jobID, job.Update{Progress: &progress})
	}

	s.jobs.Apply(jobID, job.Update{
		Status: domain.JobCompleted,
		Result: map[string]any{
			"deleted_count": deleted,
			"failed_count":  failed,
			"failed_ids":    failedIDs,
			"job_id":        jobID,
		},
	})
}
