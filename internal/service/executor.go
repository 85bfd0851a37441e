package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/avolkhin/taskcore/internal/errs"
	"github.com/avolkhin/taskcore/internal/model"
)

// Transient storage failures (serialization, deadlock) are retried with a
// fresh transaction per attempt; everything else propagates unchanged.
const (
	retryAttempts = 3
	retryBackoff  = 25 * time.Millisecond
)

// withRetry runs attempt up to retryAttempts times, retrying only transient
// storage failures. Exhaustion surfaces as ErrStorage, distinct from a data
// conflict.
func (s *TaskService) withRetry(ctx context.Context, attempt func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(retryAttempts-1, retry.NewConstant(retryBackoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := attempt(ctx); err != nil {
			if errs.IsTransient(err) {
				s.log.Debug("transient storage failure, retrying")
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil && errs.IsTransient(err) {
		return fmt.Errorf("retries exhausted: %w (%v)", errs.ErrStorage, err)
	}
	return err
}

func (s *TaskService) createWithRetry(ctx context.Context, t model.Task, participants []model.Participant, folders []model.FolderMapping) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		return s.repo.CreateTask(ctx, t, participants, folders)
	})
}
