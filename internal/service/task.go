package service

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"hosting-ledger/internal/catalog"
	"hosting-ledger/internal/model"
	"hosting-ledger/internal/pkg/apperr"
)

const taskKeyPrefix = "task:"

// TaskService pays out one-off join-for-reward tasks.
type TaskService struct {
	ledger  *LedgerService
	txs     TransactionLog
	catalog *catalog.Catalog
}

// NewTaskService creates a new TaskService instance.
func NewTaskService(ledger *LedgerService, txs TransactionLog, cat *catalog.Catalog) *TaskService {
	return &TaskService{ledger: ledger, txs: txs, catalog: cat}
}

// Tasks lists the available tasks.
func (s *TaskService) Tasks() []catalog.Task {
	return s.catalog.Tasks()
}

// Complete credits a task's reward. Each task pays out once per account.
func (s *TaskService) Complete(ctx context.Context, accountID int64, taskID string) (*model.LedgerResult, error) {
	task, ok := s.catalog.Task(taskID)
	if !ok {
		return nil, apperr.ErrTaskNotFound
	}

	res, err := s.ledger.Earn(ctx, accountID, task.Reward, model.TxKindJoinReward, "task "+task.ID, taskKeyPrefix+task.ID)
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		return nil, apperr.ErrDuplicateTaskCompletion
	}

	log.Info().Int64("account_id", accountID).Str("task", task.ID).Int64("reward", task.Reward).Msg("Task completed")
	return res, nil
}

// Completed returns the ids of the tasks the account has been paid for.
func (s *TaskService) Completed(ctx context.Context, accountID int64) ([]string, error) {
	txs, err := s.txs.ListByAccountAndKind(ctx, accountID, model.TxKindJoinReward, len(s.catalog.Tasks())+100)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, tx := range txs {
		if tx.IdempotencyKey == nil {
			continue
		}
		if id, ok := strings.CutPrefix(*tx.IdempotencyKey, taskKeyPrefix); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
