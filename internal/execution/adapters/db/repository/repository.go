package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/database"
)

// Models lists every table owned by the engine.
func Models() []interface{} {
	return []interface{}{
		&workflow.Definition{},
		&workflow.Execution{},
		&workflow.ExecutionLog{},
		&workflow.Checkpoint{},
		&workflow.CheckpointCounter{},
		&workflow.RecoveryStrategy{},
		&workflow.RecoveryLog{},
		&workflow.ReplaySession{},
		&Record{},
	}
}

// Repository is the gorm-backed durable store.
type Repository struct {
	db *database.DB
}

func New(db *database.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Migrate() error {
	return r.db.Migrate(Models()...)
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

func (r *Repository) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Save(def).Error
}

func (r *Repository) GetDefinition(ctx context.Context, id string) (*workflow.Definition, error) {
	var def workflow.Definition
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&def).Error; err != nil {
		return nil, notFound(err, workflow.ErrDefinitionNotFound)
	}
	return &def, nil
}

func (r *Repository) CreateExecution(ctx context.Context, exec *workflow.Execution) error {
	return r.db.WithContext(ctx).Create(exec).Error
}

func (r *Repository) UpdateExecution(ctx context.Context, exec *workflow.Execution) error {
	res := r.db.WithContext(ctx).Model(&workflow.Execution{}).Where("id = ?", exec.ID).
		Select("*").Omit("created_at").Updates(exec)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return workflow.ErrExecutionNotFound
	}
	return nil
}

func (r *Repository) GetExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	var exec workflow.Execution
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&exec).Error; err != nil {
		return nil, notFound(err, workflow.ErrExecutionNotFound)
	}
	return &exec, nil
}

func (r *Repository) ListExecutionsByStatus(ctx context.Context, statuses ...workflow.ExecutionStatus) ([]workflow.Execution, error) {
	var execs []workflow.Execution
	err := r.db.WithContext(ctx).Where("status IN ?", statuses).Order("created_at").Find(&execs).Error
	return execs, err
}

func (r *Repository) AppendLog(ctx context.Context, log *workflow.ExecutionLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *Repository) ListLogs(ctx context.Context, executionID string) ([]workflow.ExecutionLog, error) {
	var logs []workflow.ExecutionLog
	err := r.db.WithContext(ctx).Where("execution_id = ?", executionID).Order("sequence").Find(&logs).Error
	return logs, err
}

func (r *Repository) LastLogSequence(ctx context.Context, executionID string) (int64, error) {
	var seq int64
	err := r.db.WithContext(ctx).Model(&workflow.ExecutionLog{}).
		Where("execution_id = ?", executionID).
		Select("COALESCE(MAX(sequence), 0)").Scan(&seq).Error
	return seq, err
}

func (r *Repository) SaveCheckpoint(ctx context.Context, cp *workflow.Checkpoint) error {
	return r.db.WithContext(ctx).Create(cp).Error
}

func (r *Repository) GetCheckpoint(ctx context.Context, id string) (*workflow.Checkpoint, error) {
	var cp workflow.Checkpoint
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&cp).Error; err != nil {
		return nil, notFound(err, workflow.ErrCheckpointNotFound)
	}
	return &cp, nil
}

func (r *Repository) ListCheckpoints(ctx context.Context, executionID string) ([]workflow.Checkpoint, error) {
	var cps []workflow.Checkpoint
	err := r.db.WithContext(ctx).Where("execution_id = ?", executionID).Order("sequence").Find(&cps).Error
	return cps, err
}

func (r *Repository) LatestCheckpoint(ctx context.Context, executionID string) (*workflow.Checkpoint, error) {
	var cp workflow.Checkpoint
	err := r.db.WithContext(ctx).Where("execution_id = ?", executionID).Order("sequence DESC").First(&cp).Error
	if err != nil {
		return nil, notFound(err, workflow.ErrCheckpointNotFound)
	}
	return &cp, nil
}

// NextCheckpointSequence bumps the execution's counter row. A missing row starts
// after the highest stored sequence.
func (r *Repository) NextCheckpointSequence(ctx context.Context, executionID string) (int64, error) {
	var seq int64
	bump := clause.OnConflict{
		Columns:   []clause.Column{{Name: "execution_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"last_sequence": gorm.Expr("workflow_checkpoint_counters.last_sequence + 1")}),
	}
	first := gorm.Expr("(SELECT COALESCE(MAX(sequence), 0) + 1 FROM workflow_checkpoints WHERE execution_id = ?)", executionID)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&workflow.CheckpointCounter{}).Clauses(bump).Create(map[string]interface{}{
			"execution_id":  executionID,
			"last_sequence": first,
		}).Error
		if err != nil {
			return err
		}
		return tx.Model(&workflow.CheckpointCounter{}).Where("execution_id = ?", executionID).
			Select("last_sequence").Scan(&seq).Error
	})
	return seq, err
}

func (r *Repository) SetCheckpointExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&workflow.Checkpoint{}).Where("id = ?", id).Update("expires_at", expiresAt)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return workflow.ErrCheckpointNotFound
	}
	return nil
}

// DeleteExpiredCheckpoints skips pinned rows, whose expiry is the zero time.
func (r *Repository) DeleteExpiredCheckpoints(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at > ? AND expires_at <= ?", time.Time{}, now).Delete(&workflow.Checkpoint{})
	return res.RowsAffected, res.Error
}

func (r *Repository) SaveStrategy(ctx context.Context, s *workflow.RecoveryStrategy) error {
	return r.db.WithContext(ctx).Save(s).Error
}

func (r *Repository) ListStrategies(ctx context.Context) ([]workflow.RecoveryStrategy, error) {
	var strategies []workflow.RecoveryStrategy
	err := r.db.WithContext(ctx).Order("priority, created_at DESC, id").Find(&strategies).Error
	return strategies, err
}

func (r *Repository) IncrementStrategyCounters(ctx context.Context, id string, usage, success int64) error {
	res := r.db.WithContext(ctx).Model(&workflow.RecoveryStrategy{}).Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"usage_count":   gorm.Expr("usage_count + ?", usage),
			"success_count": gorm.Expr("success_count + ?", success),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return workflow.ErrStrategyNotFound
	}
	return nil
}

func (r *Repository) AppendRecoveryLog(ctx context.Context, log *workflow.RecoveryLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *Repository) ListRecoveryLogs(ctx context.Context, executionID string) ([]workflow.RecoveryLog, error) {
	var logs []workflow.RecoveryLog
	err := r.db.WithContext(ctx).Where("execution_id = ?", executionID).
		Order("created_at, attempt_number").Find(&logs).Error
	return logs, err
}

func (r *Repository) RecoveryAttempts(ctx context.Context, executionID, nodeID string) (int, int, error) {
	var retries, total int64
	q := r.db.WithContext(ctx).Model(&workflow.RecoveryLog{}).
		Where("execution_id = ? AND node_id = ?", executionID, nodeID)
	if err := q.Count(&total).Error; err != nil {
		return 0, 0, err
	}
	if err := r.db.WithContext(ctx).Model(&workflow.RecoveryLog{}).
		Where("execution_id = ? AND node_id = ? AND status = ?", executionID, nodeID, workflow.RecoveryRetrying).
		Count(&retries).Error; err != nil {
		return 0, 0, err
	}
	return int(retries), int(total), nil
}

func (r *Repository) SaveReplaySession(ctx context.Context, s *workflow.ReplaySession) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repository) UpdateReplaySession(ctx context.Context, s *workflow.ReplaySession) error {
	return r.db.WithContext(ctx).Save(s).Error
}

func (r *Repository) GetReplaySession(ctx context.Context, id string) (*workflow.ReplaySession, error) {
	var s workflow.ReplaySession
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, notFound(err, workflow.ErrReplayNotFound)
	}
	return &s, nil
}

func (r *Repository) GetReplaySessionByExecution(ctx context.Context, executionID string) (*workflow.ReplaySession, error) {
	var s workflow.ReplaySession
	if err := r.db.WithContext(ctx).Where("replay_execution_id = ?", executionID).First(&s).Error; err != nil {
		return nil, notFound(err, workflow.ErrReplayNotFound)
	}
	return &s, nil
}

func (r *Repository) CountActiveReplays(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&workflow.ReplaySession{}).
		Where("status IN ?", []workflow.ReplayStatus{workflow.ReplayPending, workflow.ReplayRunning}).
		Count(&n).Error
	return n, err
}
