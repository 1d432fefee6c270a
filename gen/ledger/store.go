// 包 ledger 提供追加式账本：每次提供商尝试与每笔结算各记一行。
// 账本是旁路日志，不是内存任务状态的事实来源；写入失败只记日志。
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/headshotflow/gen"
	"github.com/BaSui01/headshotflow/gen/cost"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AttemptRow 一次提供商尝试。
type AttemptRow struct {
	ID           uint      `gorm:"primaryKey"`
	JobID        string    `gorm:"index;size:64;not null"`
	Provider     string    `gorm:"size:64;not null"`
	Outcome      string    `gorm:"size:64"` // 空表示成功
	LatencyMS    int64     `gorm:"not null"`
	CostMicroUSD int64     `gorm:"not null"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

func (AttemptRow) TableName() string { return "hs_gen_attempts" }

// SettlementRow 一笔终态结算。
type SettlementRow struct {
	ID           uint      `gorm:"primaryKey"`
	JobID        string    `gorm:"uniqueIndex;size:64;not null"`
	AccountID    string    `gorm:"index;size:64;not null"`
	Outcome      string    `gorm:"size:32;not null"`
	Provider     string    `gorm:"size:64"`
	CostMicroUSD int64     `gorm:"not null"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

func (SettlementRow) TableName() string { return "hs_gen_settlements" }

// Store 基于 GORM 的账本实现。
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore 创建账本并自动迁移表结构。
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if err := db.AutoMigrate(&AttemptRow{}, &SettlementRow{}); err != nil {
		return nil, fmt.Errorf("ledger auto migrate: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// RecordAttempt 实现 gen.Ledger。
func (s *Store) RecordAttempt(ctx context.Context, jobID string, attempt gen.Attempt) error {
	row := AttemptRow{
		JobID:        jobID,
		Provider:     attempt.Provider,
		Outcome:      string(attempt.Outcome),
		LatencyMS:    attempt.Latency.Milliseconds(),
		CostMicroUSD: int64(attempt.Cost),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// RecordSettlement 实现 gen.Ledger。
func (s *Store) RecordSettlement(ctx context.Context, jobID, accountID string, outcome gen.JobPhase, finalCost cost.Money, provider string) error {
	row := SettlementRow{
		JobID:        jobID,
		AccountID:    accountID,
		Outcome:      string(outcome),
		Provider:     provider,
		CostMicroUSD: int64(finalCost),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("record settlement: %w", err)
	}
	return nil
}

// AttemptsForJob 查询任务的全部尝试记录（诊断用）。
func (s *Store) AttemptsForJob(ctx context.Context, jobID string) ([]AttemptRow, error) {
	var rows []AttemptRow
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	return rows, nil
}

// AccountSpend 汇总账户自 since 起的已结算花费。
func (s *Store) AccountSpend(ctx context.Context, accountID string, since time.Time) (cost.Money, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&SettlementRow{}).
		Select("COALESCE(SUM(cost_micro_usd), 0)").
		Where("account_id = ? AND created_at >= ?", accountID, since).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("sum account spend: %w", err)
	}
	return cost.Money(total), nil
}
