package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"oip/recon/common/entity"
	"oip/recon/internal/business/matching"
	"oip/recon/internal/business/triage"
	"oip/recon/pkg/config"
)

// ReconStore 对账数据访问对象（matching_results / exceptions / triage_states / policies）
type ReconStore struct {
	db *gorm.DB
}

// NewReconStore 创建 ReconStore 实例
func NewReconStore(cfg config.MySQLConfig) (*ReconStore, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store := NewReconStoreWithDB(db)
	if cfg.AutoMigrate {
		if err := store.Migrate(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// NewReconStoreWithDB 使用已有连接（测试注入 sqlmock）
func NewReconStoreWithDB(db *gorm.DB) *ReconStore {
	return &ReconStore{db: db}
}

// Migrate 建表
func (s *ReconStore) Migrate() error {
	if err := s.db.AutoMigrate(&entity.MatchingResult{}, &entity.Exception{}, &entity.TriageState{}, &entity.Policy{}); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// SaveMatchingResult 保存匹配结果
// ResultID 是内容摘要，主键冲突说明是同一结果的重复写入，直接忽略
func (s *ReconStore) SaveMatchingResult(ctx context.Context, r *matching.MatchingResult) error {
	po, err := entity.FromMatchingResult(r)
	if err != nil {
		return err
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(po)
	if result.Error != nil {
		return fmt.Errorf("failed to save matching result: %w", result.Error)
	}
	return nil
}

// GetMatchingResult 根据 ResultID 获取匹配结果
func (s *ReconStore) GetMatchingResult(ctx context.Context, resultID string) (*matching.MatchingResult, error) {
	var po entity.MatchingResult
	result := s.db.WithContext(ctx).Where("result_id = ?", resultID).First(&po)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, matching.ErrResultNotFound
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get matching result: %w", result.Error)
	}
	return po.ToDomain()
}

// SaveException 保存异常记录（只插入）
func (s *ReconStore) SaveException(ctx context.Context, r *triage.ExceptionRecord) error {
	po, err := entity.FromException(r)
	if err != nil {
		return err
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(po)
	if result.Error != nil {
		return fmt.Errorf("failed to save exception: %w", result.Error)
	}
	return nil
}

// GetException 根据 ID 获取异常记录
func (s *ReconStore) GetException(ctx context.Context, id string) (*triage.ExceptionRecord, error) {
	var po entity.Exception
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&po)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, triage.ErrExceptionNotFound
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get exception: %w", result.Error)
	}
	return po.ToDomain()
}

// SaveTriageState 按 exception_id upsert 分诊状态
func (s *ReconStore) SaveTriageState(ctx context.Context, st *triage.TriageState) error {
	po := entity.FromTriageState(st)

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(po)
	if result.Error != nil {
		return fmt.Errorf("failed to save triage state: %w", result.Error)
	}
	return nil
}

// GetTriageState 根据异常 ID 获取分诊状态
func (s *ReconStore) GetTriageState(ctx context.Context, exceptionID string) (*triage.TriageState, error) {
	var po entity.TriageState
	result := s.db.WithContext(ctx).Where("exception_id = ?", exceptionID).First(&po)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, triage.ErrStateNotFound
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get triage state: %w", result.Error)
	}
	return po.ToDomain(), nil
}

// LoadPolicy 读取策略表；不存在时返回 nil
func (s *ReconStore) LoadPolicy(ctx context.Context, key string) ([]byte, error) {
	var po entity.Policy
	result := s.db.WithContext(ctx).Where("policy_key = ?", key).First(&po)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load policy: %w", result.Error)
	}
	return []byte(po.Data), nil
}

// SavePolicy 整表覆盖写
func (s *ReconStore) SavePolicy(ctx context.Context, key string, data []byte) error {
	po := &entity.Policy{Key: key, Data: data, UpdatedAt: time.Now().UTC()}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(po)
	if result.Error != nil {
		return fmt.Errorf("failed to save policy: %w", result.Error)
	}
	return nil
}

// Close 关闭数据库连接
func (s *ReconStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
