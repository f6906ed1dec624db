package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func InitMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(gormmysql.Open(dsn), &gorm.Config{})
}

// DocState 文档最新状态，一行一个 key
type DocState struct {
	Key       string `gorm:"primaryKey;type:varchar(191)"`
	State     []byte `gorm:"type:longblob;not null"`
	UpdatedAt time.Time
}

func (DocState) TableName() string { return "doc_states" }

// DocSnapshot 历史快照，同一文档同一内容只保留一行
type DocSnapshot struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID string `gorm:"type:varchar(64);not null;uniqueIndex:uk_doc_digest"`
	Digest     string `gorm:"type:char(64);not null;uniqueIndex:uk_doc_digest"`
	State      []byte `gorm:"type:longblob;not null"`
	CreatedAt  time.Time
}

func (DocSnapshot) TableName() string { return "doc_snapshots" }

// GormKV 基于 MySQL 的 KV 和 SeedStore
type GormKV struct {
	db *gorm.DB
}

var (
	_ KV        = (*GormKV)(nil)
	_ SeedStore = (*GormKV)(nil)
)

func NewGormKV(db *gorm.DB) *GormKV {
	return &GormKV{db: db}
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&DocState{}, &DocSnapshot{})
}

func (s *GormKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var row DocState
	err := s.db.WithContext(ctx).Where("`key` = ?", key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return row.State, true, nil
}

func (s *GormKV) Put(ctx context.Context, key string, val []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	row := DocState{Key: key, State: val, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at"}),
	}).Create(&row).Error
}

// Take 事务内 SELECT ... FOR UPDATE 再删除，两个并发 Take 只有一个拿到
func (s *GormKV) Take(ctx context.Context, key string) ([]byte, bool, error) {
	var out []byte
	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row DocState
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("`key` = ?", key).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Where("`key` = ?", key).Delete(&DocState{}).Error; err != nil {
			return err
		}
		out, found = row.State, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, found, nil
}

// SaveSnapshot 追加一条历史快照；内容没变（唯一键冲突）视为成功
func (s *GormKV) SaveSnapshot(ctx context.Context, docID string, state []byte) error {
	sum := sha256.Sum256(state)
	row := DocSnapshot{DocumentID: docID, Digest: hex.EncodeToString(sum[:]), State: state}
	err := s.db.WithContext(ctx).Create(&row).Error
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

// LatestSnapshot 最近一条快照，没有则返回 ok=false
func (s *GormKV) LatestSnapshot(ctx context.Context, docID string) ([]byte, bool, error) {
	var row DocSnapshot
	err := s.db.WithContext(ctx).Where("document_id = ?", docID).Order("id DESC").First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return row.State, true, nil
}
