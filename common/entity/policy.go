package entity

import (
	"time"

	"gorm.io/datatypes"
)

// Policy 策略表实体（整表一个 JSON 文档）
type Policy struct {
	Key       string         `gorm:"column:policy_key;primaryKey;type:varchar(32)"`
	Data      datatypes.JSON `gorm:"column:data;type:json;not null"`
	UpdatedAt time.Time      `gorm:"column:updated_at;not null"`
}

// TableName 指定表名
func (Policy) TableName() string {
	return "policies"
}
