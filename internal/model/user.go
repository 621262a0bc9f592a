// Package model 包含了应用的数据模型定义。
package model

import "time"

// User 代表一个平台用户。
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"uniqueIndex;size:64;not null" json:"username"`
	Password  string    `gorm:"size:128;not null" json:"-"`
	Email     string    `gorm:"size:128" json:"email"`
	Role      string    `gorm:"size:16;default:USER" json:"role"` // "USER" 或 "ADMIN"
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (User) TableName() string {
	return "users"
}
