package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleStudent = "student"
	RoleAdmin   = "admin"
)

// User 图书馆注册读者（学生/职工），非登录账号
type User struct {
	ID         string          `gorm:"primaryKey;size:36" json:"id"`
	Name       string          `gorm:"size:100;not null;index" json:"name" binding:"required"`
	Email      string          `gorm:"uniqueIndex;size:191;not null" json:"email" binding:"required,email"`
	StudentID  *string         `gorm:"size:20" json:"student_id,omitempty"`
	EmployeeID *string         `gorm:"size:20" json:"employee_id,omitempty"`
	Department string          `gorm:"size:100" json:"department"`
	Year       *int            `json:"year,omitempty"`
	Role       string          `gorm:"size:10;not null;default:student" json:"role"`
	JoinDate   Date            `gorm:"type:date" json:"join_date"`
	Phone      string          `gorm:"size:15" json:"phone"`
	Address    string          `gorm:"type:text" json:"address"`
	Fines      decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"fines"`
	IsActive   bool            `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (User) TableName() string { return "users" }

type UserFilter struct {
	Search     string `form:"search"`
	Role       string `form:"role"`
	ActiveOnly bool   `form:"active_only"`
}

type UserRepository interface {
	Create(u *User) error
	FindByID(id string) (*User, error)
	List(f UserFilter, offset, limit int) ([]User, int64, error)
	Update(u *User) error
	Delete(id string) error

	AddFine(id string, amount decimal.Decimal) error

	// TryDeductFine 单语句守护扣减：fines >= amount 才扣。
	// 返回 false 表示余额不足（0 行受影响）。
	TryDeductFine(id string, amount decimal.Decimal) (bool, error)
}
