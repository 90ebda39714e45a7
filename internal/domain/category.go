package domain

import "time"

type Category struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	Name          string    `gorm:"uniqueIndex;size:100;not null" json:"name" binding:"required"`
	Code          string    `gorm:"uniqueIndex;size:10;not null" json:"code" binding:"required"`
	Description   string    `gorm:"type:text" json:"description"`
	SubCategories []string  `gorm:"serializer:json" json:"sub_categories"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Category) TableName() string { return "categories" }

// CategoryStats GET /categories/stats 的一行：分类字段 + 三个馆藏计数
type CategoryStats struct {
	Category
	TotalBooks     int64 `json:"total_books"`
	BorrowedBooks  int64 `json:"borrowed_books"`
	AvailableBooks int64 `json:"available_books"`
}

type CategoryFilter struct {
	Search string `form:"search"`
}

type CategoryRepository interface {
	Create(c *Category) error
	FindByID(id string) (*Category, error)
	List(f CategoryFilter, offset, limit int) ([]Category, int64, error)
	Update(c *Category) error
	Delete(id string) error
	Stats() ([]CategoryStats, error)
}
