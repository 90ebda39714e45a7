package domain

import "time"

type Book struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Title       string    `gorm:"size:200;not null;index" json:"title" binding:"required"`
	Author      string    `gorm:"size:100;not null" json:"author" binding:"required"`
	ISBN        *string   `gorm:"uniqueIndex;size:20" json:"isbn,omitempty"`
	CategoryID  string    `gorm:"size:36;not null;index" json:"category" binding:"required"`
	Category    *Category `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	SubCategory string    `gorm:"size:100" json:"sub_category"`
	Publisher   string    `gorm:"size:100" json:"publisher"`
	Year        int       `json:"year"`
	Copies      int       `gorm:"not null;default:1;check:copies >= 0" json:"copies"`
	Available   int       `gorm:"not null;default:1;check:available >= 0" json:"available"`
	Location    string    `gorm:"size:50" json:"location"`
	Description string    `gorm:"type:text" json:"description"`
	Tags        []string  `gorm:"serializer:json" json:"tags"`
	Rating      float64   `gorm:"type:decimal(3,1);default:0.0" json:"rating"`
	Popularity  int       `gorm:"default:0" json:"popularity"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// 列表/详情里顺带回传分类名，非表字段
	CategoryName string `gorm:"-" json:"category_name,omitempty"`
}

func (Book) TableName() string { return "books" }

// 书目列表的排序白名单
const (
	SortByTitle      = "title"
	SortByAuthor     = "author"
	SortByYear       = "year"
	SortByRating     = "rating"
	SortByPopularity = "popularity"
)

type BookFilter struct {
	Search        string `form:"search"`
	Category      string `form:"category"`
	AvailableOnly bool   `form:"available_only"`
	SortBy        string `form:"sort_by"`
}

type BookRepository interface {
	Create(b *Book) error
	FindByID(id string) (*Book, error)
	List(f BookFilter, offset, limit int) ([]Book, int64, error)
	Update(b *Book) error
	Delete(id string) error

	// Popular 过滤结果里按 popularity 降序取前 limit 本
	Popular(f BookFilter, limit int) ([]Book, error)

	// TryAcquireCopy 单语句守护递减：available>0 才扣，并顺带 popularity+1。
	// 返回 false 表示没有可借副本（0 行受影响）。
	TryAcquireCopy(id string) (bool, error)
	ReleaseCopy(id string) error
}
