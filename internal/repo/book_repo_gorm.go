package repo

import (
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"library-api/internal/domain"
)

type BookRepo struct{ db *gorm.DB }

func NewBookRepo(db *gorm.DB) *BookRepo { return &BookRepo{db: db} }

func (r *BookRepo) Create(b *domain.Book) error {
	return r.db.Omit(clause.Associations).Create(b).Error
}

func (r *BookRepo) FindByID(id string) (*domain.Book, error) {
	var b domain.Book
	err := r.db.Preload("Category").First(&b, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFoundf("book %s", id)
	}
	if err != nil {
		return nil, err
	}
	fillCategoryName(&b)
	return &b, nil
}

// BookScope 列表过滤 + sort_by 排序
func BookScope(f domain.BookFilter) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		return bookFilter(f)(q).Order(bookOrder(f.SortBy))
	}
}

// bookFilter search 在 title/author/tags 上做不区分大小写子串匹配（字段间 OR），
// 其余条件 AND 叠加。不带排序，人气榜等固定排序的查询也用它
func bookFilter(f domain.BookFilter) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		if s := strings.TrimSpace(f.Search); s != "" {
			like := "%" + strings.ToLower(s) + "%"
			q = q.Where(
				"LOWER(title) LIKE ? OR LOWER(author) LIKE ? OR LOWER(tags) LIKE ?",
				like, like, like,
			)
		}
		if f.Category != "" {
			q = q.Where("category_id IN (SELECT id FROM categories WHERE name = ?)", f.Category)
		}
		if f.AvailableOnly {
			q = q.Where("available > 0")
		}
		return q
	}
}

func bookOrder(sortBy string) string {
	switch sortBy {
	case domain.SortByYear:
		return "year DESC"
	case domain.SortByRating:
		return "rating DESC"
	case domain.SortByPopularity:
		return "popularity DESC"
	case domain.SortByAuthor:
		return "author ASC"
	default:
		return "title ASC"
	}
}

func (r *BookRepo) List(f domain.BookFilter, offset, limit int) ([]domain.Book, int64, error) {
	q := r.db.Model(&domain.Book{}).Scopes(BookScope(f))

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var books []domain.Book
	if err := q.Preload("Category").Offset(offset).Limit(limit).Find(&books).Error; err != nil {
		return nil, 0, err
	}
	for i := range books {
		fillCategoryName(&books[i])
	}
	return books, total, nil
}

func (r *BookRepo) Update(b *domain.Book) error {
	return r.db.Omit(clause.Associations).Save(b).Error
}

func (r *BookRepo) Delete(id string) error {
	res := r.db.Where("id = ?", id).Delete(&domain.Book{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.NotFoundf("book %s", id)
	}
	return nil
}

// Popular 过滤结果里按人气取前 limit 本
func (r *BookRepo) Popular(f domain.BookFilter, limit int) ([]domain.Book, error) {
	var books []domain.Book
	err := r.db.Scopes(bookFilter(f)).Preload("Category").
		Order("popularity DESC").Limit(limit).Find(&books).Error
	if err != nil {
		return nil, err
	}
	for i := range books {
		fillCategoryName(&books[i])
	}
	return books, nil
}

func (r *BookRepo) TryAcquireCopy(id string) (bool, error) {
	res := r.db.Model(&domain.Book{}).
		Where("id = ? AND available > 0", id).
		Updates(map[string]any{
			"available":  gorm.Expr("available - 1"),
			"popularity": gorm.Expr("popularity + 1"),
		})
	return res.RowsAffected > 0, res.Error
}

func (r *BookRepo) ReleaseCopy(id string) error {
	return r.db.Model(&domain.Book{}).
		Where("id = ?", id).
		UpdateColumn("available", gorm.Expr("available + 1")).Error
}

func fillCategoryName(b *domain.Book) {
	if b.Category != nil {
		b.CategoryName = b.Category.Name
	}
}
