package repo

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	"library-api/internal/domain"
)

type CategoryRepo struct{ db *gorm.DB }

func NewCategoryRepo(db *gorm.DB) *CategoryRepo { return &CategoryRepo{db: db} }

func (r *CategoryRepo) Create(c *domain.Category) error { return r.db.Create(c).Error }

func (r *CategoryRepo) FindByID(id string) (*domain.Category, error) {
	var c domain.Category
	err := r.db.First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFoundf("category %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func CategoryScope(f domain.CategoryFilter) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		if s := strings.TrimSpace(f.Search); s != "" {
			like := "%" + strings.ToLower(s) + "%"
			q = q.Where(
				"LOWER(name) LIKE ? OR LOWER(description) LIKE ? OR LOWER(code) LIKE ?",
				like, like, like,
			)
		}
		return q.Order("name ASC")
	}
}

func (r *CategoryRepo) List(f domain.CategoryFilter, offset, limit int) ([]domain.Category, int64, error) {
	q := r.db.Model(&domain.Category{}).Scopes(CategoryScope(f))

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var cats []domain.Category
	if err := q.Offset(offset).Limit(limit).Find(&cats).Error; err != nil {
		return nil, 0, err
	}
	return cats, total, nil
}

func (r *CategoryRepo) Update(c *domain.Category) error { return r.db.Save(c).Error }

func (r *CategoryRepo) Delete(id string) error {
	res := r.db.Where("id = ?", id).Delete(&domain.Category{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.NotFoundf("category %s", id)
	}
	return nil
}

// Stats 每个分类的馆藏计数：borrowed = Σ(copies-available)，available = Σ(available)。
// 读时计算，不落缓存（缓存由调用方决定）。
func (r *CategoryRepo) Stats() ([]domain.CategoryStats, error) {
	var cats []domain.Category
	if err := r.db.Order("name ASC").Find(&cats).Error; err != nil {
		return nil, err
	}

	type bookAgg struct {
		CategoryID string
		Total      int64
		Borrowed   int64
		Available  int64
	}
	var aggs []bookAgg
	err := r.db.Model(&domain.Book{}).
		Select("category_id, COUNT(*) AS total, COALESCE(SUM(copies - available), 0) AS borrowed, COALESCE(SUM(available), 0) AS available").
		Group("category_id").
		Scan(&aggs).Error
	if err != nil {
		return nil, err
	}
	byCat := make(map[string]bookAgg, len(aggs))
	for _, a := range aggs {
		byCat[a.CategoryID] = a
	}

	out := make([]domain.CategoryStats, 0, len(cats))
	for _, c := range cats {
		a := byCat[c.ID]
		out = append(out, domain.CategoryStats{
			Category:       c,
			TotalBooks:     a.Total,
			BorrowedBooks:  a.Borrowed,
			AvailableBooks: a.Available,
		})
	}
	return out, nil
}
