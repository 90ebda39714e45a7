package repo

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"library-api/internal/domain"
)

type UserRepo struct{ db *gorm.DB }

func NewUserRepo(db *gorm.DB) *UserRepo { return &UserRepo{db: db} }

func (r *UserRepo) Create(u *domain.User) error { return r.db.Create(u).Error }

func (r *UserRepo) FindByID(id string) (*domain.User, error) {
	var u domain.User
	err := r.db.First(&u, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFoundf("user %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func UserScope(f domain.UserFilter) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		if s := strings.TrimSpace(f.Search); s != "" {
			like := "%" + strings.ToLower(s) + "%"
			q = q.Where(
				"LOWER(name) LIKE ? OR LOWER(email) LIKE ? OR LOWER(student_id) LIKE ? OR LOWER(employee_id) LIKE ?",
				like, like, like, like,
			)
		}
		if f.Role != "" {
			q = q.Where("role = ?", f.Role)
		}
		if f.ActiveOnly {
			q = q.Where("is_active = ?", true)
		}
		return q.Order("name ASC")
	}
}

func (r *UserRepo) List(f domain.UserFilter, offset, limit int) ([]domain.User, int64, error) {
	q := r.db.Model(&domain.User{}).Scopes(UserScope(f))

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var users []domain.User
	if err := q.Offset(offset).Limit(limit).Find(&users).Error; err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

func (r *UserRepo) Update(u *domain.User) error { return r.db.Save(u).Error }

func (r *UserRepo) Delete(id string) error {
	res := r.db.Where("id = ?", id).Delete(&domain.User{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.NotFoundf("user %s", id)
	}
	return nil
}

func (r *UserRepo) AddFine(id string, amount decimal.Decimal) error {
	return r.db.Model(&domain.User{}).
		Where("id = ?", id).
		UpdateColumn("fines", gorm.Expr("fines + ?", amount)).Error
}

func (r *UserRepo) TryDeductFine(id string, amount decimal.Decimal) (bool, error) {
	res := r.db.Model(&domain.User{}).
		Where("id = ? AND fines >= ?", id, amount).
		UpdateColumn("fines", gorm.Expr("fines - ?", amount))
	return res.RowsAffected > 0, res.Error
}
