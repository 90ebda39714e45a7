package repo

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"library-api/internal/domain"
)

type TransactionRepo struct{ db *gorm.DB }

func NewTransactionRepo(db *gorm.DB) *TransactionRepo { return &TransactionRepo{db: db} }

func (r *TransactionRepo) Create(t *domain.Transaction) error {
	return r.db.Omit(clause.Associations).Create(t).Error
}

func (r *TransactionRepo) FindByID(id string) (*domain.Transaction, error) {
	var t domain.Transaction
	err := r.db.Preload("User").Preload("Book").First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFoundf("transaction %s", id)
	}
	if err != nil {
		return nil, err
	}
	fillRefs(&t)
	return &t, nil
}

// TransactionScope user_id/status 精确匹配，borrow_date 闭区间 [start_date, end_date]；
// 非法日期串不施加过滤
func TransactionScope(f domain.TransactionFilter) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		if f.UserID != "" {
			q = q.Where("user_id = ?", f.UserID)
		}
		if f.Status != "" {
			q = q.Where("status = ?", f.Status)
		}
		if d, err := domain.ParseDate(f.StartDate); err == nil && f.StartDate != "" {
			q = q.Where("borrow_date >= ?", d.Time)
		}
		if d, err := domain.ParseDate(f.EndDate); err == nil && f.EndDate != "" {
			q = q.Where("borrow_date <= ?", d.Time)
		}
		return q
	}
}

func (r *TransactionRepo) List(f domain.TransactionFilter, offset, limit int) ([]domain.Transaction, int64, error) {
	q := r.db.Model(&domain.Transaction{}).Scopes(TransactionScope(f))

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var txns []domain.Transaction
	err := q.Preload("User").Preload("Book").
		Order("created_at DESC").Offset(offset).Limit(limit).Find(&txns).Error
	if err != nil {
		return nil, 0, err
	}
	for i := range txns {
		fillRefs(&txns[i])
	}
	return txns, total, nil
}

func (r *TransactionRepo) Update(t *domain.Transaction) error {
	return r.db.Omit(clause.Associations).Save(t).Error
}

func (r *TransactionRepo) Delete(id string) error {
	res := r.db.Where("id = ?", id).Delete(&domain.Transaction{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.NotFoundf("transaction %s", id)
	}
	return nil
}

func (r *TransactionRepo) ActiveByUser(userID string) ([]domain.Transaction, error) {
	var txns []domain.Transaction
	err := r.db.Preload("User").Preload("Book").
		Where("user_id = ? AND status IN ?", userID,
			[]string{domain.TxnStatusBorrowed, domain.TxnStatusOverdue}).
		Order("created_at DESC").Find(&txns).Error
	if err != nil {
		return nil, err
	}
	for i := range txns {
		fillRefs(&txns[i])
	}
	return txns, nil
}

func (r *TransactionRepo) MarkOverdue(today domain.Date) (int64, error) {
	res := r.db.Model(&domain.Transaction{}).
		Where("status = ? AND due_date < ?", domain.TxnStatusBorrowed, today.Time).
		Update("status", domain.TxnStatusOverdue)
	return res.RowsAffected, res.Error
}

func (r *TransactionRepo) Overdue(f domain.TransactionFilter) ([]domain.Transaction, error) {
	f.Status = domain.TxnStatusOverdue
	var txns []domain.Transaction
	err := r.db.Model(&domain.Transaction{}).Scopes(TransactionScope(f)).
		Preload("User").Preload("Book").
		Order("created_at DESC").Find(&txns).Error
	if err != nil {
		return nil, err
	}
	for i := range txns {
		fillRefs(&txns[i])
	}
	return txns, nil
}

func (r *TransactionRepo) Analytics(f domain.TransactionFilter, since domain.Date) (*domain.Analytics, error) {
	base := func() *gorm.DB {
		return r.db.Model(&domain.Transaction{}).Scopes(TransactionScope(f))
	}

	a := &domain.Analytics{
		PopularBooks:   []domain.BookRank{},
		RecentActivity: []domain.DailyCount{},
	}
	if err := base().Count(&a.TotalTransactions).Error; err != nil {
		return nil, err
	}
	if err := base().Where("status = ?", domain.TxnStatusBorrowed).Count(&a.BorrowedCount).Error; err != nil {
		return nil, err
	}
	if err := base().Where("status = ?", domain.TxnStatusOverdue).Count(&a.OverdueCount).Error; err != nil {
		return nil, err
	}
	if err := base().Select("COALESCE(SUM(fine_amount), 0)").Scan(&a.TotalFines).Error; err != nil {
		return nil, err
	}

	err := base().
		Select("books.title AS book_title, books.author AS book_author, COUNT(*) AS borrow_count").
		Joins("JOIN books ON books.id = transactions.book_id").
		Group("books.title, books.author").
		Order("borrow_count DESC").
		Limit(10).
		Scan(&a.PopularBooks).Error
	if err != nil {
		return nil, err
	}

	type dayRow struct {
		BorrowDate domain.Date
		Count      int64
	}
	var days []dayRow
	err = base().
		Select("borrow_date, COUNT(*) AS count").
		Where("borrow_date >= ?", since.Time).
		Group("borrow_date").
		Order("borrow_date ASC").
		Scan(&days).Error
	if err != nil {
		return nil, err
	}
	for _, d := range days {
		a.RecentActivity = append(a.RecentActivity, domain.DailyCount{BorrowDate: d.BorrowDate, Count: d.Count})
	}
	return a, nil
}

func fillRefs(t *domain.Transaction) {
	if t.User != nil {
		t.UserName = t.User.Name
	}
	if t.Book != nil {
		t.BookTitle = t.Book.Title
		t.BookAuthor = t.Book.Author
	}
}
