package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"library-api/internal/domain"
	"library-api/pkg/utils"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "library.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Category{}, &domain.Book{}, &domain.User{}, &domain.Transaction{},
	))
	return db
}

func newService(t *testing.T) (*LibraryService, *gorm.DB) {
	db := newTestDB(t)
	return NewLibraryService(db, zap.NewNop()), db
}

func seedCategory(t *testing.T, db *gorm.DB, name string) *domain.Category {
	t.Helper()
	c := &domain.Category{ID: utils.NewID(), Name: name, Code: name[:3]}
	require.NoError(t, db.Create(c).Error)
	return c
}

func seedBook(t *testing.T, db *gorm.DB, catID, title string, copies, available int) *domain.Book {
	t.Helper()
	b := &domain.Book{
		ID:         utils.NewID(),
		Title:      title,
		Author:     "Author of " + title,
		CategoryID: catID,
		Year:       2020,
		Copies:     copies,
		Available:  available,
	}
	require.NoError(t, db.Create(b).Error)
	return b
}

func seedUser(t *testing.T, db *gorm.DB, email string) *domain.User {
	t.Helper()
	u := &domain.User{
		ID:       utils.NewID(),
		Name:     "Reader " + email,
		Email:    email,
		Role:     domain.RoleStudent,
		JoinDate: domain.Today(),
		IsActive: true,
	}
	require.NoError(t, db.Create(u).Error)
	return u
}

func seedTxn(t *testing.T, db *gorm.DB, userID, bookID string, borrow, due domain.Date, status string) *domain.Transaction {
	t.Helper()
	txn := &domain.Transaction{
		ID:         utils.NewID(),
		UserID:     userID,
		BookID:     bookID,
		Type:       domain.TxnTypeBorrow,
		BorrowDate: borrow,
		DueDate:    due,
		Status:     status,
	}
	require.NoError(t, db.Create(txn).Error)
	return txn
}

func TestBorrowCreatesTransaction(t *testing.T) {
	svc, db := newService(t)
	cat := seedCategory(t, db, "Fiction")
	book := seedBook(t, db, cat.ID, "Dune", 1, 1)
	user := seedUser(t, db, "paul@arrakis.example")

	rcpt, err := svc.Borrow(context.Background(), book.ID, user.ID)
	require.NoError(t, err)
	require.NotEmpty(t, rcpt.TransactionID)
	assert.Equal(t, domain.Today().AddDays(15), rcpt.DueDate)

	var txn domain.Transaction
	require.NoError(t, db.First(&txn, "id = ?", rcpt.TransactionID).Error)
	assert.Equal(t, domain.TxnTypeBorrow, txn.Type)
	assert.Equal(t, domain.TxnStatusBorrowed, txn.Status)
	assert.Equal(t, user.ID, txn.UserID)

	var got domain.Book
	require.NoError(t, db.First(&got, "id = ?", book.ID).Error)
	assert.Equal(t, 0, got.Available)
	assert.Equal(t, 1, got.Popularity)
}

func TestBorrowUnavailable(t *testing.T) {
	svc, db := newService(t)
	cat := seedCategory(t, db, "Fiction")
	book := seedBook(t, db, cat.ID, "Dune", 2, 0)
	user := seedUser(t, db, "paul@arrakis.example")

	_, err := svc.Borrow(context.Background(), book.ID, user.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	// 失败不得留下交易记录
	var n int64
	require.NoError(t, db.Model(&domain.Transaction{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestBorrowSecondAttemptFails(t *testing.T) {
	svc, db := newService(t)
	cat := seedCategory(t, db, "Fiction")
	book := seedBook(t, db, cat.ID, "Dune", 1, 1)
	user := seedUser(t, db, "paul@arrakis.example")

	_, err := svc.Borrow(context.Background(), book.ID, user.ID)
	require.NoError(t, err)
	_, err = svc.Borrow(context.Background(), book.ID, user.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestBorrowMissingRefs(t *testing.T) {
	svc, db := newService(t)
	cat := seedCategory(t, db, "Fiction")
	book := seedBook(t, db, cat.ID, "Dune", 1, 1)
	user := seedUser(t, db, "paul@arrakis.example")

	_, err := svc.Borrow(context.Background(), book.ID, "no-such-user")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.Borrow(context.Background(), "no-such-book", user.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReturnOnTime(t *testing.T) {
	svc, db := newService(t)
	cat := seedCategory(t, db, "Fiction")
	book := seedBook(t, db, cat.ID, "Dune", 1, 0)
	user := seedUser(t, db, "paul@arrakis.example")
	today := domain.Today()
	txn := seedTxn(t, db, user.ID, book.ID, today, today.AddDays(15), domain.TxnStatusBorrowed)

	rcpt, err := svc.Return(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.True(t, rcpt.FineAmount.IsZero(), "on-time return must not accrue a fine")
	assert.Equal(t, today, rcpt.ReturnDate)

	var got domain.Book
	require.NoError(t, db.First(&got, "id = ?", book.ID).Error)
	assert.Equal(t, 1, got.Available)

	var u domain.User
	require.NoError(t, db.First(&u, "id = ?", user.ID).Error)
	assert.True(t, u.Fines.IsZero())
}

func TestReturnFiveDaysLate(t *testing.T) {
	svc, db := newService(t)
	cat := seedCategory(t, db, "Fiction")
	book := seedBook(t, db, cat.ID, "Dune", 1, 0)
	user := seedUser(t, db, "paul@arrakis.example")
	today := domain.Today()
	txn := seedTxn(t, db, user.ID, book.ID, today.AddDays(-20), today.AddDays(-5), domain.TxnStatusBorrowed)

	rcpt, err := svc.Return(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.True(t, rcpt.FineAmount.Equal(decimal.NewFromInt(5)),
		"fine should be 5, got %s", rcpt.FineAmount)

	var gotTxn domain.Transaction
	require.NoError(t, db.First(&gotTxn, "id = ?", txn.ID).Error)
	assert.Equal(t, domain.TxnStatusReturned, gotTxn.Status)
	require.NotNil(t, gotTxn.ReturnDate)
	assert.True(t, gotTxn.FineAmount.Equal(decimal.NewFromInt(5)))

	var u domain.User
	require.NoError(t, db.First(&u, "id = ?", user.ID).Error)
	assert.True(t, u.Fines.Equal(decimal.NewFromInt(5)))

	var got domain.Book
	require.NoError(t, db.First(&got, "id = ?", book.ID).Error)
	assert.Equal(t, 1, got.Available)
}

func TestReturnTwice(t *testing.T) {
	svc, db := newService(t)
	cat := seedCategory(t, db, "Fiction")
	book := seedBook(t, db, cat.ID, "Dune", 1, 0)
	user := seedUser(t, db, "paul@arrakis.example")
	today := domain.Today()
	txn := seedTxn(t, db, user.ID, book.ID, today, today.AddDays(15), domain.TxnStatusBorrowed)

	_, err := svc.Return(context.Background(), txn.ID)
	require.NoError(t, err)

	_, err = svc.Return(context.Background(), txn.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	// 第二次失败不得改动任何状态
	var got domain.Book
	require.NoError(t, db.First(&got, "id = ?", book.ID).Error)
	assert.Equal(t, 1, got.Available)
}

func TestRenew(t *testing.T) {
	svc, db := newService(t)
	cat := seedCategory(t, db, "Fiction")
	book := seedBook(t, db, cat.ID, "Dune", 1, 0)
	user := seedUser(t, db, "paul@arrakis.example")
	today := domain.Today()
	due := today.AddDays(10)
	txn := seedTxn(t, db, user.ID, book.ID, today, due, domain.TxnStatusBorrowed)

	rcpt, err := svc.Renew(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, due.AddDays(15), rcpt.DueDate)
	assert.Equal(t, 1, rcpt.RenewalCount)

	_, err = svc.Renew(context.Background(), txn.ID)
	require.NoError(t, err)
	_, err = svc.Renew(context.Background(), txn.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState, "third renewal exceeds the cap")
}

func TestRenewReturnedFails(t *testing.T) {
	svc, db := newService(t)
	cat := seedCategory(t, db, "Fiction")
	book := seedBook(t, db, cat.ID, "Dune", 1, 1)
	user := seedUser(t, db, "paul@arrakis.example")
	today := domain.Today()
	txn := seedTxn(t, db, user.ID, book.ID, today, today.AddDays(15), domain.TxnStatusReturned)

	_, err := svc.Renew(context.Background(), txn.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestPayFine(t *testing.T) {
	svc, db := newService(t)
	user := seedUser(t, db, "paul@arrakis.example")
	require.NoError(t, db.Model(user).Update("fines", decimal.NewFromInt(10)).Error)

	remaining, err := svc.PayFine(context.Background(), user.ID, decimal.NewFromInt(4))
	require.NoError(t, err)
	assert.True(t, remaining.Equal(decimal.NewFromInt(6)), "remaining = %s", remaining)

	var u domain.User
	require.NoError(t, db.First(&u, "id = ?", user.ID).Error)
	assert.True(t, u.Fines.Equal(decimal.NewFromInt(6)))
}

func TestPayFineInvalidAmounts(t *testing.T) {
	svc, db := newService(t)
	user := seedUser(t, db, "paul@arrakis.example")
	require.NoError(t, db.Model(user).Update("fines", decimal.NewFromInt(3)).Error)

	_, err := svc.PayFine(context.Background(), user.ID, decimal.Zero)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.PayFine(context.Background(), user.ID, decimal.NewFromInt(-2))
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.PayFine(context.Background(), user.ID, decimal.NewFromInt(4))
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	// 失败不得动余额
	var u domain.User
	require.NoError(t, db.First(&u, "id = ?", user.ID).Error)
	assert.True(t, u.Fines.Equal(decimal.NewFromInt(3)))
}

func TestPayFineUnknownUser(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.PayFine(context.Background(), "nobody", decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSweepOverdue(t *testing.T) {
	svc, db := newService(t)
	cat := seedCategory(t, db, "Fiction")
	book := seedBook(t, db, cat.ID, "Dune", 3, 0)
	user := seedUser(t, db, "paul@arrakis.example")
	today := domain.Today()

	late := seedTxn(t, db, user.ID, book.ID, today.AddDays(-20), today.AddDays(-5), domain.TxnStatusBorrowed)
	already := seedTxn(t, db, user.ID, book.ID, today.AddDays(-40), today.AddDays(-25), domain.TxnStatusOverdue)
	onTime := seedTxn(t, db, user.ID, book.ID, today, today.AddDays(15), domain.TxnStatusBorrowed)

	out, err := svc.SweepOverdue(context.Background(), domain.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, out, 2, "newly-overdue plus already-overdue")

	ids := []string{out[0].ID, out[1].ID}
	assert.Contains(t, ids, late.ID)
	assert.Contains(t, ids, already.ID)

	var got domain.Transaction
	require.NoError(t, db.First(&got, "id = ?", onTime.ID).Error)
	assert.Equal(t, domain.TxnStatusBorrowed, got.Status, "current loans stay borrowed")

	// 幂等：再扫一遍结果不变
	out, err = svc.SweepOverdue(context.Background(), domain.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestAnalytics(t *testing.T) {
	svc, db := newService(t)
	cat := seedCategory(t, db, "Fiction")
	bookA := seedBook(t, db, cat.ID, "Alpha", 5, 5)
	bookB := seedBook(t, db, cat.ID, "Beta", 5, 5)
	bookC := seedBook(t, db, cat.ID, "Gamma", 5, 5)
	user := seedUser(t, db, "paul@arrakis.example")
	today := domain.Today()

	for i := 0; i < 3; i++ {
		seedTxn(t, db, user.ID, bookA.ID, today, today.AddDays(15), domain.TxnStatusBorrowed)
	}
	seedTxn(t, db, user.ID, bookB.ID, today, today.AddDays(15), domain.TxnStatusBorrowed)
	for i := 0; i < 5; i++ {
		seedTxn(t, db, user.ID, bookC.ID, today, today.AddDays(15), domain.TxnStatusBorrowed)
	}
	over := seedTxn(t, db, user.ID, bookB.ID, today.AddDays(-40), today.AddDays(-25), domain.TxnStatusOverdue)
	require.NoError(t, db.Model(over).Update("fine_amount", decimal.NewFromInt(7)).Error)

	a, err := svc.Analytics(context.Background(), domain.TransactionFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 10, a.TotalTransactions)
	assert.EqualValues(t, 9, a.BorrowedCount)
	assert.EqualValues(t, 1, a.OverdueCount)
	assert.True(t, a.TotalFines.Equal(decimal.NewFromInt(7)), "total fines = %s", a.TotalFines)

	require.Len(t, a.PopularBooks, 3)
	assert.Equal(t, "Gamma", a.PopularBooks[0].BookTitle)
	assert.EqualValues(t, 5, a.PopularBooks[0].BorrowCount)
	assert.Equal(t, "Alpha", a.PopularBooks[1].BookTitle)
	assert.Equal(t, "Beta", a.PopularBooks[2].BookTitle)

	require.NotEmpty(t, a.RecentActivity)
	last := a.RecentActivity[len(a.RecentActivity)-1]
	assert.Equal(t, today, last.BorrowDate)
	assert.EqualValues(t, 9, last.Count)
}

func TestAnalyticsFilteredByUser(t *testing.T) {
	svc, db := newService(t)
	cat := seedCategory(t, db, "Fiction")
	book := seedBook(t, db, cat.ID, "Dune", 5, 5)
	u1 := seedUser(t, db, "one@example.com")
	u2 := seedUser(t, db, "two@example.com")
	today := domain.Today()

	seedTxn(t, db, u1.ID, book.ID, today, today.AddDays(15), domain.TxnStatusBorrowed)
	seedTxn(t, db, u2.ID, book.ID, today, today.AddDays(15), domain.TxnStatusBorrowed)
	seedTxn(t, db, u2.ID, book.ID, today, today.AddDays(15), domain.TxnStatusBorrowed)

	a, err := svc.Analytics(context.Background(), domain.TransactionFilter{UserID: u2.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 2, a.TotalTransactions)
}

func TestCategoryStats(t *testing.T) {
	svc, db := newService(t)
	cat := seedCategory(t, db, "Science")
	other := seedCategory(t, db, "Arts")
	seedBook(t, db, cat.ID, "One", 2, 1)
	seedBook(t, db, cat.ID, "Two", 1, 0)
	seedBook(t, db, cat.ID, "Three", 3, 3)

	stats, err := svc.CategoryStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)

	byName := map[string]domain.CategoryStats{}
	for _, s := range stats {
		byName[s.Name] = s
	}
	sci := byName["Science"]
	assert.EqualValues(t, 3, sci.TotalBooks)
	assert.EqualValues(t, 2, sci.BorrowedBooks)
	assert.EqualValues(t, 4, sci.AvailableBooks)

	empty := byName[other.Name]
	assert.Zero(t, empty.TotalBooks)
	assert.Zero(t, empty.BorrowedBooks)
	assert.Zero(t, empty.AvailableBooks)
}

func TestBorrowedBooks(t *testing.T) {
	svc, db := newService(t)
	cat := seedCategory(t, db, "Fiction")
	book := seedBook(t, db, cat.ID, "Dune", 5, 5)
	user := seedUser(t, db, "paul@arrakis.example")
	today := domain.Today()

	seedTxn(t, db, user.ID, book.ID, today, today.AddDays(15), domain.TxnStatusBorrowed)
	seedTxn(t, db, user.ID, book.ID, today.AddDays(-40), today.AddDays(-25), domain.TxnStatusOverdue)
	seedTxn(t, db, user.ID, book.ID, today.AddDays(-60), today.AddDays(-45), domain.TxnStatusReturned)

	out, err := svc.BorrowedBooks(context.Background(), user.ID)
	require.NoError(t, err)
	require.Len(t, out, 2, "returned loans are not active")
	for _, txn := range out {
		assert.Equal(t, "Dune", txn.BookTitle)
		assert.Equal(t, user.ID, txn.UserID)
	}

	_, err = svc.BorrowedBooks(context.Background(), "nobody")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPopularBooks(t *testing.T) {
	svc, db := newService(t)
	fiction := seedCategory(t, db, "Fiction")
	science := seedCategory(t, db, "Science")
	for i, pop := range []int{3, 9, 1} {
		b := seedBook(t, db, fiction.ID, []string{"Low", "High", "Floor"}[i], 1, 1)
		require.NoError(t, db.Model(b).Update("popularity", pop).Error)
	}
	other := seedBook(t, db, science.ID, "Outsider", 1, 0)
	require.NoError(t, db.Model(other).Update("popularity", 99).Error)

	books, err := svc.PopularBooks(context.Background(), domain.BookFilter{})
	require.NoError(t, err)
	require.Len(t, books, 4)
	assert.Equal(t, "Outsider", books[0].Title)
	assert.Equal(t, "High", books[1].Title)

	// 榜单叠加书目过滤条件
	books, err = svc.PopularBooks(context.Background(), domain.BookFilter{Category: "Fiction"})
	require.NoError(t, err)
	require.Len(t, books, 3)
	assert.Equal(t, "High", books[0].Title)
	assert.Equal(t, "Low", books[1].Title)
	assert.Equal(t, "Floor", books[2].Title)

	books, err = svc.PopularBooks(context.Background(), domain.BookFilter{AvailableOnly: true})
	require.NoError(t, err)
	require.Len(t, books, 3, "unavailable books drop out under available_only")
	assert.Equal(t, "High", books[0].Title)
}
