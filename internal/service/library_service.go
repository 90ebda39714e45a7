package service

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"library-api/internal/domain"
	"library-api/internal/repo"
	"library-api/pkg/utils"
)

// LibraryService 借还/罚金/逾期/统计的业务编排。
// 每个复合写操作都包在单个 DB 事务里，计数器走守护式单语句更新，
// 检查与写入之间不会被并发请求穿插。
type LibraryService struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewLibraryService(db *gorm.DB, log *zap.Logger) *LibraryService {
	return &LibraryService{db: db, log: log}
}

type BorrowReceipt struct {
	TransactionID string      `json:"transaction_id"`
	DueDate       domain.Date `json:"due_date"`
}

type ReturnReceipt struct {
	FineAmount decimal.Decimal `json:"fine_amount"`
	ReturnDate domain.Date     `json:"return_date"`
}

type RenewReceipt struct {
	DueDate      domain.Date `json:"due_date"`
	RenewalCount int         `json:"renewal_count"`
}

// Borrow 借书：读者/书目都存在、有可借副本才建交易。
// 扣减 available 是带 available>0 守护的单语句，0 行受影响即无货。
func (s *LibraryService) Borrow(ctx context.Context, bookID, userID string) (*BorrowReceipt, error) {
	var out *BorrowReceipt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		users := repo.NewUserRepo(tx)
		books := repo.NewBookRepo(tx)
		txns := repo.NewTransactionRepo(tx)

		user, err := users.FindByID(userID)
		if err != nil {
			return err
		}
		if _, err := books.FindByID(bookID); err != nil {
			return err
		}

		ok, err := books.TryAcquireCopy(bookID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.InvalidStatef("book not available")
		}

		today := domain.Today()
		t := &domain.Transaction{
			ID:         utils.NewID(),
			UserID:     user.ID,
			BookID:     bookID,
			Type:       domain.TxnTypeBorrow,
			BorrowDate: today,
			DueDate:    today.AddDays(domain.BorrowDays),
			Status:     domain.TxnStatusBorrowed,
			FineAmount: decimal.Zero,
		}
		if err := txns.Create(t); err != nil {
			return err
		}
		out = &BorrowReceipt{TransactionID: t.ID, DueDate: t.DueDate}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("book borrowed",
		zap.String("book_id", bookID),
		zap.String("user_id", userID),
		zap.String("transaction_id", out.TransactionID),
	)
	return out, nil
}

// Return 还书：置 returned、记还期、按逾期天数计罚金并累加到读者账上，
// 归还副本。重复归还报“already returned”，整个操作回滚。
func (s *LibraryService) Return(ctx context.Context, txnID string) (*ReturnReceipt, error) {
	var out *ReturnReceipt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		users := repo.NewUserRepo(tx)
		books := repo.NewBookRepo(tx)
		txns := repo.NewTransactionRepo(tx)

		t, err := txns.FindByID(txnID)
		if err != nil {
			return err
		}
		if t.Status == domain.TxnStatusReturned {
			return domain.InvalidStatef("book already returned")
		}

		today := domain.Today()
		fine := decimal.Zero
		if days := today.DaysSince(t.DueDate); days > 0 {
			fine = domain.DailyFineRate.Mul(decimal.NewFromInt(int64(days)))
		}

		t.ReturnDate = &today
		t.Status = domain.TxnStatusReturned
		t.FineAmount = fine
		if err := txns.Update(t); err != nil {
			return err
		}
		if err := books.ReleaseCopy(t.BookID); err != nil {
			return err
		}
		if fine.IsPositive() {
			if err := users.AddFine(t.UserID, fine); err != nil {
				return err
			}
		}
		out = &ReturnReceipt{FineAmount: fine, ReturnDate: today}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("book returned",
		zap.String("transaction_id", txnID),
		zap.String("fine", out.FineAmount.String()),
	)
	return out, nil
}

// Renew 续借：仅限 borrowed 状态、最多续 MaxRenewals 次，到期日在原基础上顺延
func (s *LibraryService) Renew(ctx context.Context, txnID string) (*RenewReceipt, error) {
	var out *RenewReceipt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txns := repo.NewTransactionRepo(tx)

		t, err := txns.FindByID(txnID)
		if err != nil {
			return err
		}
		if t.Status != domain.TxnStatusBorrowed {
			return domain.InvalidStatef("only borrowed books can be renewed")
		}
		if t.RenewalCount >= domain.MaxRenewals {
			return domain.InvalidStatef("renewal limit reached")
		}

		t.DueDate = t.DueDate.AddDays(domain.BorrowDays)
		t.RenewalCount++
		t.Type = domain.TxnTypeRenew
		if err := txns.Update(t); err != nil {
			return err
		}
		out = &RenewReceipt{DueDate: t.DueDate, RenewalCount: t.RenewalCount}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PayFine 缴罚金：金额先归到两位小数（四舍五入），必须为正且不超过欠额。
// 扣减带 fines >= amount 守护，返回剩余欠额。
func (s *LibraryService) PayFine(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return decimal.Zero, domain.InvalidInputf("invalid amount")
	}

	var remaining decimal.Decimal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		users := repo.NewUserRepo(tx)

		if _, err := users.FindByID(userID); err != nil {
			return err
		}
		ok, err := users.TryDeductFine(userID, amount)
		if err != nil {
			return err
		}
		if !ok {
			return domain.InvalidInputf("amount exceeds fine balance")
		}
		u, err := users.FindByID(userID)
		if err != nil {
			return err
		}
		remaining = u.Fines
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	s.log.Info("fine paid",
		zap.String("user_id", userID),
		zap.String("amount", amount.String()),
		zap.String("remaining", remaining.String()),
	)
	return remaining, nil
}

// SweepOverdue 把到期未还的 borrowed 交易批量置为 overdue，再返回当前全部
// overdue（新转的加上此前已是的，叠加调用方过滤条件）。
// 注意这是一个有副作用的“查询”，由 GET /transactions/overdue 触发。
func (s *LibraryService) SweepOverdue(ctx context.Context, f domain.TransactionFilter) ([]domain.Transaction, error) {
	var out []domain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txns := repo.NewTransactionRepo(tx)

		n, err := txns.MarkOverdue(domain.Today())
		if err != nil {
			return err
		}
		if n > 0 {
			s.log.Info("overdue sweep", zap.Int64("transitioned", n))
		}
		out, err = txns.Overdue(f)
		return err
	})
	return out, err
}

// Analytics 交易聚合：总量、在借/逾期数、罚金合计、借阅榜前十、近 30 天逐日量
func (s *LibraryService) Analytics(ctx context.Context, f domain.TransactionFilter) (*domain.Analytics, error) {
	txns := repo.NewTransactionRepo(s.db.WithContext(ctx))
	return txns.Analytics(f, domain.Today().AddDays(-30))
}

func (s *LibraryService) CategoryStats(ctx context.Context) ([]domain.CategoryStats, error) {
	return repo.NewCategoryRepo(s.db.WithContext(ctx)).Stats()
}

// PopularBooks 借阅人气榜前十，叠加调用方的书目过滤条件
func (s *LibraryService) PopularBooks(ctx context.Context, f domain.BookFilter) ([]domain.Book, error) {
	return repo.NewBookRepo(s.db.WithContext(ctx)).Popular(f, 10)
}

// BorrowedBooks 某读者当前在手的书（borrowed 或 overdue 的交易）
func (s *LibraryService) BorrowedBooks(ctx context.Context, userID string) ([]domain.Transaction, error) {
	users := repo.NewUserRepo(s.db.WithContext(ctx))
	if _, err := users.FindByID(userID); err != nil {
		return nil, err
	}
	return repo.NewTransactionRepo(s.db.WithContext(ctx)).ActiveByUser(userID)
}
