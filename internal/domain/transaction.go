package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TxnTypeBorrow = "borrow"
	TxnTypeReturn = "return"
	TxnTypeRenew  = "renew"

	TxnStatusBorrowed = "borrowed"
	TxnStatusReturned = "returned"
	TxnStatusOverdue  = "overdue"
)

// 借阅期限与逾期日罚金
const (
	BorrowDays = 15
	MaxRenewals = 2
)

// DailyFineRate 每逾期一天 1 个货币单位
var DailyFineRate = decimal.NewFromInt(1)

type Transaction struct {
	ID           string          `gorm:"primaryKey;size:36" json:"id"`
	UserID       string          `gorm:"size:36;not null;index" json:"user"`
	User         *User           `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	BookID       string          `gorm:"size:36;not null;index" json:"book"`
	Book         *Book           `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Type         string          `gorm:"size:10;not null" json:"type"`
	BorrowDate   Date            `gorm:"type:date;index" json:"borrow_date"`
	DueDate      Date            `gorm:"type:date" json:"due_date"`
	ReturnDate   *Date           `gorm:"type:date" json:"return_date"`
	Status       string          `gorm:"size:10;not null;default:borrowed;index" json:"status"`
	FineAmount   decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"fine_amount"`
	RenewalCount int             `gorm:"not null;default:0" json:"renewal_count"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`

	// 读者/书目联表回显字段，非表字段
	UserName   string `gorm:"-" json:"user_name,omitempty"`
	BookTitle  string `gorm:"-" json:"book_title,omitempty"`
	BookAuthor string `gorm:"-" json:"book_author,omitempty"`
}

func (Transaction) TableName() string { return "transactions" }

type TransactionFilter struct {
	UserID    string `form:"user_id"`
	Status    string `form:"status"`
	StartDate string `form:"start_date"`
	EndDate   string `form:"end_date"`
}

// BookRank 分析接口里按借阅次数排名的书目
type BookRank struct {
	BookTitle   string `json:"book_title"`
	BookAuthor  string `json:"book_author"`
	BorrowCount int64  `json:"borrow_count"`
}

// DailyCount 某天创建的交易数
type DailyCount struct {
	BorrowDate Date  `json:"borrow_date"`
	Count      int64 `json:"count"`
}

// Analytics GET /transactions/analytics 的聚合块
type Analytics struct {
	TotalTransactions int64           `json:"total_transactions"`
	BorrowedCount     int64           `json:"borrowed_count"`
	OverdueCount      int64           `json:"overdue_count"`
	TotalFines        decimal.Decimal `json:"total_fines"`
	PopularBooks      []BookRank      `json:"popular_books"`
	RecentActivity    []DailyCount    `json:"recent_activity"`
}

type TransactionRepository interface {
	Create(t *Transaction) error
	FindByID(id string) (*Transaction, error)
	List(f TransactionFilter, offset, limit int) ([]Transaction, int64, error)
	Update(t *Transaction) error
	Delete(id string) error

	// ActiveByUser 某读者 status ∈ {borrowed, overdue} 的交易
	ActiveByUser(userID string) ([]Transaction, error)

	// MarkOverdue 把 due_date 早于 today 且仍为 borrowed 的交易批量置为 overdue
	MarkOverdue(today Date) (int64, error)

	// Overdue 当前所有 overdue 交易（叠加过滤条件）
	Overdue(f TransactionFilter) ([]Transaction, error)

	Analytics(f TransactionFilter, since Date) (*Analytics, error)
}
