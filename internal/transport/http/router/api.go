package router

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"library-api/internal/core/cache"
	"library-api/internal/domain"
	"library-api/internal/repo"
	"library-api/internal/service"
	httpez "library-api/internal/transport/http/ez"
	mdw "library-api/internal/transport/http/middleware"
)

// 热点计算型读接口的缓存时效
const readCacheTTL = 30 * time.Second

// NewAPIEngine 组装引擎：中间件链 + /health /metrics + /api/v1 下的
// 四套实体 CRUD 和领域动作。ch 可为 nil（不启用 redis 时直读 DB）。
func NewAPIEngine(l *zap.Logger, db *gorm.DB, svc *service.LibraryService, ch *cache.Cache) *gin.Engine {
	r := gin.New()

	r.Use(
		mdw.RequestID(),
		cors.Default(),
		mdw.RateLimit(200, 400),
		mdw.ConcurrencyLimit(300),
		mdw.MaxBodyBytes(1<<20),
		mdw.Timeout(10*time.Second),
		ginzap.RecoveryWithZap(l, true),
		mdw.Metrics(),
		mdw.AccessLog(l),
	)

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": 1}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	mountCategories(api, db, svc, ch)
	mountBooks(api, db, svc, ch)
	mountUsers(api, db, svc)
	mountTransactions(api, db, svc)

	return r
}

// cachedList 读穿缓存；cache 未配置时直接回源
func cachedList[T any](ch *cache.Cache, ctx context.Context, key string,
	load func(ctx context.Context) ([]T, error)) ([]T, error) {
	if ch == nil {
		return load(ctx)
	}
	out, err := cache.GetOrLoadJSON(ch, ctx, key, readCacheTTL,
		func(ctx context.Context) (*[]T, error) {
			items, err := load(ctx)
			if err != nil {
				return nil, err
			}
			return &items, nil
		})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return []T{}, nil
	}
	return *out, nil
}

// ---------- categories ----------

func mountCategories(api *gin.RouterGroup, db *gorm.DB, svc *service.LibraryService, ch *cache.Cache) {
	e := httpez.New(api)

	httpez.RegisterAction(e, db, httpez.Action[struct{}, []domain.CategoryStats]{
		Method: http.MethodGet,
		Path:   "/categories/stats",
		Binder: httpez.BindNone,
		Handler: func(c *gin.Context, _ *gorm.DB, _ *struct{}) ([]domain.CategoryStats, error) {
			return cachedList(ch, c.Request.Context(), "categories:stats", svc.CategoryStats)
		},
	})

	httpez.Crud(httpez.CrudConfig[domain.Category]{
		DB:    db,
		Group: api,
		Path:  "/categories",
		New:   func() *domain.Category { return &domain.Category{} },
		Hooks: httpez.CrudHooks[domain.Category]{
			ScopeList: func(c *gin.Context, q *gorm.DB) *gorm.DB {
				var f domain.CategoryFilter
				_ = c.ShouldBindQuery(&f)
				return repo.CategoryScope(f)(q)
			},
		},
	})
}

// ---------- books ----------

func mountBooks(api *gin.RouterGroup, db *gorm.DB, svc *service.LibraryService, ch *cache.Cache) {
	e := httpez.New(api)

	httpez.RegisterAction(e, db, httpez.Action[domain.BookFilter, []domain.Book]{
		Method: http.MethodGet,
		Path:   "/books/popular",
		Binder: httpez.BindQuery,
		Handler: func(c *gin.Context, _ *gorm.DB, f *domain.BookFilter) ([]domain.Book, error) {
			// 过滤条件进缓存键，不同查询各自缓存
			key := "books:popular"
			if qs := c.Request.URL.RawQuery; qs != "" {
				key += "?" + qs
			}
			return cachedList(ch, c.Request.Context(), key, func(ctx context.Context) ([]domain.Book, error) {
				return svc.PopularBooks(ctx, *f)
			})
		},
	})

	type borrowIn struct {
		UserID string `json:"user_id"`
	}
	httpez.RegisterAction(e, db, httpez.Action[borrowIn, gin.H]{
		Method: http.MethodPost,
		Path:   "/books/:id/borrow",
		Binder: httpez.BindJSON,
		Handler: func(c *gin.Context, _ *gorm.DB, in *borrowIn) (gin.H, error) {
			if in.UserID == "" {
				return nil, httpez.BadRequest("user_id is required")
			}
			rcpt, err := svc.Borrow(c.Request.Context(), c.Param("id"), in.UserID)
			if err != nil {
				return nil, err
			}
			return gin.H{
				"message":        "Book borrowed successfully",
				"transaction_id": rcpt.TransactionID,
				"due_date":       rcpt.DueDate,
			}, nil
		},
	})

	httpez.Crud(httpez.CrudConfig[domain.Book]{
		DB:    db,
		Group: api,
		Path:  "/books",
		New:   func() *domain.Book { return &domain.Book{} },
		Hooks: httpez.CrudHooks[domain.Book]{
			BeforeCreate: func(c *gin.Context, b *domain.Book) error {
				if err := validateBook(b); err != nil {
					return err
				}
				if err := categoryMustExist(c, db, b.CategoryID); err != nil {
					return err
				}
				// 未指定时新书可借副本数 = 总副本数
				if b.Available == 0 {
					b.Available = b.Copies
				}
				return nil
			},
			BeforeUpdate: func(c *gin.Context, b *domain.Book) error {
				if err := validateBook(b); err != nil {
					return err
				}
				if b.CategoryID != "" {
					return categoryMustExist(c, db, b.CategoryID)
				}
				return nil
			},
			ScopeList: func(c *gin.Context, q *gorm.DB) *gorm.DB {
				var f domain.BookFilter
				_ = c.ShouldBindQuery(&f)
				return repo.BookScope(f)(q).Preload("Category")
			},
			AfterGet: func(c *gin.Context, b *domain.Book) {
				if b.Category != nil {
					b.CategoryName = b.Category.Name
					return
				}
				var names []string
				_ = db.WithContext(c).Model(&domain.Category{}).
					Where("id = ?", b.CategoryID).Limit(1).Pluck("name", &names).Error
				if len(names) > 0 {
					b.CategoryName = names[0]
				}
			},
		},
	})
}

func validateBook(b *domain.Book) error {
	if b.Copies < 0 || b.Available < 0 {
		return httpez.BadRequest("copies must not be negative")
	}
	if b.Rating < 0 || b.Rating > 9.9 {
		return httpez.BadRequest("rating must be between 0.0 and 9.9")
	}
	return nil
}

func categoryMustExist(ctx context.Context, db *gorm.DB, id string) error {
	var n int64
	if err := db.WithContext(ctx).Model(&domain.Category{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return domain.NotFoundf("category %s", id)
	}
	return nil
}

// ---------- users ----------

func mountUsers(api *gin.RouterGroup, db *gorm.DB, svc *service.LibraryService) {
	e := httpez.New(api)

	httpez.RegisterAction(e, db, httpez.Action[struct{}, []domain.Transaction]{
		Method: http.MethodGet,
		Path:   "/users/:id/borrowed_books",
		Binder: httpez.BindNone,
		Handler: func(c *gin.Context, _ *gorm.DB, _ *struct{}) ([]domain.Transaction, error) {
			return svc.BorrowedBooks(c.Request.Context(), c.Param("id"))
		},
	})

	type payIn struct {
		Amount decimal.Decimal `json:"amount"`
	}
	httpez.RegisterAction(e, db, httpez.Action[payIn, gin.H]{
		Method: http.MethodPost,
		Path:   "/users/:id/pay_fine",
		Binder: httpez.BindJSON,
		Handler: func(c *gin.Context, _ *gorm.DB, in *payIn) (gin.H, error) {
			remaining, err := svc.PayFine(c.Request.Context(), c.Param("id"), in.Amount)
			if err != nil {
				return nil, err
			}
			return gin.H{
				"message":        fmt.Sprintf("Fine of %s paid successfully", in.Amount.Round(2)),
				"remaining_fine": remaining,
			}, nil
		},
	})

	httpez.Crud(httpez.CrudConfig[domain.User]{
		DB:    db,
		Group: api,
		Path:  "/users",
		New:   func() *domain.User { return &domain.User{} },
		Hooks: httpez.CrudHooks[domain.User]{
			BeforeCreate: func(c *gin.Context, u *domain.User) error {
				if u.Role == "" {
					u.Role = domain.RoleStudent
				}
				return validateUser(u)
			},
			BeforeUpdate: func(c *gin.Context, u *domain.User) error {
				if u.Role == "" {
					return nil
				}
				return validateUser(u)
			},
			ScopeList: func(c *gin.Context, q *gorm.DB) *gorm.DB {
				var f domain.UserFilter
				_ = c.ShouldBindQuery(&f)
				return repo.UserScope(f)(q)
			},
		},
	})
}

func validateUser(u *domain.User) error {
	if u.Role != domain.RoleStudent && u.Role != domain.RoleAdmin {
		return httpez.BadRequest("role must be student or admin")
	}
	if u.Fines.IsNegative() {
		return httpez.BadRequest("fines must not be negative")
	}
	return nil
}

// ---------- transactions ----------

func mountTransactions(api *gin.RouterGroup, db *gorm.DB, svc *service.LibraryService) {
	e := httpez.New(api)

	// 有副作用的查询：先把到期未还的置为 overdue，再返回 overdue 全集
	httpez.RegisterAction(e, db, httpez.Action[domain.TransactionFilter, []domain.Transaction]{
		Method: http.MethodGet,
		Path:   "/transactions/overdue",
		Binder: httpez.BindQuery,
		Handler: func(c *gin.Context, _ *gorm.DB, f *domain.TransactionFilter) ([]domain.Transaction, error) {
			return svc.SweepOverdue(c.Request.Context(), *f)
		},
	})

	httpez.RegisterAction(e, db, httpez.Action[domain.TransactionFilter, *domain.Analytics]{
		Method: http.MethodGet,
		Path:   "/transactions/analytics",
		Binder: httpez.BindQuery,
		Handler: func(c *gin.Context, _ *gorm.DB, f *domain.TransactionFilter) (*domain.Analytics, error) {
			return svc.Analytics(c.Request.Context(), *f)
		},
	})

	httpez.RegisterAction(e, db, httpez.Action[struct{}, gin.H]{
		Method: http.MethodPost,
		Path:   "/transactions/:id/return_book",
		Binder: httpez.BindNone,
		Handler: func(c *gin.Context, _ *gorm.DB, _ *struct{}) (gin.H, error) {
			rcpt, err := svc.Return(c.Request.Context(), c.Param("id"))
			if err != nil {
				return nil, err
			}
			return gin.H{
				"message":     "Book returned successfully",
				"fine_amount": rcpt.FineAmount,
				"return_date": rcpt.ReturnDate,
			}, nil
		},
	})

	httpez.RegisterAction(e, db, httpez.Action[struct{}, gin.H]{
		Method: http.MethodPost,
		Path:   "/transactions/:id/renew",
		Binder: httpez.BindNone,
		Handler: func(c *gin.Context, _ *gorm.DB, _ *struct{}) (gin.H, error) {
			rcpt, err := svc.Renew(c.Request.Context(), c.Param("id"))
			if err != nil {
				return nil, err
			}
			return gin.H{
				"message":       "Book renewed successfully",
				"due_date":      rcpt.DueDate,
				"renewal_count": rcpt.RenewalCount,
			}, nil
		},
	})

	httpez.Crud(httpez.CrudConfig[domain.Transaction]{
		DB:    db,
		Group: api,
		Path:  "/transactions",
		New:   func() *domain.Transaction { return &domain.Transaction{} },
		Hooks: httpez.CrudHooks[domain.Transaction]{
			BeforeCreate: func(c *gin.Context, t *domain.Transaction) error {
				if t.Type == "" {
					t.Type = domain.TxnTypeBorrow
				}
				if t.Status == "" {
					t.Status = domain.TxnStatusBorrowed
				}
				return nil
			},
			ScopeList: func(c *gin.Context, q *gorm.DB) *gorm.DB {
				var f domain.TransactionFilter
				_ = c.ShouldBindQuery(&f)
				return repo.TransactionScope(f)(q).
					Preload("User").Preload("Book").
					Order("created_at DESC")
			},
			AfterGet: func(c *gin.Context, t *domain.Transaction) {
				if t.User == nil {
					var u domain.User
					if err := db.WithContext(c).Select("name").First(&u, "id = ?", t.UserID).Error; err == nil {
						t.User = &u
					}
				}
				if t.Book == nil {
					var b domain.Book
					if err := db.WithContext(c).Select("title", "author").First(&b, "id = ?", t.BookID).Error; err == nil {
						t.Book = &b
					}
				}
				if t.User != nil {
					t.UserName = t.User.Name
				}
				if t.Book != nil {
					t.BookTitle = t.Book.Title
					t.BookAuthor = t.Book.Author
				}
			},
		},
	})
}
