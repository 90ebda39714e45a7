package ez

import (
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"library-api/pkg/utils"
)

// CrudHooks 各实体在标准 CRUD 上的扩展点
type CrudHooks[T any] struct {
	BeforeCreate func(c *gin.Context, m *T) error
	BeforeUpdate func(c *gin.Context, m *T) error
	ScopeList    func(c *gin.Context, q *gorm.DB) *gorm.DB // 自定义筛选/排序
	AfterGet     func(c *gin.Context, m *T)
}

type CrudConfig[T any] struct {
	DB    *gorm.DB
	Group *gin.RouterGroup
	Path  string
	New   func() *T

	Hooks CrudHooks[T]

	AllowCreate bool
	AllowList   bool
	AllowGet    bool
	AllowUpdate bool
	AllowDelete bool

	IDField string        // 默认 "ID"
	IDGen   func() string // 默认 utils.NewID
}

func (c *CrudConfig[T]) idFieldCandidates() []string {
	if c.IDField != "" {
		return []string{c.IDField, "ID", "Id"}
	}
	return []string{"ID", "Id"}
}

func getStringFieldPtr(obj any, candidates []string) (*string, bool) {
	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Ptr {
		return nil, false
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return nil, false
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" { // 未导出字段跳过
			continue
		}
		for _, cand := range candidates {
			if f.Name == cand {
				fv := v.Field(i)
				if fv.Kind() == reflect.String && fv.CanSet() {
					return fv.Addr().Interface().(*string), true
				}
			}
		}
	}
	return nil, false
}

func readStringField(obj any, candidates []string) (string, bool) {
	p, ok := getStringFieldPtr(obj, candidates)
	if !ok {
		return "", false
	}
	return *p, true
}

func writeStringField(obj any, candidates []string, val string) bool {
	p, ok := getStringFieldPtr(obj, candidates)
	if !ok {
		return false
	}
	*p = val
	return true
}

func atoiDefault(s string, def int) int {
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return v
	}
	return def
}

// Crud 按实体注册 list/create/retrieve/update/delete（无需模型实现任何接口）。
// 列表分页 page/size，envelope 为 {list,total,page,size}。
func Crud[T any](cfg CrudConfig[T]) {
	if !cfg.AllowCreate && !cfg.AllowGet && !cfg.AllowList && !cfg.AllowUpdate && !cfg.AllowDelete {
		cfg.AllowCreate, cfg.AllowList, cfg.AllowGet, cfg.AllowUpdate, cfg.AllowDelete = true, true, true, true, true
	}
	if cfg.IDGen == nil {
		cfg.IDGen = utils.NewID
	}
	idFieldNames := cfg.idFieldCandidates()

	// Create
	if cfg.AllowCreate {
		cfg.Group.POST(cfg.Path, func(c *gin.Context) {
			m := cfg.New()
			if err := c.ShouldBindJSON(m); err != nil {
				fail(c, BadRequest(err.Error()))
				return
			}
			// 未传 ID 则生成
			if id, found := readStringField(m, idFieldNames); !found {
				fail(c, BadRequest("id field not found"))
				return
			} else if strings.TrimSpace(id) == "" {
				_ = writeStringField(m, idFieldNames, cfg.IDGen())
			}
			if cfg.Hooks.BeforeCreate != nil {
				if err := cfg.Hooks.BeforeCreate(c, m); err != nil {
					fail(c, err)
					return
				}
			}
			if err := cfg.DB.WithContext(c).Create(m).Error; err != nil {
				fail(c, BadRequest(err.Error()))
				return
			}
			if cfg.Hooks.AfterGet != nil {
				cfg.Hooks.AfterGet(c, m)
			}
			c.JSON(http.StatusCreated, okBody(m))
		})
	}

	// List
	if cfg.AllowList {
		cfg.Group.GET(cfg.Path, func(c *gin.Context) {
			page := atoiDefault(c.Query("page"), 1)
			size := atoiDefault(c.Query("size"), 20)
			if size <= 0 || size > 100 {
				size = 20
			}
			offset := (page - 1) * size

			q := cfg.DB.WithContext(c).Model(cfg.New())
			if cfg.Hooks.ScopeList != nil {
				q = cfg.Hooks.ScopeList(c, q)
			}

			var total int64
			if err := q.Count(&total).Error; err != nil {
				fail(c, Internal("count failed", err))
				return
			}
			var items []T
			if err := q.Limit(size).Offset(offset).Find(&items).Error; err != nil {
				fail(c, Internal("list failed", err))
				return
			}
			if cfg.Hooks.AfterGet != nil {
				for i := range items {
					cfg.Hooks.AfterGet(c, &items[i])
				}
			}
			ok(c, gin.H{"list": items, "total": total, "page": page, "size": size})
		})
	}

	// Get
	if cfg.AllowGet {
		cfg.Group.GET(cfg.Path+"/:id", func(c *gin.Context) {
			m := cfg.New()
			err := cfg.DB.WithContext(c).First(m, "id = ?", c.Param("id")).Error
			if err != nil {
				fail(c, err)
				return
			}
			if cfg.Hooks.AfterGet != nil {
				cfg.Hooks.AfterGet(c, m)
			}
			ok(c, m)
		})
	}

	// Update
	if cfg.AllowUpdate {
		cfg.Group.PUT(cfg.Path+"/:id", func(c *gin.Context) {
			id := c.Param("id")
			existing := cfg.New()
			if err := cfg.DB.WithContext(c).First(existing, "id = ?", id).Error; err != nil {
				fail(c, err)
				return
			}

			in := cfg.New()
			if err := c.ShouldBindJSON(in); err != nil {
				fail(c, BadRequest(err.Error()))
				return
			}
			_ = writeStringField(in, idFieldNames, id) // ID 不可改

			if cfg.Hooks.BeforeUpdate != nil {
				if err := cfg.Hooks.BeforeUpdate(c, in); err != nil {
					fail(c, err)
					return
				}
			}
			// PUT 全量替换：零值字段（false/0/空串）一并落库
			err := cfg.DB.WithContext(c).Model(existing).
				Select("*").Omit("id", "created_at", clause.Associations).
				Updates(in).Error
			if err != nil {
				fail(c, BadRequest(err.Error()))
				return
			}
			updated := cfg.New()
			if err := cfg.DB.WithContext(c).First(updated, "id = ?", id).Error; err != nil {
				fail(c, err)
				return
			}
			if cfg.Hooks.AfterGet != nil {
				cfg.Hooks.AfterGet(c, updated)
			}
			ok(c, updated)
		})
	}

	// Delete
	if cfg.AllowDelete {
		cfg.Group.DELETE(cfg.Path+"/:id", func(c *gin.Context) {
			id := c.Param("id")
			res := cfg.DB.WithContext(c).Where("id = ?", id).Delete(cfg.New())
			if res.Error != nil {
				fail(c, Internal("delete failed", res.Error))
				return
			}
			if res.RowsAffected == 0 {
				fail(c, NotFound("not found"))
				return
			}
			ok(c, gin.H{"id": id})
		})
	}
}
