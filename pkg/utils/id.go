package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewID 实体主键：32 位十六进制（uuid 去横线）
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
