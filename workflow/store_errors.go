package workflow

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// 不同驱动的唯一约束错误
var duplicateKeyMessages = []string{
	"UNIQUE constraint failed",
	"Duplicate entry",
	"duplicate key value",
}

// 连接断开, 超时, 数据库忙这些可以重试
var transientDBMessages = []string{
	"database is locked",
	"database table is locked",
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"too many connections",
	"bad connection",
}

// classifyDBError 数据库错误归类
//
// 唯一约束冲突是 ErrConflict, 连接和超时是 ErrTransientIO, 其他的是 ErrStorage
func classifyDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) {
		return ErrTransientIO
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrTransientIO
	}
	msg := err.Error()
	for _, s := range duplicateKeyMessages {
		if strings.Contains(msg, s) {
			return ErrConflict
		}
	}
	for _, s := range transientDBMessages {
		if strings.Contains(msg, s) {
			return ErrTransientIO
		}
	}
	return ErrStorage
}
