package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MySQL 错误码
const (
	errDuplicateEntry   = 1062
	errNoReferencedRow  = 1452
	errLockWaitTimeout  = 1205
	errDeadlockDetected = 1213
)

// OpenMySQL 打开 gorm 连接，同时返回底层 *sql.DB 给 database/sql 和 goose 使用
func OpenMySQL(dsn string, maxOpen int) (*gorm.DB, *sql.DB, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(maxOpen / 2)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, sqlDB, nil
}

func mysqlErrNumber(err error) uint16 {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number
	}
	return 0
}

func isDuplicate(err error) bool {
	return mysqlErrNumber(err) == errDuplicateEntry
}

// isRetryable 版本号冲突、死锁、锁等待超时都可以整体重试一次事务
func isRetryable(err error) bool {
	switch mysqlErrNumber(err) {
	case errDuplicateEntry, errDeadlockDetected, errLockWaitTimeout:
		return true
	}
	return false
}

func isMissingDocument(err error) bool {
	return mysqlErrNumber(err) == errNoReferencedRow
}
