package gormcli

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"wq_miner/configs"
	"wq_miner/internal/model"
)

var (
	db   *gorm.DB
	once sync.Once
)

// Open connects with the configured driver (mysql or sqlite) and migrates all tables.
func Open(dbConfig configs.DbConf) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch dbConfig.Driver {
	case "mysql":
		connArgs := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			dbConfig.User, dbConfig.Password, dbConfig.Host, dbConfig.Port, dbConfig.Dbname)
		dialector = mysql.Open(connArgs)
	case "sqlite", "":
		path := dbConfig.Path
		if path == "" {
			path = "file::memory:"
		} else if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		dialector = sqlite.Open(path)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", dbConfig.Driver)
	}

	slow := time.Duration(dbConfig.SlowThresholdMillisecond) * time.Millisecond
	if slow <= 0 {
		slow = 200 * time.Millisecond
	}
	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(log.StandardLogger(), logger.Config{
			SlowThreshold:             slow,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("fetch database: %w", err)
	}
	if dbConfig.Driver == "mysql" {
		sqlDB.SetMaxIdleConns(dbConfig.MaxIdleConn)
		sqlDB.SetMaxOpenConns(dbConfig.MaxOpenConn)
		sqlDB.SetConnMaxLifetime(time.Duration(dbConfig.MaxIdleTime) * time.Second)
	} else {
		// sqlite allows one writer
		sqlDB.SetMaxOpenConns(1)
	}

	if err := conn.AutoMigrate(model.AllModels()...); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

func openDb() {
	var err error
	db, err = Open(configs.GetGlobalConfig().DbConfig)
	if err != nil {
		panic(err.Error())
	}
}

func GetDb() *gorm.DB {
	once.Do(openDb)
	return db
}
