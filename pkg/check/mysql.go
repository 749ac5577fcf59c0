package check

import (
	"context"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/goupter/nerve/pkg/errors"
	"github.com/goupter/nerve/pkg/log"
)

type mysqlParams struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// mysqlProbe 执行 SELECT 1
type mysqlProbe struct {
	db *gorm.DB
}

// mysqlDSN 生成 DSN，超时与检查超时一致
func mysqlDSN(spec Spec, params mysqlParams) string {
	cfg := mysqldriver.NewConfig()
	cfg.User = params.User
	cfg.Passwd = params.Password
	cfg.Net = "tcp"
	cfg.Addr = spec.Address()
	cfg.DBName = params.DBName
	cfg.Timeout = spec.Timeout
	cfg.ReadTimeout = spec.Timeout
	cfg.WriteTimeout = spec.Timeout
	return cfg.FormatDSN()
}

func newMySQLProbe(spec Spec) (Probe, error) {
	var params mysqlParams
	if err := decodeParams(spec.Params, &params); err != nil {
		return nil, err
	}
	if params.User == "" || params.Password == "" || params.DBName == "" {
		return nil, errors.New(errors.CodeConfig, "mysql check requires user, password and dbname")
	}

	// 构造阶段不连接数据库，连接在第一次探测时建立
	dialector := mysql.New(mysql.Config{
		DSN:                       mysqlDSN(spec, params),
		SkipInitializeWithVersion: true,
	})
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:               newGormLogger(componentLogger("mysql"), spec.Timeout),
		DisableAutomaticPing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化数据库连接失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取数据库连接失败: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &mysqlProbe{db: db}, nil
}

func (p *mysqlProbe) Probe(ctx context.Context) error {
	var one int
	if err := p.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		return err
	}
	if one != 1 {
		return errors.Newf(errors.CodeProbe, "SELECT 1 returned %d", one)
	}
	return nil
}

func (p *mysqlProbe) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// gormLogger 把 gorm 的日志转到 nerve 日志，慢查询阈值取检查超时的一半
type gormLogger struct {
	log       log.Logger
	level     logger.LogLevel
	threshold time.Duration
}

func newGormLogger(l log.Logger, timeout time.Duration) logger.Interface {
	return &gormLogger{log: l, level: logger.Warn, threshold: timeout / 2}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	n := *l
	n.level = level
	return &n
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Info {
		l.log.Debug(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Warn {
		l.log.Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Error {
		l.log.Warn(fmt.Sprintf(msg, data...))
	}
}

// Trace 探测失败由检查本身记录，这里只记慢查询
func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= logger.Silent || err != nil {
		return
	}
	elapsed := time.Since(begin)
	if l.threshold > 0 && elapsed > l.threshold && l.level >= logger.Warn {
		sql, _ := fc()
		l.log.Warn("slow health check query", log.String("sql", sql), log.Duration("elapsed", elapsed))
	}
}
