package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AutoSwap-Chain/internal/api"
	"AutoSwap-Chain/internal/automation"
	"AutoSwap-Chain/internal/chain/provider"
	"AutoSwap-Chain/internal/config"
	"AutoSwap-Chain/internal/ledger"
	"AutoSwap-Chain/internal/observability/alerting"
	"AutoSwap-Chain/internal/scheduler"
	"AutoSwap-Chain/internal/session"
	storagemysql "AutoSwap-Chain/internal/storage/mysql"
	"AutoSwap-Chain/internal/swap"
	"AutoSwap-Chain/internal/vault"
	"AutoSwap-Chain/pkg/logger"
)

// main 是 AutoSwap 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("autoswapd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AUTOSWAP_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "autoswap.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.AuditEnabled,
			Path:       cfg.Logging.AuditPath,
			MaxSizeMB:  cfg.Logging.AuditMaxSize,
			MaxBackups: cfg.Logging.AuditBackups,
			MaxAgeDays: cfg.Logging.AuditAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	// 主加密密钥只从环境变量读取，缺失时直接拒绝启动。
	sessionVault, err := vault.FromEnv(cfg.Vault.SecretEnv)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	var (
		sessionStore session.Store
		ruleStore    automation.Store
		recordStore  ledger.Store
	)
	switch cfg.Storage.Driver {
	case "", "memory":
		sessionStore = session.NewMemoryStore()
		ruleStore = automation.NewMemoryStore()
		recordStore = ledger.NewMemoryStore()
	case "mysql":
		db, err := openMySQL(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if sessionStore, err = session.NewMySQLStore(db); err != nil {
			return err
		}
		if ruleStore, err = automation.NewMySQLStore(db); err != nil {
			return err
		}
		if recordStore, err = ledger.NewMySQLStore(db); err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer sessionStore.Close()
	defer ruleStore.Close()
	defer recordStore.Close()

	var queue scheduler.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = scheduler.NewMemoryQueue(1024)
	case "redis":
		queue, err = scheduler.NewRedisQueue(scheduler.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
	case "rabbitmq":
		queue, err = scheduler.NewRabbitMQQueue(scheduler.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭规则队列失败: %v", err)
		}
	}()

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	delegator := strings.TrimSpace(cfg.Web3.DelegatorContract)
	if !common.IsHexAddress(delegator) {
		return fmt.Errorf("委托合约地址不合法: %q", delegator)
	}
	target := common.HexToAddress(delegator)

	sessions := session.NewService(sessionStore, sessionVault)
	rules := automation.NewService(ruleStore, sessions)

	executor, err := swap.NewExecutor(chainRegistry, target)
	if err != nil {
		return err
	}

	sched := scheduler.New(ruleStore, sessions, recordStore, queue, executor,
		scheduler.WithTick(cfg.TickInterval()),
		scheduler.WithExecutionTimeout(cfg.ExecutionTimeout()),
		scheduler.WithFailureBackoff(cfg.FailureBackoff()),
		scheduler.WithWorkerCount(cfg.Queue.Worker),
		scheduler.WithAlertDispatcher(alerting.NewFanout(&alerting.LogNotifier{})),
	)

	schedCtx, schedCancel := context.WithCancel(ctx)
	defer schedCancel()

	go func() {
		if err := sched.Start(schedCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("调度器异常退出: %v", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, sessions, rules, recordStore, sched,
		api.WithLedgerLimit(cfg.Scheduler.LedgerLimit),
		api.WithChainRegistry(chainRegistry, target),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openMySQL(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := storagemysql.Open(ctx, storagemysql.Config{
		DSN:             cfg.Storage.DSN,
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.Storage.ConnMaxIdleTimeSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	if err := storagemysql.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
