package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/fundarb/internal/controlplane/server"
	"github.com/betbot/fundarb/internal/domain"
	"github.com/betbot/fundarb/internal/exchange"
	"github.com/betbot/fundarb/internal/exchange/paper"
	"github.com/betbot/fundarb/internal/ticker"
	"github.com/betbot/fundarb/pkg/config"
	"github.com/betbot/fundarb/pkg/logger"
	"github.com/betbot/fundarb/pkg/shutdown"
)

func main() {
	// 尽力加载 .env，缺失时直接使用进程环境变量
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", "yml/config.yaml", "配置文件路径")
		equityStr  = flag.String("equity", "10000", "纸面交易初始权益（USD）")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置加载失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.OutputFile,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "日志初始化失败: %v\n", err)
		os.Exit(1)
	}

	logrus.Infof("🚀 资金费率套利引擎启动 dry_run=%v", cfg.DryRun)

	// 行情：WS 多路复用管理器 + REST 快照补种
	snapshots := exchange.NewSnapshotClient()
	tickers := ticker.NewManager(ticker.NewWSServiceFactory())
	tickers.SetBootstrap(snapshots.Bootstrap())

	// 交易：纸面撮合服务，成交价取 REST 快照盘口
	trading := paper.New(func(ex domain.Exchange, coin string) (domain.Quote, bool) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q, err := snapshots.TopOfBook(ctx, ex, coin)
		if err != nil {
			return domain.Quote{}, false
		}
		return q, true
	})
	if equity, err := decimal.NewFromString(*equityStr); err == nil {
		for _, ex := range domain.AllExchanges {
			trading.SetEquity(ex, equity)
		}
	}
	if !cfg.DryRun {
		logrus.Warnf("⚠️ 实盘执行器未配置，强制使用纸面交易")
	}

	srv := server.New(cfg, tickers, trading)
	if err := srv.Start(); err != nil {
		logrus.Errorf("❌ 控制面启动失败: %v", err)
		os.Exit(1)
	}

	mgr := shutdown.NewManager(30 * time.Second)
	mgr.Register("controlplane", srv.Shutdown)
	mgr.Register("tickers", func(ctx context.Context) error {
		for _, node := range tickers.Snapshot() {
			logrus.Infof("📡 关闭前节点: %s subs=%d state=%s", node.Key, node.Subscribers, node.State)
		}
		return nil
	})

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	<-stopCh

	logrus.Infof("🛑 收到退出信号，开始优雅关闭")
	mgr.Shutdown()
}
