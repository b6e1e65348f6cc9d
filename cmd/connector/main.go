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
	"github.com/sirupsen/logrus"

	"github.com/stellarbot/gostellar/internal/assets"
	"github.com/stellarbot/gostellar/internal/chain"
	"github.com/stellarbot/gostellar/internal/controlplane"
	"github.com/stellarbot/gostellar/internal/execution"
	"github.com/stellarbot/gostellar/internal/risk"
	"github.com/stellarbot/gostellar/internal/security"
	"github.com/stellarbot/gostellar/pkg/config"
	"github.com/stellarbot/gostellar/pkg/keystore"
	"github.com/stellarbot/gostellar/pkg/logger"
	"github.com/stellarbot/gostellar/pkg/rational"
	"github.com/stellarbot/gostellar/pkg/shutdown"
	"github.com/stellarbot/gostellar/pkg/syncgroup"
)

// sequenceSweepInterval 定期清理长时间未归还的序列号占位
const sequenceSweepInterval = 10 * time.Minute

func main() {
	// 加载 .env（尽力而为），缺失时直接使用真实环境变量
	_ = godotenv.Load()

	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	signer, closeStore, err := buildSigner(cfg)
	if err != nil {
		logrus.Fatalf("加载签名密钥失败: %v", err)
	}
	defer closeStore()

	chainClient := chain.New(chain.Config{
		HorizonURL:        cfg.Network.HorizonURL,
		SorobanRPCURL:     cfg.Network.SorobanRPCURL,
		NetworkPassphrase: cfg.Network.Passphrase,
		SubmitsPerSecond:  cfg.Network.SubmitsPerSecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := chainClient.Connect(ctx); err != nil {
		logrus.Fatalf("连接 Horizon 失败: %v", err)
	}
	logrus.Infof("已连接 %s (%s)", cfg.Network.HorizonURL, cfg.Network.Passphrase)

	journal, err := controlplane.OpenJournal(cfg.ControlPlane.DBPath)
	if err != nil {
		logrus.Fatalf("打开订单流水库失败: %v", err)
	}
	defer journal.Close()

	entries := make(map[string]assets.Entry, len(cfg.Assets))
	for symbol, e := range cfg.Assets {
		entries[symbol] = assets.Entry{Code: e.Code, Issuer: e.Issuer}
	}
	directory := assets.NewDirectory(entries)

	validator := security.NewValidator(cfg.Network.Passphrase, chainClient, chainClient.Reserves(),
		time.Duration(cfg.Security.ReplayWindowSeconds)*time.Second)

	manager := execution.NewOrderManager(chainClient, signer, directory,
		rational.NewConverter(cfg.Orders.MaxDenominator), validator, execution.Options{
			Journal: journal,
			Breaker: risk.NewCircuitBreaker(risk.CircuitBreakerConfig{
				MaxConsecutiveErrors: cfg.Orders.MaxConsecutiveErrors,
			}),
		})
	logrus.Infof("下单账户: %s", manager.Address())

	tracker := execution.NewTracker(chainClient, manager,
		time.Duration(cfg.Orders.PollIntervalSeconds)*time.Second)
	tracker.Start(ctx)

	// 序列号占位泄漏回收
	background := syncgroup.NewSyncGroup()
	background.Add(func() {
		ticker := time.NewTicker(sequenceSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := chainClient.Sequences().SweepStale(sequenceSweepInterval); n > 0 {
					logrus.Warnf("回收了 %d 个滞留的序列号占位", n)
				}
			}
		}
	})
	background.Run()

	var cp *controlplane.Server
	if cfg.ControlPlane.Listen != "" {
		cp, err = controlplane.NewServer(controlplane.Config{Listen: cfg.ControlPlane.Listen},
			manager, manager, chainClient, journal)
		if err != nil {
			logrus.Fatalf("初始化控制面失败: %v", err)
		}
		cp.Start()
	}

	mgr := shutdown.NewManager()
	mgr.OnShutdown("tracker", func(ctx context.Context) {
		tracker.Stop()
	})
	if cp != nil {
		mgr.OnShutdown("controlplane", func(ctx context.Context) {
			if err := cp.Shutdown(ctx); err != nil {
				logrus.Errorf("控制面关闭失败: %v", err)
			}
		})
	}
	mgr.OnShutdown("chain", func(ctx context.Context) {
		background.Wait()
		chainClient.Disconnect()
	})

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigC
	logrus.Infof("收到信号 %s，开始关闭", sig)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)
	logrus.Info("连接器已退出")
}

// buildSigner 按优先级构建签名器：环境变量种子 > 加密 keystore
func buildSigner(cfg *config.Config) (keystore.Signer, func(), error) {
	if cfg.Wallet.Seed != "" {
		s, err := keystore.NewMemorySigner(cfg.Wallet.Seed, cfg.Network.Passphrase)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}

	var key []byte
	if cfg.Wallet.KeystoreKey != "" {
		var err error
		key, err = keystore.ParseEncryptionKey(cfg.Wallet.KeystoreKey)
		if err != nil {
			return nil, nil, err
		}
	}
	store, err := keystore.Open(keystore.OpenOptions{
		Path:          cfg.Wallet.KeystorePath,
		EncryptionKey: key,
		ReadOnly:      true,
	})
	if err != nil {
		return nil, nil, err
	}
	s, err := keystore.StoreSigner(store, cfg.Wallet.KeyName, cfg.Network.Passphrase)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return s, func() { store.Close() }, nil
}
