package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sip-registrar/internal/config"
	"sip-registrar/internal/entity"
	applog "sip-registrar/internal/log"
	"sip-registrar/internal/metrics"
	"sip-registrar/internal/protocol"
	"sip-registrar/internal/proxy"
	"sip-registrar/internal/registrar"
	"sip-registrar/internal/storage"
	"sip-registrar/internal/web"
)

// shutdownTimeout bounds how long in-flight entity messages may drain.
const shutdownTimeout = 5 * time.Second

var (
	configPath  string
	printConfig bool
)

var rootCmd = &cobra.Command{
	Use:   "sip-registrar",
	Short: "SIP registrar and call-signaling proxy",
	Long: `sip-registrar accepts REGISTER requests from SIP user agents, authenticates
them with HTTP digest against a SQLite user database and forwards INVITEs
to every registered contact of the callee.

Examples:
  sip-registrar                              # Listen on :5060 with built-in defaults
  sip-registrar -c registrar.yaml            # Load registrar.yaml
  sip-registrar --sip.addr :5070 --realm example.com
  sip-registrar --print-config > registrar.yaml`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath, cmd.Flags())
		if err != nil {
			return err
		}
		if printConfig {
			return config.Write(cmd.OutOrStdout(), cfg)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "設定ファイルへのパス (YAML)")
	flags.BoolVar(&printConfig, "print-config", false, "有効な設定をYAMLで出力して終了する")
	flags.String("sip.addr", ":5060", "SIPサーバーのアドレス")
	flags.String("web.addr", ":8080", "Web UIサーバーのアドレス")
	flags.String("db.path", "sip_users.db", "SQLiteデータベースファイルへのパス")
	flags.String("realm", "go-sip-server", "認証用のSIPレルム")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- ロギング ---
	log, logCloser, err := applog.New(cfg.Log, os.Stdout)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	log.Info("アプリケーションを初期化しています...")

	// ストレージを初期化
	s, err := storage.NewStorage(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("ストレージの初期化に失敗しました: %w", err)
	}
	defer s.Close()
	log.WithField("path", cfg.DB.Path).Info("ストレージをデータベースファイルで初期化しました")

	// メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// エンティティランタイム
	rt := entity.New(
		entity.WithLogger(log.WithField("component", "entity")),
		entity.WithObserver(m),
		entity.WithMaxConcurrency(cfg.Runtime.MaxConcurrency),
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			log.WithError(err).Warn("エンティティランタイムの停止がタイムアウトしました")
		}
	}()

	// SIPサーバーを作成
	responder := protocol.NewResponder(log, m)
	users := registrar.New(cfg.UserEntities(), s, responder, m, log.WithField("component", "registrar"))
	sipServer := proxy.New(cfg.Proxy(), rt, responder, m, log.WithField("component", "proxy"))
	sipServer.RegisterEntities(proxy.Entities{
		Dialog:    cfg.DialogTimeouts(),
		Registrar: users,
		Device:    cfg.Devices(),
	})

	// Webサーバーを作成
	webServer, err := web.NewServer(s, cfg.Realm, users, reg, log.WithField("component", "web"))
	if err != nil {
		return fmt.Errorf("Webサーバーの作成に失敗しました: %w", err)
	}

	// --- サーバーの実行 ---
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("addr", cfg.Web.Addr).Info("Webサーバーを起動しています")
		if err := webServer.Run(gCtx, cfg.Web.Addr); err != nil {
			log.WithError(err).Error("Webサーバーでエラーが発生しました")
			return err
		}
		return nil
	})

	g.Go(func() error {
		log.WithField("addr", cfg.SIP.Addr).Info("SIPサーバーを起動しています")
		if err := sipServer.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("SIPサーバーでエラーが発生しました")
			return err
		}
		return nil
	})

	log.Info("アプリケーションが起動しました。Ctrl+Cで終了します。")

	// シャットダウンシグナルまたはサーバーのエラーを待機します
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("アプリケーションはエラーで終了しました")
		return err
	}
	log.Info("アプリケーションは正常にシャットダウンしています。")
	return nil
}
