package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/video-cache/internal/cache"
	"github.com/any-hub/video-cache/internal/config"
	"github.com/any-hub/video-cache/internal/logging"
	"github.com/any-hub/video-cache/internal/proxy"
	"github.com/any-hub/video-cache/internal/server"
	"github.com/any-hub/video-cache/internal/server/routes"
	"github.com/any-hub/video-cache/internal/version"
)

const (
	commandServe   = "serve"
	commandCheck   = "check-config"
	commandTrim    = "trim"
	commandVersion = "version"
	commandHelp    = "help"

	configEnv = "VIDEO_CACHE_CONFIG"
)

// cliOptions 汇总 CLI 解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath string
	command    string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	if opts.command == commandHelp {
		os.Exit(0)
	}
	os.Exit(run(opts))
}

// newRootCommand 构建命令树；命令本身只负责选出 cliOptions，实际执行交给 run。
func newRootCommand(selected func(cliOptions)) *cobra.Command {
	var configFlag string
	choose := func(command string) func(*cobra.Command, []string) error {
		return func(*cobra.Command, []string) error {
			selected(cliOptions{
				configPath: resolveConfigPath(configFlag),
				command:    command,
			})
			return nil
		}
	}

	root := &cobra.Command{
		Use:           "video-cache",
		Short:         "分片缓存的视频区间代理",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          choose(commandServe),
	}
	root.SetOut(stdOut)
	root.SetErr(stdErr)
	root.PersistentFlags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")

	root.AddCommand(
		&cobra.Command{Use: commandServe, Short: "启动代理服务", Args: cobra.NoArgs, RunE: choose(commandServe)},
		&cobra.Command{Use: commandCheck, Short: "仅校验配置后退出", Args: cobra.NoArgs, RunE: choose(commandCheck)},
		&cobra.Command{Use: commandTrim, Short: "按容量上限裁剪一次缓存并输出统计", Args: cobra.NoArgs, RunE: choose(commandTrim)},
		&cobra.Command{Use: commandVersion, Short: "显示版本信息", Args: cobra.NoArgs, RunE: choose(commandVersion)},
	)
	return root
}

// parseCLIFlags 解析命令与标志，并结合环境变量计算最终的配置路径。
// 只输出帮助信息时 command 为 commandHelp。
func parseCLIFlags(args []string) (cliOptions, error) {
	opts := cliOptions{command: commandHelp}
	root := newRootCommand(func(selected cliOptions) {
		opts = selected
	})
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	return opts, nil
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(configEnv); env != "" {
		return env
	}
	return config.DefaultPath
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.command == commandVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.command == commandCheck {
		fields := configFields(cfg, "check_config", opts.configPath)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	store, err := cache.NewStore(cfg.Global.StoragePath, cfg.Global.MaxCacheSize.Int64(), cache.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}
	defer store.Close()

	if opts.command == commandTrim {
		return runTrim(store, logger)
	}

	// 启动顺序为 “配置 → 磁盘缓存 → 源站解析 → Fiber server”，
	// 所有请求共享同一个 Store，保证单写入者与容量统计一致。
	resolver, err := server.NewUpstreamResolver(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建源站解析器失败: %v\n", err)
		return 1
	}
	proxyHandler := proxy.NewHandler(server.NewUpstreamClient(cfg), logger, store)

	fields := configFields(cfg, "startup", opts.configPath)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := startHTTPServer(ctx, cfg, resolver, proxyHandler, store, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

func runTrim(store *cache.Store, logger *logrus.Logger) int {
	size, err := store.Trim()
	if err != nil {
		fmt.Fprintf(stdErr, "裁剪缓存失败: %v\n", err)
		return 1
	}
	stats, err := store.Stats()
	if err != nil {
		fmt.Fprintf(stdErr, "统计缓存失败: %v\n", err)
		return 1
	}
	logger.WithFields(logrus.Fields{
		"action":    "cache_trim",
		"size":      size,
		"files":     stats.Files,
		"resources": stats.Resources,
	}).Info("缓存裁剪完成")
	fmt.Fprintf(stdOut, "%s (%d files, %d resources)\n", stats.Human, stats.Files, stats.Resources)
	return 0
}

func configFields(cfg *config.Config, action, configPath string) logrus.Fields {
	fields := logging.BaseFields(action, configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_path"] = cfg.Global.StoragePath
	fields["max_cache_size"] = humanize.IBytes(uint64(cfg.Global.MaxCacheSize.Int64()))
	fields["default_upstream"] = cfg.Global.DefaultUpstream
	return fields
}

func startHTTPServer(
	ctx context.Context,
	cfg *config.Config,
	resolver *server.UpstreamResolver,
	proxyHandler server.ProxyHandler,
	store *cache.Store,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Resolver:   resolver,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, store, resolver, logger)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	err = app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{
		DisableStartupMessage: true,
		GracefulContext:       ctx,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.WithField("action", "shutdown").Info("Fiber 服务已停止")
	return nil
}
