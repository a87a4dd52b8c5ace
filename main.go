package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/offgate/offgate/internal/cache"
	"github.com/offgate/offgate/internal/config"
	"github.com/offgate/offgate/internal/gateway"
	"github.com/offgate/offgate/internal/logging"
	"github.com/offgate/offgate/internal/notify"
	"github.com/offgate/offgate/internal/quota"
	"github.com/offgate/offgate/internal/replay"
	"github.com/offgate/offgate/internal/resource"
	"github.com/offgate/offgate/internal/server"
	"github.com/offgate/offgate/internal/server/routes"
	"github.com/offgate/offgate/internal/update"
	"github.com/offgate/offgate/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
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
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
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

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["upstream"] = cfg.Global.Upstream
		fields["precache_entries"] = len(cfg.Precache)
		fields["remote_manifest"] = cfg.Global.HasRemoteManifest()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 磁盘缓存/注册表 → 回放队列 → 更新编排 → Fiber server。
	// 所有回源共享同一个 UpstreamClient，保证连通性观测口径一致。
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}
	registry, err := cache.NewRegistry(store, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建缓存注册表失败: %v\n", err)
		return 1
	}

	upstream, err := server.NewUpstreamClient(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建上游客户端失败: %v\n", err)
		return 1
	}

	queue, err := replay.Open(cfg.Global.QueuePath)
	if err != nil {
		fmt.Fprintf(stdErr, "打开回放队列失败: %v\n", err)
		return 1
	}
	defer queue.Close()

	hub := notify.NewHub()
	drainer := replay.NewDrainer(
		queue, upstream, hub, logger,
		cfg.Global.MaxReplayAttempts,
		cfg.Global.ReplayInitialBackoff.DurationValue(),
		cfg.Global.ReplayMaxBackoff.DurationValue(),
	)
	defer drainer.Stop()

	monitor := quota.NewMonitor(
		cfg.Global.StoragePath,
		cfg.Global.QuotaWarnRatio,
		cfg.Global.QuotaCriticalRatio,
		nil, hub, logger,
	)

	orchestrator, err := update.NewOrchestrator(update.Options{
		Registry:      registry,
		Precacher:     cache.NewPrecacher(registry, upstream, logger),
		Source:        manifestSource(cfg, upstream),
		Quota:         monitor,
		Hub:           hub,
		Logger:        logger,
		PinnedVersion: cfg.Global.CacheVersion,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建更新编排器失败: %v\n", err)
		return 1
	}

	poller := update.NewPoller(orchestrator, cfg.Global.PollingInterval.DurationValue(), logger)
	pollCtx, cancelPoll := context.WithCancel(context.Background())
	defer cancelPoll()
	go poller.Run(pollCtx)

	handler, err := gateway.NewHandler(gateway.Options{
		Upstream:       upstream,
		Registry:       registry,
		Queue:          queue,
		Classifier:     resource.NewClassifier(cfg.Global.APIPrefix),
		Drainer:        drainer,
		Updates:        poller,
		Logger:         logger,
		NetworkTimeout: cfg.Global.NetworkTimeout.DurationValue(),
		FallbackURL:    cfg.Global.OfflineFallbackURL,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建网关处理器失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["upstream"] = cfg.Global.Upstream
	fields["listen_port"] = cfg.Global.ListenPort
	fields["precache_entries"] = len(cfg.Precache)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, handler, orchestrator, queue, monitor, hub, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// manifestSource 决定清单来源：配置了远端路径则轮询上游，
// 否则使用配置内联的 [[Precache]] 条目。
func manifestSource(cfg *config.Config, upstream *server.UpstreamClient) update.Source {
	if cfg.Global.HasRemoteManifest() {
		return upstream
	}
	items := make([]cache.PrecacheItem, 0, len(cfg.Precache))
	for _, entry := range cfg.Precache {
		items = append(items, cache.PrecacheItem{URL: entry.URL, Hash: entry.Hash})
	}
	return update.FixedSource{Manifest: update.Manifest{Items: items}}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offgate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFGATE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFGATE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(
	cfg *config.Config,
	handler server.GatewayHandler,
	orchestrator *update.Orchestrator,
	queue *replay.Queue,
	monitor *quota.Monitor,
	hub *notify.Hub,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Gateway:    handler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, routes.Deps{
		Orchestrator: orchestrator,
		Queue:        queue,
		Quota:        monitor,
		Hub:          hub,
	})

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
