package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/proxy"
	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/server/routes"
	"github.com/offline-hub/offline-hub/internal/version"
	"github.com/offline-hub/offline-hub/internal/worker"
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
		fields["sites"] = len(cfg.Sites)
		fields["credentials"] = config.CredentialModes(cfg.Sites)
		fields["storage_backend"] = cfg.Global.StorageBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("config_valid")
		return 0
	}

	ctx := context.Background()
	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建站点注册表失败: %v\n", err)
		return 1
	}

	// 启动顺序：配置 → SiteRegistry → 分区后端 → 每站点 worker → install/activate → Fiber server。
	backend, err := cache.NewBackend(ctx, cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存后端失败: %v\n", err)
		return 1
	}
	defer backend.Close()

	workers, err := buildWorkers(cfg, registry, backend, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建站点 worker 失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = len(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["credentials"] = config.CredentialModes(cfg.Sites)
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("config_loaded")

	// install 失败的站点保持未控制状态，请求直接透传上游。
	if err := workers.StartAll(ctx); err != nil {
		logger.WithError(err).WithField("action", "startup").Warn("worker_start_failed")
	}

	forwarder := proxy.NewForwarder(proxy.NewHandler(logger), workers, logger)
	if err := startHTTPServer(cfg, registry, workers, forwarder, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// buildWorkers 为每个 SiteRoute 构建 worker：每个站点持有自己的 http.Client，分区按站点名隔离。
func buildWorkers(cfg *config.Config, registry *server.SiteRegistry, backend cache.Backend, logger *logrus.Logger) (*worker.Set, error) {
	routesList := registry.List()
	built := make([]*worker.Worker, 0, len(routesList))
	for i := range routesList {
		route := &routesList[i]
		storage, err := backend.Scope(route.Config.Name)
		if err != nil {
			return nil, err
		}
		w, err := worker.New(worker.Options{
			Site:                route.Config,
			Storage:             storage,
			Fetcher:             proxy.NewUpstreamFetcher(server.NewSiteClient(cfg, route), route, logger),
			Logger:              logger,
			PrecacheConcurrency: cfg.Global.PrecacheConcurrency,
			MaxRetries:          cfg.Global.MaxRetries,
			InitialBackoff:      cfg.Global.InitialBackoff.DurationValue(),
		})
		if err != nil {
			return nil, err
		}
		built = append(built, w)
	}
	return worker.NewSet(built...)
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
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

func startHTTPServer(cfg *config.Config, registry *server.SiteRegistry, workers *worker.Set, proxyHandler server.ProxyHandler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterSiteRoutes(app, registry, workers, logger)
	routes.RegisterMetricsRoute(app)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("server_listening")

	return app.Listen(fmt.Sprintf(":%d", port))
}
