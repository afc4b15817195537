package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/wallhub/wallhub/internal/cache"
	"github.com/wallhub/wallhub/internal/config"
	"github.com/wallhub/wallhub/internal/logging"
	"github.com/wallhub/wallhub/internal/provider"
	"github.com/wallhub/wallhub/internal/render"
	"github.com/wallhub/wallhub/internal/scheduler"
	"github.com/wallhub/wallhub/internal/server"
	"github.com/wallhub/wallhub/internal/server/routes"
	"github.com/wallhub/wallhub/internal/source"
	"github.com/wallhub/wallhub/internal/transform"
	"github.com/wallhub/wallhub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	fetchOnce   bool
	clearCache  bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 10 * time.Second

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
		fields["source_dir"] = cfg.Global.SourcePath()
		fields["cache_dir"] = cfg.Global.CachePath()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 磁盘目录 → 上游客户端 → 原图/派生图组件 → 调度器 → Fiber，
	// 所有入口共享同一组 store 实例。
	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化组件失败: %v\n", err)
		return 1
	}

	switch {
	case opts.fetchOnce:
		return runFetchOnce(rt, logger, opts.configPath)
	case opts.clearCache:
		return runClearCache(rt, logger, opts.configPath)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["source_dir"] = rt.source.Dir()
	fields["cache_dir"] = rt.cache.Dir()
	fields["timezone"] = cfg.Global.Timezone
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, rt, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("wallhub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		fetchOnce  bool
		clearCache bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 WALLHUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&fetchOnce, "fetch", false, "获取一次今日壁纸后退出")
	fs.BoolVar(&clearCache, "clear-cache", false, "清空派生图缓存后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if fetchOnce && clearCache {
		return cliOptions{}, errors.New("-fetch 与 -clear-cache 不能同时使用")
	}

	path := os.Getenv("WALLHUB_CONFIG")
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
		fetchOnce:   fetchOnce,
		clearCache:  clearCache,
	}, nil
}

// components 持有进程内共享的组件实例。
type components struct {
	source   *source.Store
	cache    cache.Store
	resolver *render.Resolver
	janitor  *render.Janitor
}

func buildRuntime(cfg *config.Config, logger *logrus.Logger) (*components, error) {
	loc, err := cfg.Global.Location()
	if err != nil {
		return nil, err
	}

	client := provider.New(server.NewUpstreamClient(cfg), cfg.Provider)
	src, err := source.NewStore(source.Options{
		Dir:      cfg.Global.SourcePath(),
		Location: loc,
		Fetcher:  client,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	store, err := cache.NewStore(cfg.Global.CachePath())
	if err != nil {
		return nil, err
	}

	resolver, err := render.NewResolver(render.Options{
		Store:   store,
		Source:  src,
		Engine:  transform.NewEngine(transform.DefaultQuality),
		Workers: cfg.Global.TransformWorkers,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	janitor := render.NewJanitor(store, resolver, logger)

	var invalidator source.Invalidator
	if cfg.Global.InvalidateOnRotate {
		invalidator = janitor
	}
	source.NewRotationJanitor(src, invalidator, logger).Attach()

	return &components{
		source:   src,
		cache:    store,
		resolver: resolver,
		janitor:  janitor,
	}, nil
}

// printVersion 输出注入的版本 + 提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}

func runFetchOnce(rt *components, logger *logrus.Logger, configPath string) int {
	acq, err := rt.source.Acquire(context.Background(), provider.Query{})
	if err != nil {
		fmt.Fprintf(stdErr, "获取壁纸失败: %v\n", err)
		return 1
	}
	fields := logging.SourceFields("fetch_once", acq.Image.Date, acq.Image.URL)
	fields["configPath"] = configPath
	fields["path"] = acq.Image.Path
	logger.WithFields(fields).Info("壁纸获取完成")
	fmt.Fprintln(stdOut, acq.Image.Path)
	return 0
}

func runClearCache(rt *components, logger *logrus.Logger, configPath string) int {
	deleted, err := rt.janitor.ClearAll(context.Background())
	if err != nil {
		fmt.Fprintf(stdErr, "清理缓存失败: %v\n", err)
		return 1
	}
	fields := logging.BaseFields("clear_cache", configPath)
	fields["deleted"] = deleted
	logger.WithFields(fields).Info("缓存清理完成")
	fmt.Fprintf(stdOut, "deleted %d\n", deleted)
	return 0
}

// serve 启动调度器与 HTTP 服务，ctx 结束时依次关闭。
func serve(ctx context.Context, cfg *config.Config, rt *components, logger *logrus.Logger) error {
	schedOpts, err := scheduler.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	schedOpts.Logger = logger
	schedOpts.Refresh = func(ctx context.Context) error {
		_, err := rt.source.Acquire(ctx, provider.Query{})
		return err
	}
	schedOpts.Purge = func(ctx context.Context) error {
		_, err := rt.janitor.ClearAll(ctx)
		return err
	}
	sched, err := scheduler.New(schedOpts)
	if err != nil {
		return err
	}

	app, err := server.NewApp(server.AppOptions{Logger: logger})
	if err != nil {
		return err
	}
	routes.RegisterAPIRoutes(app, routes.API{
		Renderer: rt.resolver,
		Purger:   rt.janitor,
		Source:   rt.source,
	})
	routes.RegisterDiagnosticsRoutes(app, routes.Diagnostics{
		Source:   rt.source,
		Cache:    rt.cache,
		Schedule: sched,
	})

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号，正在关闭")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return err
	}
	return <-errCh
}
