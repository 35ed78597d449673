package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/isrcache/internal/cache"
	"github.com/any-hub/isrcache/internal/config"
	"github.com/any-hub/isrcache/internal/httpclient"
	"github.com/any-hub/isrcache/internal/incremental"
	"github.com/any-hub/isrcache/internal/ipc"
	"github.com/any-hub/isrcache/internal/logging"
	"github.com/any-hub/isrcache/internal/manifest"
	"github.com/any-hub/isrcache/internal/metrics"
	"github.com/any-hub/isrcache/internal/server"
	"github.com/any-hub/isrcache/internal/server/routes"
	"github.com/any-hub/isrcache/internal/version"
)

// 与 worker 进程共享的环境变量：主进程监听的 IPC 端口与校验 token。
const (
	envConfig  = "ISRCACHE_CONFIG"
	envIPCPort = "ISRCACHE_IPC_PORT"
	envIPCKey  = "ISRCACHE_IPC_KEY"
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
		fields["backend"] = cfg.BackendSummary()
		fields["mode"] = cfg.Global.Mode
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	if err := applyIPCEnv(cfg); err != nil {
		fmt.Fprintf(stdErr, "解析 IPC 环境变量失败: %v\n", err)
		return 1
	}

	// 启动顺序：配置 → manifest → 进程级缓存 → Fiber server，
	// 所有 IPC 请求共享同一个时长表、内存层与锁。
	reg := metrics.New(metrics.Options{RuntimeCollectors: true})
	proc, err := buildProcess(cfg, logger, reg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存失败: %v\n", err)
		return 1
	}
	defer proc.Close()

	key := os.Getenv(envIPCKey)
	if key == "" {
		key = ipc.NewKey()
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["backend"] = cfg.BackendSummary()
	fields["mode"] = proc.Mode().String()
	fields["listen"] = cfg.ListenAddress()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, proc, reg, key, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("isrcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ISRCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(envConfig)
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

// applyIPCEnv 让 ISRCACHE_IPC_PORT 覆盖监听端口，保证 worker 与主进程使用同一端口。
func applyIPCEnv(cfg *config.Config) error {
	raw := strings.TrimSpace(os.Getenv(envIPCPort))
	if raw == "" {
		return nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("%s 非法: %q", envIPCPort, raw)
	}
	cfg.Global.ListenPort = port
	return nil
}

// buildProcess 把配置翻译为进程级缓存参数。
func buildProcess(cfg *config.Config, logger *logrus.Logger, reg *metrics.Registry) (*incremental.Process, error) {
	mode, err := incremental.ParseMode(cfg.Global.Mode)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Load(cfg.ManifestPath())
	if err != nil {
		return nil, err
	}

	g := cfg.Global
	opts := incremental.Options{
		Mode:                mode,
		MinimalMode:         g.MinimalMode,
		FetchCache:          true,
		DistDir:             g.DistDir,
		AppDir:              g.AppDir,
		PagesDir:            g.PagesDir,
		FlushToDisk:         g.FlushToDisk,
		MaxMemoryCacheSize:  g.MaxMemoryCacheSize,
		MaxFetchEntrySize:   g.MaxFetchEntrySize,
		FetchCacheKeyPrefix: g.FetchCacheKeyPrefix,
		Locales:             g.Locales,
		Manifest:            m,
		Backend:             cache.BackendKind(g.Backend),
		Remote: cache.RemoteSettings{
			URL:      cfg.Remote.URL,
			BasePath: cfg.Remote.BasePath,
			Token:    cfg.Remote.Token,
		},
		HTTPClient:       httpclient.New(g.RequestTimeout.DurationValue()),
		LockLeaseTimeout: g.LockLeaseTimeout.DurationValue(),
		Metrics:          reg,
		Logger:           logger,
	}
	if g.Backend == config.BackendRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		opts.Backend = cache.BackendCustom
		opts.Custom = cache.NewRedisFactory(cache.RedisOptions{
			Client:    client,
			KeyPrefix: cfg.Redis.KeyPrefix,
			EntryTTL:  cfg.Redis.EntryTTL.DurationValue(),
		})
	}
	return incremental.NewProcess(opts)
}

func startHTTPServer(cfg *config.Config, proc *incremental.Process, reg *metrics.Registry, key string, logger *logrus.Logger) error {
	// 启动前先解析一次后端，配置错误时直接失败。
	c, err := proc.ForRequest(incremental.RequestInfo{})
	if err != nil {
		return err
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Dispatcher: server.NewDispatcher(proc),
		Key:        key,
		Metrics:    reg,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticRoutes(app, proc, reg)

	logger.WithFields(logrus.Fields{
		"action":  "listen",
		"address": cfg.ListenAddress(),
		"backend": c.Backend(),
	}).Info("Fiber 服务启动")

	return app.Listen(cfg.ListenAddress())
}
