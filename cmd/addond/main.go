package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-addons/internal/addons"
	"github.com/keithlinneman/linnemanlabs-addons/internal/cache"
	"github.com/keithlinneman/linnemanlabs-addons/internal/catalog"
	"github.com/keithlinneman/linnemanlabs-addons/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-addons/internal/codec"
	"github.com/keithlinneman/linnemanlabs-addons/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-addons/internal/health"
	"github.com/keithlinneman/linnemanlabs-addons/internal/host"
	"github.com/keithlinneman/linnemanlabs-addons/internal/lifecycle"
	"github.com/keithlinneman/linnemanlabs-addons/internal/log"
	"github.com/keithlinneman/linnemanlabs-addons/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-addons/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-addons/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-addons/internal/prof"
	"github.com/keithlinneman/linnemanlabs-addons/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-addons/internal/remote"
	"github.com/keithlinneman/linnemanlabs-addons/internal/task"
	v "github.com/keithlinneman/linnemanlabs-addons/internal/version"
	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

const component = "daemon"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "seal" {
		os.Exit(runSeal(os.Args[2:], os.Stdin, os.Stdout, os.Stderr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	L, err := log.New(log.Options{
		App:               vi.AppName,
		Component:         component,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer L.Sync()
	ctx = log.WithContext(ctx, L)

	deviceID := conf.DeviceID
	if deviceID == "" {
		deviceID = remote.DeviceID()
	}

	L.Info(ctx, "initializing addond",
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.Dirty(),
		"backend", conf.Backend,
		"folders", conf.Folders,
		"cache_dir", conf.CacheDir,
		"placement", conf.Placement,
		"signature_mode", conf.SignatureMode,
		"admin_addr", net.JoinHostPort(conf.AdminBind, strconv.Itoa(conf.AdminPort)),
		"enable_admin_api", conf.EnableAdminAPI,
		"enable_watcher", conf.EnableWatcher,
		"check_interval", conf.CheckInterval,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(vi.AppName, component, vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       vi.AppName + "." + component,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": component,
			"version":   vi.Version,
			"commit":    vi.Commit,
			"device":    deviceID,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// collector is expected on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:    conf.EnableTracing,
		Endpoint:   conf.OTLPEndpoint,
		Insecure:   true,
		Sample:     conf.TraceSample,
		Service:    vi.AppName,
		Component:  component,
		Version:    vi.Version,
		InstanceID: deviceID,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	var awsCfg *aws.Config
	if needsAWS(conf) {
		c, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		awsCfg = &c
	}

	secret, err := loadSecret(ctx, conf, awsCfg)
	if err != nil {
		L.Error(ctx, err, "failed to load content secret")
		os.Exit(1)
	}
	var codecOpts []codec.Option
	codecOpts = append(codecOpts, codec.WithLogger(L))
	if conf.RepairSource {
		codecOpts = append(codecOpts, codec.WithRepair(lifecycle.CheckSyntax))
	}
	cdc := codec.New(secret, codecOpts...)
	codec.Wipe(secret)
	defer cdc.Close()

	verifier, err := buildVerifier(conf, awsCfg)
	if err != nil {
		L.Error(ctx, err, "failed to build signature verifier")
		os.Exit(1)
	}

	source, err := buildSource(ctx, conf, awsCfg, deviceID, L, m)
	if err != nil {
		L.Error(ctx, err, "failed to build extension source")
		os.Exit(1)
	}

	budget := ratelimit.NewWindow(conf.RateLimitMaxCalls, conf.RateLimitWindow,
		ratelimit.WithOnDenied(m.IncBudgetDenied),
	)
	ttls, _ := cache.ParseTTLTable(conf.TTLs)
	store := cache.New(ctx, cache.Options{
		Logger:  L,
		Store:   cache.NewFileStore(conf.CacheDir),
		Limiter: budget,
		Metrics: m,
	})

	exec := task.NewExecutor(ctx, task.ExecutorOptions{Logger: L, Workers: conf.Workers, Metrics: m})
	loop := task.NewScheduler(conf.LoopTick, L)
	go func() { _ = loop.Run(ctx) }()

	mode, _ := host.ParseMode(conf.Placement)
	reg := host.NewRegistry(mode)
	reg.OnChange = m.SetRegisteredPoints
	mods := lifecycle.New(lifecycle.Options{
		Logger:      L,
		Host:        reg,
		ExecTimeout: conf.ExecTimeout,
		Metrics:     m,
	})

	cat := catalog.New()
	svc, err := addons.New(ctx, addons.Options{
		Logger:         L,
		Source:         source,
		Cache:          store,
		Codec:          cdc,
		Verifier:       verifier,
		Modules:        mods,
		Executor:       exec,
		Loop:           loop,
		Catalog:        cat,
		Limiter:        budget,
		TTLs:           ttls,
		Folders:        cfg.SplitList(conf.Folders),
		Bucket:         conf.Bucket,
		DeviceID:       deviceID,
		Metrics:        m,
		RequestTimeout: conf.RequestTimeout,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create addon service")
		os.Exit(1)
	}

	// listing failures are not fatal, the catalog stays unready until a sync succeeds
	if keys, err := svc.SyncListing(ctx, false); err != nil {
		L.Error(ctx, err, "initial catalog sync failed")
	} else {
		L.Info(ctx, "catalog synced", "keys", len(keys))
	}
	for _, key := range cfg.SplitList(conf.Extensions) {
		svc.LoadAsync(ctx, key, func(o lifecycle.Outcome, err error) {
			if err != nil {
				L.Error(ctx, err, "startup extension load failed", "key", key, "reason", xerrors.Reason(err))
				return
			}
			L.Info(ctx, "startup extension loaded", "key", key, "outcome", o)
		})
	}

	if conf.EnableWatcher {
		watcher := addons.NewWatcher(&addons.WatcherOptions{
			Logger:         L,
			Service:        svc,
			Interval:       conf.CheckInterval,
			Pacer:          ratelimit.NewPacer(conf.CheckSpacing, 1),
			Metrics:        m,
			StaleThreshold: conf.StaleThreshold,
			OnUpdate: func(key, version string) {
				L.Info(ctx, "extension update stored", "key", key, "version", cryptoutil.ShortHash(version))
			},
		})
		go func() { _ = watcher.Run(ctx) }()
	}

	var gate health.ShutdownGate
	probes := []health.Probe{
		gate.Probe(),
		health.Named("catalog", health.CheckFunc(func(context.Context) error { return cat.ReadyErr() })),
	}
	if conf.EnableWatcher {
		probes = append(probes, health.Named("listing", health.Fresh(cat.LoadedAt, conf.StaleThreshold, time.Now)))
	}
	readiness := health.All(probes...)

	limiter := ratelimit.NewKeyed(ctx,
		ratelimit.WithRate(conf.AdminRate, conf.AdminBurst),
		ratelimit.WithOnKeyDenied(func(ip string) {
			m.IncRateLimitDenied()
			L.Warn(ctx, "admin rate limit triggered", "client.address", ip)
		}),
	)

	opts := &opshttp.Options{
		Addr:         net.JoinHostPort(conf.AdminBind, strconv.Itoa(conf.AdminPort)),
		Logger:       L,
		Metrics:      m.Handler(),
		MetricsMW:    m.Middleware,
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Catalog:      cat,
		RateLimitMW:  limiter.Middleware,
		TrustedHops:  conf.TrustedHops,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	}
	if conf.EnableAdminAPI {
		opts.Admin = svc
	}
	opsStop, addr, err := opshttp.Start(ctx, opts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	L.Info(ctx, "ops http listening", "addr", addr)

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")
	gate.Set("draining")

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := opsStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if n, err := svc.UnloadAll(shutdownCtx); err != nil {
		L.Error(bg, err, "unload modules", "unloaded", n)
	} else {
		L.Info(bg, "modules unloaded", "count", n)
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
}

func needsAWS(c cfg.App) bool {
	return c.Backend == "s3" || c.SecretSSMParam != "" || c.TokenSSMParam != "" || c.SignatureMode == "kms"
}

func loadSecret(ctx context.Context, c cfg.App, awsCfg *aws.Config) ([]byte, error) {
	if c.SecretSSMParam == "" {
		return []byte(c.Secret), nil
	}
	return remote.SecretFromSSM(ctx, ssm.NewFromConfig(*awsCfg), c.SecretSSMParam)
}

func buildVerifier(c cfg.App, awsCfg *aws.Config) (cryptoutil.Verifier, error) {
	switch c.SignatureMode {
	case "hmac":
		return cryptoutil.NewHMACVerifier(c.APIKey), nil
	case "kms":
		return cryptoutil.NewKMSVerifier(kms.NewFromConfig(*awsCfg), c.SigningKeyARN), nil
	case "none", "":
		return cryptoutil.NopVerifier{}, nil
	default:
		return nil, xerrors.Newf("unknown signature mode %q", c.SignatureMode)
	}
}

func buildSource(ctx context.Context, c cfg.App, awsCfg *aws.Config, deviceID string, L log.Logger, m *metrics.DaemonMetrics) (remote.Source, error) {
	if c.Backend == "s3" {
		src, err := remote.NewS3Source(ctx, remote.S3Options{
			Logger:    L,
			Bucket:    c.Bucket,
			Prefix:    c.S3Prefix,
			AWSConfig: awsCfg,
			Metrics:   m,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	}

	var creds remote.Credentials = remote.StaticCredentials("")
	if c.TokenSSMParam != "" {
		creds = remote.NewSSMCredentials(ssm.NewFromConfig(*awsCfg), c.TokenSSMParam, 15*time.Minute)
	}
	client, err := remote.NewHTTPClient(remote.HTTPOptions{
		Logger:      L,
		BaseURL:     c.APIURL,
		APIKey:      c.APIKey,
		Credentials: creds,
		Bucket:      c.Bucket,
		DeviceID:    deviceID,
		Timeout:     c.RequestTimeout,
		MaxRetries:  c.MaxRetries,
		Metrics:     m,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return xerrors.New("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "systemd notify dial")
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return xerrors.Wrap(err, "systemd notify write")
	}
	return nil
}
