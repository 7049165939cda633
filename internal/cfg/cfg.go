package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-addons/internal/cache"
	"github.com/keithlinneman/linnemanlabs-addons/internal/host"
	"github.com/keithlinneman/linnemanlabs-addons/internal/log"
	"github.com/keithlinneman/linnemanlabs-addons/internal/pathutil"
)

// EnvPrefix is prepended to upper-cased flag names by FillFromEnv.
const EnvPrefix = "ADDOND_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	AdminBind      string
	AdminPort      int
	EnableAdminAPI bool
	AdminRate      float64
	AdminBurst     int
	TrustedHops    int
	EnablePprof    bool

	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	Backend        string
	APIURL         string
	APIKey         string
	TokenSSMParam  string
	Bucket         string
	S3Prefix       string
	DeviceID       string
	SecretSSMParam string
	Secret         string
	Folders        string

	CacheDir          string
	RateLimitMaxCalls int
	RateLimitWindow   time.Duration
	TTLs              string
	RequestTimeout    time.Duration
	MaxRetries        int
	Workers           int
	LoopTick          time.Duration
	ExecTimeout       time.Duration

	EnableWatcher  bool
	CheckInterval  time.Duration
	CheckSpacing   time.Duration
	StaleThreshold time.Duration

	Placement     string
	RepairSource  bool
	SignatureMode string
	SigningKeyARN string
	Extensions    string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.StringVar(&c.AdminBind, "admin-bind", "127.0.0.1", "ops/admin listen address")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "ops/admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnableAdminAPI, "enable-admin-api", true, "Serve /api module controls on the admin port")
	fs.Float64Var(&c.AdminRate, "admin-rate", 5, "admin requests per second per client")
	fs.IntVar(&c.AdminBurst, "admin-burst", 20, "admin request burst per client")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "reverse proxies in front of the admin port (X-Forwarded-For depth)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", false, "Enable pprof profiling (on admin port only)")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.StringVar(&c.Backend, "backend", "api", "extension source: api|s3")
	fs.StringVar(&c.APIURL, "api-url", "", "distribution API base URL (backend=api)")
	fs.StringVar(&c.APIKey, "api-key", "", "distribution API key, also the HMAC signature key")
	fs.StringVar(&c.TokenSSMParam, "token-ssm-param", "", "ssm SecureString holding the bearer token (empty sends no token)")
	fs.StringVar(&c.Bucket, "bucket", "", "bucket sent with API requests, or read directly with backend=s3")
	fs.StringVar(&c.S3Prefix, "s3-prefix", "", "key prefix inside the bucket (backend=s3)")
	fs.StringVar(&c.DeviceID, "device-id", "", "device id sent with requests (empty derives one from the host)")
	fs.StringVar(&c.SecretSSMParam, "secret-ssm-param", "", "ssm SecureString holding the content secret")
	fs.StringVar(&c.Secret, "secret", "", "content secret (development only, prefer -secret-ssm-param)")
	fs.StringVar(&c.Folders, "folders", "ADDONS/", "comma separated remote folders that form the catalog")

	fs.StringVar(&c.CacheDir, "cache-dir", defaultCacheDir(), "directory for script_cache.json")
	fs.IntVar(&c.RateLimitMaxCalls, "rate-limit-max-calls", 10, "remote calls allowed per rate-limit-window")
	fs.DurationVar(&c.RateLimitWindow, "rate-limit-window", time.Minute, "sliding window for remote calls")
	fs.StringVar(&c.TTLs, "ttls", cache.DefaultTTLs().String(), "per-endpoint cache TTLs (content=5m,listing=1h,auth=1m)")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", 30*time.Second, "bound on each remote call")
	fs.IntVar(&c.MaxRetries, "max-retries", 3, "retries for transient remote failures")
	fs.IntVar(&c.Workers, "workers", 4, "concurrent remote fetches")
	fs.DurationVar(&c.LoopTick, "loop-tick", 100*time.Millisecond, "completion polling interval of the main loop")
	fs.DurationVar(&c.ExecTimeout, "exec-timeout", 5*time.Second, "bound on running extension code")

	fs.BoolVar(&c.EnableWatcher, "enable-watcher", true, "Poll for new extension versions")
	fs.DurationVar(&c.CheckInterval, "check-interval", time.Hour, "version check interval")
	fs.DurationVar(&c.CheckSpacing, "check-spacing", time.Second, "minimum spacing between version checks")
	fs.DurationVar(&c.StaleThreshold, "stale-threshold", 24*time.Hour, "warn when no version check succeeded for this long")

	fs.StringVar(&c.Placement, "placement", "grouped", "extension panel placement: grouped|standalone")
	fs.BoolVar(&c.RepairSource, "repair-source", false, "attempt bracket repair of decrypted source that fails to compile")
	fs.StringVar(&c.SignatureMode, "signature-mode", "none", "source signature check: none|hmac|kms")
	fs.StringVar(&c.SigningKeyARN, "signing-key-arn", "", "KMS key ARN for signature-mode=kms")
	fs.StringVar(&c.Extensions, "extensions", "", "comma separated keys to load at startup")
}

func defaultCacheDir() string {
	if d, err := os.UserCacheDir(); err == nil {
		return d + "/addond"
	}
	return "/var/cache/addond"
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value overrides env %s", f.Name, key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// SplitList splits a comma separated flag value, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.AdminPort < 1 || c.AdminPort > 65535 {
		add("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort)
	}
	if net.ParseIP(c.AdminBind) == nil {
		add("ADMIN_BIND must be an IP address (got %q)", c.AdminBind)
	}
	if c.EnableAdminAPI && (c.AdminRate <= 0 || c.AdminBurst < 1) {
		add("ADMIN_RATE and ADMIN_BURST must be positive")
	}
	if c.TrustedHops < 0 {
		add("TRUSTED_HOPS must be >= 0 (got %d)", c.TrustedHops)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		add("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			add("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err)
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		add("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		add("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			add("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			add("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err)
		}
	}
	if c.EnablePyroscope {
		if u, err := url.Parse(c.PyroServer); c.PyroServer == "" || err != nil || u.Scheme == "" || u.Host == "" {
			add("PYRO_SERVER must be a URL when ENABLE_PYROSCOPE=true (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			add("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}

	switch c.Backend {
	case "api":
		if u, err := url.Parse(c.APIURL); c.APIURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
			add("API_URL must be a URL when BACKEND=api (got %q)", c.APIURL)
		}
	case "s3":
		if c.Bucket == "" {
			add("BUCKET required when BACKEND=s3")
		}
	default:
		add("invalid BACKEND %q (valid: api|s3)", c.Backend)
	}
	if c.Secret == "" && c.SecretSSMParam == "" {
		add("one of SECRET or SECRET_SSM_PARAM is required")
	}
	folders := SplitList(c.Folders)
	if len(folders) == 0 {
		add("FOLDERS must name at least one folder")
	}
	for _, f := range folders {
		if err := pathutil.ValidFolder(f); err != nil {
			add("invalid folder %q: %v", f, err)
		}
	}
	for _, k := range SplitList(c.Extensions) {
		if err := pathutil.ValidKey(k); err != nil {
			add("invalid extension key %q: %v", k, err)
		}
	}

	if c.CacheDir == "" {
		add("CACHE_DIR is required")
	}
	if c.RateLimitMaxCalls < 1 || c.RateLimitWindow <= 0 {
		add("RATE_LIMIT_MAX_CALLS and RATE_LIMIT_WINDOW must be positive")
	}
	if _, err := cache.ParseTTLTable(c.TTLs); err != nil {
		add("invalid TTLS %q: %v", c.TTLs, err)
	}
	if c.RequestTimeout <= 0 || c.LoopTick <= 0 || c.ExecTimeout <= 0 {
		add("REQUEST_TIMEOUT, LOOP_TICK and EXEC_TIMEOUT must be positive")
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		add("MAX_RETRIES must be 0..10 (got %d)", c.MaxRetries)
	}
	if c.Workers < 1 || c.Workers > 64 {
		add("WORKERS must be 1..64 (got %d)", c.Workers)
	}
	if c.EnableWatcher && c.CheckInterval < time.Minute {
		add("CHECK_INTERVAL must be at least 1m (got %s)", c.CheckInterval)
	}

	if _, err := host.ParseMode(c.Placement); err != nil {
		add("invalid PLACEMENT: %v", err)
	}
	switch c.SignatureMode {
	case "none":
	case "hmac":
		if c.APIKey == "" {
			add("API_KEY required when SIGNATURE_MODE=hmac")
		}
	case "kms":
		if c.SigningKeyARN == "" {
			add("SIGNING_KEY_ARN required when SIGNATURE_MODE=kms")
		}
	default:
		add("invalid SIGNATURE_MODE %q (valid: none|hmac|kms)", c.SignatureMode)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
