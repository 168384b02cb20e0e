// Command imapcache-check drives the upstream connection cache end to end:
// it logs one or more users in through the Acquirer exactly as a proxy
// session would, prints what the server answered and whether the connection
// came from the cache, and can keep serving metrics and pool status
// afterwards.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/migadu/imapcache/config"
	"github.com/migadu/imapcache/logger"
	"github.com/migadu/imapcache/pkg/conncache"
	"github.com/migadu/imapcache/pkg/errors"
	"github.com/migadu/imapcache/pkg/metrics"
	"github.com/migadu/imapcache/server/httpapi"
	"github.com/migadu/imapcache/server/imapproxy"
	"github.com/migadu/imapcache/server/imapwire"
	"github.com/migadu/imapcache/server/proxy"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "imapcache.toml"

type checkFlags struct {
	configPath    string
	users         string
	password      string
	literal       bool
	queuedPreauth string
	clientAddr    string
	rounds        int
	parallel      int
	hold          time.Duration
}

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	var f checkFlags
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	flag.StringVar(&f.configPath, "config", defaultConfigPath, "Path to TOML configuration file")
	flag.StringVar(&f.users, "user", "", "Comma-separated usernames to log in")
	flag.StringVar(&f.password, "password", "", "Password for every user (default: $IMAPCACHE_PASSWORD)")
	flag.BoolVar(&f.literal, "literal", false, "Send the password as a string literal")
	flag.StringVar(&f.queuedPreauth, "queued-preauth", "", "Command to replay before login, e.g. 'ID NIL'")
	flag.StringVar(&f.clientAddr, "client", "127.0.0.1:0", "Client address reported in logs")
	flag.IntVar(&f.rounds, "rounds", 2, "Login rounds; rounds after the first should be served from the cache")
	flag.IntVar(&f.parallel, "parallel", 1, "Concurrent sessions per user in each round")
	flag.DurationVar(&f.hold, "hold", 0, "Keep running (reaper, metrics, status) this long after the last round")
	flag.Parse()

	if *showVersion {
		fmt.Printf("imapcache-check version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if f.password == "" {
		f.password = os.Getenv("IMAPCACHE_PASSWORD")
	}
	if f.users == "" || f.password == "" {
		fmt.Fprintln(os.Stderr, "imapcache-check: -user and -password (or $IMAPCACHE_PASSWORD) are required")
		flag.Usage()
		os.Exit(2)
	}
	if f.rounds < 1 || f.parallel < 1 {
		fmt.Fprintln(os.Stderr, "imapcache-check: -rounds and -parallel must be at least 1")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loadAndValidateConfig(ctx, f.configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "imapcache-check: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("imapcache-check starting", "version", version, "commit", commit, "built", date)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-signalChan:
			logger.Info("Received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	os.Exit(run(ctx, cfg, f, errorHandler))
}

func run(ctx context.Context, cfg config.Config, f checkFlags, errorHandler *errors.ErrorHandler) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cm, err := proxy.NewConnectionManagerFromConfig(&cfg.Upstream)
	if err != nil {
		errorHandler.FatalError("create connection manager", err)
		return errorHandler.WaitForExit(ctx)
	}
	if err := cm.ResolveAddresses(ctx); err != nil {
		logger.Warn("Could not resolve upstream addresses, dialing names as configured", "error", err)
	}
	logger.Info("Upstream servers", "addrs", cm.Addrs(), "round_robin", cm.IsRoundRobin())

	opts, err := imapproxy.OptionsFromConfig(&cfg)
	if err != nil {
		errorHandler.FatalError("read login options", err)
		return errorHandler.WaitForExit(ctx)
	}

	cache := conncache.New[*imapwire.Conn](conncache.Options{
		Slots:   cfg.Cache.Size,
		Buckets: cfg.Cache.HashBuckets,
	})
	defer cache.Close()

	acq := imapproxy.NewAcquirer(cache, cm, opts)

	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	reapInterval, _ := cfg.Cache.GetReapInterval()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := cache.RunReaper(ctx, opts.Expiration, reapInterval); err != nil {
			errorHandler.Report("connection reaper", err)
			cancel()
		}
	}()

	collector := metrics.NewCollector(cache, 5*time.Second)
	wg.Add(1)
	go func() {
		defer wg.Done()
		collector.Start(ctx)
	}()

	errChan := make(chan error, 1)
	if cfg.Metrics.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			httpapi.Start(ctx, httpapi.ServerOptions{
				Addr:         cfg.Metrics.Addr,
				MetricsPath:  cfg.Metrics.Path,
				APIKey:       cfg.Metrics.APIKey,
				AllowedHosts: cfg.Metrics.AllowedHosts,
				Pool:         cache,
				Backends:     cm,
			}, errChan)
		}()
	}

	failed := runRounds(ctx, acq, f, errorHandler)
	printStats(acq.Stats(), cm)

	if errorHandler.Err() != nil {
		return errorHandler.WaitForExit(ctx)
	}

	if f.hold > 0 {
		logger.Info("Holding connections open", "duration", f.hold)
		select {
		case <-time.After(f.hold):
		case <-ctx.Done():
		case err := <-errChan:
			logger.Error("Status server failed", "error", err)
			failed = true
		}
		printStats(acq.Stats(), cm)
	}

	if errorHandler.Err() != nil {
		return errorHandler.WaitForExit(ctx)
	}
	if failed {
		return 1
	}
	return 0
}

// runRounds logs every user in f.parallel times per round. Each session
// releases its connection before the round ends, so the next round finds
// them idle in the cache.
func runRounds(ctx context.Context, acq *imapproxy.Acquirer, f checkFlags, errorHandler *errors.ErrorHandler) bool {
	users := splitUsers(f.users)
	clientHost, clientPort := splitClient(f.clientAddr)

	var (
		mu     sync.Mutex
		failed bool
	)

	for round := 1; round <= f.rounds; round++ {
		if ctx.Err() != nil {
			return true
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, user := range users {
			for i := 0; i < f.parallel; i++ {
				req := imapproxy.LoginRequest{
					Username:        user,
					Password:        f.password,
					LiteralPassword: f.literal,
					ClientAddr:      clientHost,
					ClientPort:      clientPort,
					QueuedPreauth:   f.queuedPreauth,
				}
				g.Go(func() error {
					ok, err := checkOnce(gctx, acq, round, req)
					if !ok {
						mu.Lock()
						failed = true
						mu.Unlock()
					}
					if err != nil && errorHandler.Report("acquire upstream connection", err) {
						return err
					}
					return nil
				})
			}
		}
		if err := g.Wait(); err != nil {
			return true
		}
	}

	mu.Lock()
	defer mu.Unlock()
	return failed
}

// checkOnce acquires and releases one connection. Only fatal errors are
// returned; ordinary login failures are printed and reported as !ok.
func checkOnce(ctx context.Context, acq *imapproxy.Acquirer, round int, req imapproxy.LoginRequest) (bool, error) {
	start := time.Now()
	res, err := acq.Acquire(ctx, req)
	if err != nil {
		var le *imapproxy.LoginError
		if stderrors.As(err, &le) && le.ServerText != "" {
			fmt.Printf("round %d  %-24s FAILED in %s: %s (server: %s)\n", round, req.Username, le.State, le.Err, le.ServerText)
		} else {
			fmt.Printf("round %d  %-24s FAILED: %v\n", round, req.Username, err)
		}
		return false, err
	}

	source := "new connection"
	if res.Reused {
		source = "cache"
	}
	response := res.Response
	if response == "" {
		response = "(reused, no server response)"
	}
	fmt.Printf("round %d  %-24s %-14s via %-21s in %-8s %s\n",
		round, req.Username, source, res.Backend, time.Since(start).Round(time.Millisecond), response)

	if err := acq.Release(res); err != nil {
		fmt.Printf("round %d  %-24s release failed: %v\n", round, req.Username, err)
		return false, err
	}
	return true, nil
}

func printStats(st conncache.Stats, cm *proxy.ConnectionManager) {
	fmt.Printf("\npool: slots=%d free=%d in_use=%d retained=%d peak=%d created=%d reused=%d\n",
		st.Slots, st.Free, st.InUse, st.Retained, st.Peak, st.TotalCreated, st.TotalReused)
	for _, b := range cm.BackendHealthStatuses() {
		fmt.Printf("backend %-21s state=%-9s healthy=%t consecutive_failures=%d\n",
			b.Address, b.State, b.IsHealthy, b.ConsecutiveFails)
	}
}

func splitUsers(s string) []string {
	var users []string
	for _, u := range strings.Split(s, ",") {
		if u = strings.TrimSpace(u); u != "" {
			users = append(users, u)
		}
	}
	return users
}

func splitClient(addr string) (string, string) {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return addr, "0"
	}
	return strings.Trim(addr[:i], "[]"), addr[i+1:]
}

func loadAndValidateConfig(ctx context.Context, configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == defaultConfigPath {
			logger.Warn("Default configuration file not found, using defaults", "path", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit(ctx))
		}
	} else {
		logger.Info("Loaded configuration", "path", configPath)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "imapcache-check: invalid configuration:\n%v\n", err)
		os.Exit(2)
	}
}
