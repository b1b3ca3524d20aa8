package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-latch/v1/backend"
	"github.com/mirkobrombin/go-latch/v1/liveness"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/presets"
)

var (
	backendName   = flag.String("backend", envOr("LATCH_BACKEND", "redis"), "Backend strategy: redis, etcd or memory")
	redisAddr     = flag.String("redis-addr", envOr("LATCH_REDIS_ADDR", "127.0.0.1:6379"), "Redis address")
	redisPassword = flag.String("redis-password", os.Getenv("LATCH_REDIS_PASSWORD"), "Redis password")
	etcdEndpoints = flag.String("etcd-endpoints", envOr("LATCH_ETCD_ENDPOINTS", "127.0.0.1:2379"), "Comma separated etcd endpoints")
	etcdCA        = flag.String("etcd-ca", os.Getenv("LATCH_ETCD_CA"), "etcd CA certificate path, enables TLS")
	etcdCert      = flag.String("etcd-cert", os.Getenv("LATCH_ETCD_CERT"), "etcd client certificate path")
	etcdKey       = flag.String("etcd-key", os.Getenv("LATCH_ETCD_KEY"), "etcd client key path")
	sessionTTL    = flag.Duration("session-ttl", 10*time.Second, "etcd session TTL")
	pollInterval  = flag.Duration("poll", liveness.DefaultInterval, "Liveness probe interval")
	natsURL       = flag.String("nats", os.Getenv("LATCH_NATS_URL"), "NATS URL for unlock signals")
	metricsAddr   = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	traceStdout   = flag.Bool("trace", false, "Print spans to stdout")
	verbose       = flag.Bool("v", false, "Debug logging")
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: latchctl [flags] acquire|release|watch [command flags]\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *traceStdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	if *metricsAddr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterCoreMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			log.Printf("metrics listening on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	var err error
	switch cmd, args := flag.Arg(0), flag.Args()[1:]; cmd {
	case "acquire":
		err = runAcquire(ctx, args)
	case "release":
		err = runRelease(ctx, args)
	case "watch":
		err = runWatch(ctx, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
}

func connect(ctx context.Context) (*presets.Latch, error) {
	strategy, err := backend.ParseStrategy(*backendName)
	if err != nil {
		return nil, err
	}
	withMetrics := *metricsAddr != ""
	switch strategy {
	case backend.RedisStrategy:
		return presets.NewRedis(presets.RedisOptions{
			Addr:     *redisAddr,
			Password: *redisPassword,
			NATSURL:  *natsURL,
			Metrics:  withMetrics,
		})
	case backend.EtcdStrategy:
		return presets.NewEtcd(ctx, presets.EtcdOptions{
			Endpoints:      strings.Split(*etcdEndpoints, ","),
			CaCertPath:     *etcdCA,
			ClientCertPath: *etcdCert,
			ClientKeyPath:  *etcdKey,
			SessionTTL:     *sessionTTL,
			PollInterval:   *pollInterval,
			NATSURL:        *natsURL,
			Metrics:        withMetrics,
		})
	default:
		return presets.NewInMemoryStandalone(), nil
	}
}

func runAcquire(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("acquire", flag.ExitOnError)
	key := fs.String("key", "", "Lock key")
	token := fs.String("token", "", "Ownership token, generated when empty")
	ttl := fs.Duration("ttl", 100*time.Second, "Lock TTL")
	wait := fs.Duration("wait", 0, "Maximum wait, zero makes a single attempt")
	contenders := fs.Int("n", 1, "Number of concurrent contenders, each with its own token")
	hold := fs.Duration("hold", 0, "Hold the lock this long, then release it")
	_ = fs.Parse(args)
	if *key == "" {
		return errors.New("-key is required")
	}

	l, err := connect(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	var won atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *contenders; i++ {
		tok := *token
		if tok == "" || *contenders > 1 {
			tok = lock.NewToken()
		}
		g.Go(func() error {
			var (
				ok  bool
				err error
			)
			if *wait > 0 {
				ok, err = l.Client.Acquire(gctx, *key, tok, *ttl, *wait)
			} else {
				ok, err = l.Client.TryLock(gctx, *key, tok, *ttl)
			}
			if err != nil {
				return err
			}
			fmt.Printf("acquire %s token=%s result=%v at=%s\n", *key, tok, ok, time.Now().Format(time.RFC3339Nano))
			if !ok {
				return nil
			}
			won.Add(1)
			if *hold > 0 {
				select {
				case <-time.After(*hold):
				case <-gctx.Done():
				}
				released, err := l.Client.Release(context.Background(), *key, tok)
				if err != nil {
					return err
				}
				fmt.Printf("release %s token=%s result=%v\n", *key, tok, released)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Printf("%d of %d contenders acquired %s", won.Load(), *contenders, *key)
	return nil
}

func runRelease(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("release", flag.ExitOnError)
	key := fs.String("key", "", "Lock key")
	token := fs.String("token", "", "Ownership token used at acquire time")
	_ = fs.Parse(args)
	if *key == "" || *token == "" {
		return errors.New("-key and -token are required")
	}

	l, err := connect(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	ok, err := l.Client.Release(ctx, *key, *token)
	if err != nil {
		return err
	}
	fmt.Printf("release %s token=%s result=%v\n", *key, *token, ok)
	return nil
}

// runWatch blocks until the session expires, then closes the connection.
func runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	_ = fs.Parse(args)

	l, err := connect(ctx)
	if err != nil {
		return err
	}
	defer l.Close()
	if l.Monitor == nil {
		return fmt.Errorf("backend %s has no session to watch", *backendName)
	}
	log.Printf("watching session, timeout %s, probing every %s", l.Monitor.SessionTimeout(), *pollInterval)

	for {
		select {
		case ev, ok := <-l.Monitor.Events():
			if !ok {
				return nil
			}
			log.Printf("session event: %s", ev)
			if ev == liveness.EventExpired {
				log.Printf("session expired, shutting down")
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}
