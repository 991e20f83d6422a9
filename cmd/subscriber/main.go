// subscriber подписывается на событие SIP и печатает входящие NOTIFY до
// SIGINT/SIGTERM, после чего отписывается.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/arzzra/sip_subscriber/pkg/agent"
	"github.com/arzzra/sip_subscriber/pkg/subscription"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 5 * time.Second

type options struct {
	configPath  string
	target      string
	event       string
	expires     int
	refresh     bool
	headers     []string
	listen      string
	transport   string
	user        string
	debug       bool
	jsonLogs    bool
	metricsAddr string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options

	flagSet := pflag.NewFlagSet("subscriber", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "path to YAML config file")
	flagSet.StringVar(&opts.target, "target", "", "subscription target (user, user@domain or SIP URI)")
	flagSet.StringVar(&opts.event, "event", "presence", "event package")
	flagSet.IntVar(&opts.expires, "expires", 0, "requested subscription duration in seconds (0 uses config default)")
	flagSet.BoolVar(&opts.refresh, "refresh", true, "refresh the subscription automatically before it expires")
	flagSet.StringArrayVar(&opts.headers, "header", nil, `extra header for SUBSCRIBE, "Name: value" (repeatable)`)
	flagSet.StringVar(&opts.listen, "listen", "", "listen address host:port (overrides config transports)")
	flagSet.StringVar(&opts.transport, "transport", "udp", "transport for --listen (udp, tcp, ws)")
	flagSet.StringVar(&opts.user, "user", "", "local user (overrides config)")
	flagSet.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flagSet.BoolVar(&opts.jsonLogs, "json", false, "write logs as JSON")
	flagSet.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.target == "" {
		return errors.New("--target is required")
	}

	logger := newLogger(opts)
	slog.SetDefault(logger)

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.metricsAddr != "" {
		go serveMetrics(ctx, logger, opts.metricsAddr)
	}

	a, err := agent.New(cfg,
		agent.WithLogger(logger),
		agent.WithRegisterer(prometheus.DefaultRegisterer))
	if err != nil {
		return err
	}

	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()
	serveErr := make(chan error, 1)
	go func() { serveErr <- a.Serve(serveCtx) }()

	if !opts.refresh {
		// без автообновления подписка истечет, агент только сообщает об этом
		a.OnExpiring(func(s *subscription.Subscription) {
			logger.Info("subscription expiring, refresh disabled", slog.String("subscriptionID", s.ID()))
		})
	}

	ended := make(chan struct{})
	refresh := opts.refresh
	sub, err := a.Subscribe(opts.target, opts.event, &subscription.SubscribeOptions{
		Expires:      opts.expires,
		Refresh:      &refresh,
		ExtraHeaders: opts.headers,
		Handlers:     handlers(logger, ended),
	})
	if err != nil {
		cancelServe()
		return err
	}
	target := sub.Target()
	logger.Info("subscribing",
		slog.String("subscriptionID", sub.ID()),
		slog.String("target", target.String()),
		slog.String("event", sub.EventPackage()))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-ended:
	case err := <-serveErr:
		if err != nil {
			logger.Error("transport failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	closeErr := a.Close(shutdownCtx)
	cancelServe()

	return closeErr
}

func newLogger(opts options) *slog.Logger {
	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if opts.jsonLogs {
		return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
}

// loadConfig файл, затем переменные окружения, затем флаги
func loadConfig(opts options) (agent.Config, error) {
	var cfg agent.Config
	if opts.configPath != "" {
		loaded, err := agent.LoadConfig(opts.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if err := agent.ApplyEnv(&cfg); err != nil {
		return cfg, err
	}

	if opts.user != "" {
		cfg.User = opts.user
	}
	if opts.listen != "" {
		tc, err := parseListen(opts.listen, opts.transport)
		if err != nil {
			return cfg, err
		}
		cfg.Transports = []agent.TransportConfig{tc}
	}
	return cfg, nil
}

func parseListen(addr, transport string) (agent.TransportConfig, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return agent.TransportConfig{}, errors.Wrapf(err, "invalid --listen %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return agent.TransportConfig{}, errors.Wrapf(err, "invalid --listen port %q", portStr)
	}
	return agent.TransportConfig{Type: agent.TransportType(transport), Host: host, Port: port}, nil
}

func handlers(logger *slog.Logger, ended chan<- struct{}) *subscription.Handlers {
	return &subscription.Handlers{
		Accepted: func(ev subscription.AcceptedEvent) {
			logger.Info("subscription accepted", slog.Int("statusCode", int(ev.Response.StatusCode)))
		},
		Confirmed: func(subscription.NotifyEvent) {
			logger.Info("subscription confirmed")
		},
		Notify: func(ev subscription.NotifyEvent) {
			logger.Info("notify",
				slog.String("contentType", ev.Info.ContentType),
				slog.Int("bodyLength", len(ev.Info.Body)))
			if code := ev.Info.SipfragStatusCode(); code != 0 {
				logger.Info("refer progress", slog.Int("statusCode", code))
			}
			if len(ev.Info.Body) > 0 {
				fmt.Println(string(ev.Info.Body))
			}
		},
		Ended: func(ev subscription.EndedEvent) {
			logger.Info("subscription ended",
				slog.String("originator", string(ev.Originator)),
				slog.String("cause", ev.Cause.String()))
			close(ended)
		},
	}
}

func serveMetrics(ctx context.Context, logger *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	logger.Info("metrics listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", slog.String("error", err.Error()))
	}
}
