// Package cmd implements the msgkit sample commands. Each subcommand is a
// small runnable program against the messaging facade: publish, subscribe,
// request, reply, enqueue, dequeue and an infrastructure-free demo.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/msgkit/msgkit/modules/messaging"
	"github.com/msgkit/msgkit/modules/messaging/amqpmsg"
	"github.com/msgkit/msgkit/modules/messaging/natsmsg"
	"github.com/msgkit/msgkit/modules/messaging/prom"
	"github.com/msgkit/msgkit/modules/reqreply"
)

// Exit codes of the request command, so scripts can tell failure
// modes apart.
const (
	exitErr            = 1
	exitTimeout        = 2
	exitHandlerFailure = 3
	exitTransport      = 4
)

var (
	flagConfigPath string
	flagBroker     string
	flagURL        string

	conf Config
)

var rootCmd = &cobra.Command{
	Use:   "msgkit",
	Short: "Request/reply messaging samples",
	Long: `msgkit runs small messaging sample programs against a broker:
publish/subscribe on topics, guaranteed delivery through queues and a
calculator built on request/reply correlation.

Configuration is read from --config (or built-in defaults), overridden by
MSGKIT_* environment variables, overridden by flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		conf, err = loadConfig(flagConfigPath)
		if err != nil {
			return err
		}
		if flagBroker != "" {
			conf.Broker = flagBroker
		}
		if flagURL != "" {
			conf.NATS.URL = flagURL
			conf.AMQP.URL = flagURL
		}
		logger, err := newLogger(conf.Log.Level)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "",
		"Path to a msgkit.yaml configuration file")
	rootCmd.PersistentFlags().StringVar(&flagBroker, "broker", "",
		"Broker kind: inmem, nats or amqp")
	rootCmd.PersistentFlags().StringVar(&flagURL, "url", "",
		"Broker URL, overrides the configured one")
}

// Execute runs the msgkit command. The process exit code distinguishes
// request failure modes: 2 timeout, 3 handler failure, 4 transport error.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, reqreply.ErrTimeout):
		return exitTimeout
	case errors.Is(err, reqreply.ErrHandlerFailure):
		return exitHandlerFailure
	case errors.Is(err, reqreply.ErrTransport):
		return exitTransport
	}
	return exitErr
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	})), nil
}

// runWithSession connects a session for the configured broker, serves
// metrics if enabled and tears everything down after fn returns.
func runWithSession(
	ctx context.Context, fn func(context.Context, messaging.Session) error,
) error {
	metrics, stopMetrics := serveMetrics()
	defer stopMetrics()

	sess, err := connectSession(metrics)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()
	go watchEvents(sess)

	return fn(ctx, sess)
}

func connectSession(metrics messaging.Metrics) (messaging.Session, error) {
	switch conf.Broker {
	case "nats":
		return natsmsg.Connect(natsmsg.Config{
			URL:     conf.NATS.URL,
			Name:    conf.NATS.Name,
			Stream:  conf.NATS.Stream,
			Metrics: metrics,
			Logger:  slog.Default(),
		})
	case "amqp":
		return amqpmsg.Connect(amqpmsg.Config{
			URL:      conf.AMQP.URL,
			Exchange: conf.AMQP.Exchange,
			Metrics:  metrics,
			Logger:   slog.Default(),
		})
	case "inmem":
		return nil, errors.New(
			"the in-memory broker lives inside a single process " +
				"and cannot connect commands; run \"msgkit demo\" instead")
	}
	return nil, errors.New(unknownBroker(conf.Broker))
}

func unknownBroker(kind string) string {
	valid := []string{"inmem", "nats", "amqp"}
	ranks := fuzzy.RankFindNormalizedFold(kind, valid)
	if len(ranks) == 0 {
		return fmt.Sprintf("unknown broker kind %q (valid: %s)",
			kind, strings.Join(valid, ", "))
	}
	sort.Sort(ranks)
	return fmt.Sprintf("unknown broker kind %q, did you mean %q?",
		kind, ranks[0].Target)
}

// watchEvents logs session lifecycle transitions until the session closes.
func watchEvents(sess messaging.Session) {
	for ev := range sess.Events() {
		switch ev.Kind {
		case messaging.EventDown, messaging.EventConnectFailed:
			slog.Warn("session event",
				slog.String("kind", ev.Kind.String()),
				slog.Any("err", ev.Err))
		default:
			slog.Debug("session event",
				slog.String("kind", ev.Kind.String()))
		}
	}
}

// serveMetrics exposes Prometheus metrics on the configured address.
// The returned stop function must be called on shutdown; when metrics
// are disabled it is a no-op and NopMetrics is returned.
func serveMetrics() (messaging.Metrics, func()) {
	if conf.Metrics.Addr == "" {
		return messaging.NopMetrics{}, func() {}
	}
	reg := prometheus.NewRegistry()
	metrics := prom.New(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: conf.Metrics.Addr, Handler: mux}

	go func() {
		slog.Info("serving metrics", slog.String("addr", conf.Metrics.Addr))
		if err := srv.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			slog.Error("serving metrics", slog.Any("err", err))
		}
	}()
	return metrics, func() { _ = srv.Shutdown(context.Background()) }
}
