// Command termfile-harness drives an engine.Engine against stdin/stdout,
// standing in for the terminal emulator host described in spec.md §6: it
// reads one serialized command per line from stdin and writes every
// response the engine produces to stdout. Grounded on
// backube-volsync/diskrsync-tcp/main.go's flag-and-logger wiring and
// backube-volsync/cmd/volsync/volsync.go's cobra root command, combined
// with viper so the same settings can come from flags, environment, or a
// config file.
package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/relayterm/termfile/engine"
)

var v = viper.New()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "termfile-harness",
		Short: "Drive a file-transmission engine against stdin/stdout",
		RunE:  run,
	}

	flags := cmd.Flags()
	flags.String("home-dir", "", "directory relative paths resolve against (defaults to the user's home)")
	flags.String("bypass-passphrase", "", "shared secret that lets a session skip user confirmation")
	flags.Int("max-receives", 10, "maximum concurrent inbound sessions")
	flags.Int("max-sends", 10, "maximum concurrent outbound sessions")
	flags.Int64("rate-limit-bytes", 0, "cap outbound body bytes/sec across all send sessions (0 disables)")
	flags.Bool("auto-confirm", true, "accept every session without prompting")
	flags.Bool("metrics", false, "expose Prometheus metrics on :9090/metrics")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("TERMFILE")
	v.AutomaticEnv()
	v.SetConfigName("termfile-harness")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			cmd.PrintErrf("warning: failed to read config file: %v\n", err)
		}
	}

	cmd.AddCommand(newIDCmd())

	return cmd
}

// newIDCmd mints a fresh session id, for scripts that compose termfile
// commands externally and need a request id to correlate a send/receive
// session before the first command is written.
func newIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new-id",
		Short: "Print a new random session id",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Println(uuid.NewString())
			return nil
		},
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck
	log := logger.Sugar()

	opts := []engine.Option{
		engine.WithLogger(log),
		engine.WithLimits(v.GetInt("max-receives"), v.GetInt("max-sends")),
	}
	if home := v.GetString("home-dir"); home != "" {
		opts = append(opts, engine.WithHomeDir(home))
	}
	if pass := v.GetString("bypass-passphrase"); pass != "" {
		opts = append(opts, engine.WithBypassPassphrase(pass))
	}
	if limit := v.GetInt64("rate-limit-bytes"); limit > 0 {
		opts = append(opts, engine.WithSendRateLimit(limit))
	}
	if v.GetBool("metrics") {
		pm := engine.NewPrometheusMetrics(prometheus.DefaultRegisterer)
		opts = append(opts, engine.WithMetrics(pm))
		go serveMetrics(log)
	}

	var confirmer engine.Confirmer = engine.AutoConfirmer{}
	if !v.GetBool("auto-confirm") {
		confirmer = engine.DenyConfirmer{}
		log.Warn("auto-confirm disabled and no interactive prompt is wired up; every session will be rejected unless bypassed")
	}

	w := &stdoutWriter{out: bufio.NewWriter(os.Stdout)}
	defer w.out.Flush() //nolint:errcheck

	e := engine.New(w, confirmer, engine.RealTimer{}, opts...)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		e.HandleSerializedCommand(scanner.Text())
		w.out.Flush() //nolint:errcheck
	}
	return scanner.Err()
}

// stdoutWriter implements engine.Writer by appending a newline per frame to
// a buffered os.Stdout, which run flushes after every command. It never
// reports backpressure: it returns false only when the buffered write
// itself fails.
type stdoutWriter struct {
	out *bufio.Writer
}

func (w *stdoutWriter) WriteSerialized(frame string) bool {
	_, err := w.out.WriteString(frame + "\n")
	return err == nil
}

func serveMetrics(log *zap.SugaredLogger) {
	log.Infow("serving prometheus metrics", "addr", ":9090")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(":9090", mux); err != nil {
		log.Errorw("metrics server stopped", "error", err)
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
