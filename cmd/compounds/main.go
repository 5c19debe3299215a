// Command compounds looks up the tyre compounds Pirelli nominated for a Formula 1
// Grand Prix by reading the FIA event-notes documents for that event.
//
//	compounds -year 2022 -race british
//
// It exits 0 when a compound selection was found, 2 when none was, and 1 on
// errors. With -last it prints the lookup last recorded in Neo4j instead, and
// with -watch it prints lookups other runs publish to NATS.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/compound-finder/engine/compound"
	"github.com/WessleyAI/compound-finder/engine/domain"
	"github.com/WessleyAI/compound-finder/engine/fia"
	"github.com/WessleyAI/compound-finder/engine/registry"
	"github.com/WessleyAI/compound-finder/pkg/metrics"
	"github.com/WessleyAI/compound-finder/pkg/mid"
	"github.com/WessleyAI/compound-finder/pkg/natsutil"
)

const (
	exitFound    = 0
	exitError    = 1
	exitNotFound = 2
)

type config struct {
	year      int
	race      string
	baseURL   string
	userAgent string
	timeout   time.Duration
	proxy     string
	headers   headerFlag
	basicAuth string

	jsonOut  bool
	listDocs bool
	pdfPath  string
	last     bool
	watch    bool

	natsURL   string
	subject   string
	neo4jURL  string
	neo4jUser string
	neo4jPass string

	metricsPort int
	logLevel    string
}

func main() {
	_ = godotenv.Load()

	cfg, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(exitError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, cfg, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func parseFlags(args []string, stderr io.Writer) (config, error) {
	def := fia.DefaultConfig()
	var cfg config

	fs := flag.NewFlagSet("compounds", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.IntVar(&cfg.year, "year", 0, fmt.Sprintf("championship year %v", domain.SupportedYears()))
	fs.StringVar(&cfg.race, "race", "", `Grand Prix name without "Grand Prix", e.g. "abu dhabi"`)
	fs.StringVar(&cfg.baseURL, "base-url", envOr("FIA_BASE_URL", def.BaseURL), "FIA document site origin")
	fs.StringVar(&cfg.userAgent, "user-agent", envOr("FIA_USER_AGENT", def.UserAgent), "User-Agent sent to the FIA site")
	fs.DurationVar(&cfg.timeout, "timeout", envDuration("FIA_TIMEOUT", def.Timeout), "per-request timeout")
	fs.StringVar(&cfg.proxy, "proxy", envOr("FIA_PROXY", ""), "HTTP proxy URL")
	fs.Var(&cfg.headers, "header", `extra request header "Name: value" (repeatable)`)
	fs.StringVar(&cfg.basicAuth, "basic-auth", "", "user:pass sent as HTTP basic auth")
	fs.BoolVar(&cfg.jsonOut, "json", false, "print the result as JSON")
	fs.BoolVar(&cfg.listDocs, "list-docs", false, "only list the event-notes documents for the event")
	fs.StringVar(&cfg.pdfPath, "pdf", "", "extract compounds from a local PDF instead of the FIA site")
	fs.BoolVar(&cfg.last, "last", false, "print the last lookup of the event recorded in Neo4j instead of looking it up")
	fs.BoolVar(&cfg.watch, "watch", false, "print lookups published on the NATS subject until interrupted")
	fs.StringVar(&cfg.natsURL, "nats", envOr("NATS_URL", ""), "NATS URL to publish the lookup to (empty = off)")
	fs.StringVar(&cfg.subject, "subject", "f1.compounds.lookup", "NATS subject for lookups")
	fs.StringVar(&cfg.neo4jURL, "neo4j-url", envOr("NEO4J_URL", ""), "Neo4j URL to record the lookup in (empty = off)")
	fs.StringVar(&cfg.neo4jUser, "neo4j-user", envOr("NEO4J_USER", "neo4j"), "Neo4j username")
	fs.StringVar(&cfg.neo4jPass, "neo4j-pass", envOr("NEO4J_PASS", "password"), "Neo4j password")
	fs.IntVar(&cfg.metricsPort, "metrics-port", envInt("METRICS_PORT", 0), "serve /metrics on this port while running (0 = off)")
	fs.StringVar(&cfg.logLevel, "log-level", envOr("LOG_LEVEL", "warn"), "debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.watch && cfg.natsURL == "" {
		return cfg, usageError(fs, "-watch needs -nats")
	}
	if cfg.last && cfg.neo4jURL == "" {
		return cfg, usageError(fs, "-last needs -neo4j-url")
	}
	if cfg.pdfPath == "" && !cfg.watch {
		if cfg.year == 0 {
			return cfg, usageError(fs, "-year is required")
		}
		if strings.TrimSpace(cfg.race) == "" {
			return cfg, usageError(fs, "-race is required")
		}
	}
	return cfg, nil
}

func usageError(fs *flag.FlagSet, msg string) error {
	fmt.Fprintln(fs.Output(), msg)
	fs.Usage()
	return errors.New(msg)
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	h := log.NewWithOptions(w, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Prefix:          "compounds",
	})
	return slog.New(h), nil
}

func run(ctx context.Context, cfg config, stdout, stderr io.Writer) int {
	logger, err := newLogger(stderr, cfg.logLevel)
	if err != nil {
		fmt.Fprintln(stderr, "log level:", err)
		return exitError
	}
	slog.SetDefault(logger)

	if cfg.pdfPath != "" {
		return extractLocal(cfg, stdout, logger)
	}
	if cfg.watch {
		return watchLookups(ctx, cfg, stdout, logger)
	}
	if strings.TrimSpace(cfg.race) == "" {
		logger.Error("invalid arguments", "error", domain.NewValidationError("race", cfg.race, domain.ErrEmptyRace))
		return exitError
	}
	if _, err := domain.SeasonSegment(cfg.year); err != nil {
		logger.Error("invalid arguments", "error", err, "supported", domain.SupportedYears())
		return exitError
	}

	if cfg.last {
		reg, closeReg, err := openRegistry(ctx, cfg)
		if err != nil {
			logger.Error("connect", "error", err)
			return exitError
		}
		defer closeReg()
		return showLast(ctx, cfg, reg, stdout, logger)
	}

	met := metrics.New()
	if cfg.metricsPort > 0 {
		shutdown := serveMetrics(cfg.metricsPort, met, logger)
		defer shutdown()
	}

	client, err := newClient(cfg, met, logger)
	if err != nil {
		logger.Error("invalid arguments", "error", err)
		return exitError
	}

	if cfg.listDocs {
		return listDocs(ctx, cfg, client, stdout, logger)
	}

	sinks, err := openSinks(ctx, cfg, logger)
	if err != nil {
		logger.Error("connect", "error", err)
		return exitError
	}
	defer sinks.close(context.Background())

	opts := []compound.Option{compound.WithLogger(logger), compound.WithMetrics(met)}
	if !cfg.jsonOut {
		opts = append(opts, compound.WithProgress(newProgressBar(stderr)))
	}
	finder := compound.NewFinder(client, client, compound.PDFExtractor, opts...)

	lookup, err := finder.EventCompounds(ctx, cfg.year, cfg.race)
	if err != nil {
		logger.Error("lookup failed", "year", cfg.year, "race", cfg.race, "error", err)
		return exitError
	}
	sinks.record(ctx, lookup)

	if cfg.jsonOut {
		if err := writeJSON(stdout, lookup); err != nil {
			logger.Error("write output", "error", err)
			return exitError
		}
	} else {
		renderLookup(stdout, lookup)
	}
	if !lookup.Found() {
		return exitNotFound
	}
	return exitFound
}

func newClient(cfg config, met *metrics.Registry, logger *slog.Logger) (*fia.Client, error) {
	proxy, err := parseProxy(cfg.proxy)
	if err != nil {
		return nil, err
	}
	auth, err := parseBasicAuth(cfg.basicAuth)
	if err != nil {
		return nil, err
	}
	fc := fia.DefaultConfig()
	fc.BaseURL = cfg.baseURL
	fc.UserAgent = cfg.userAgent
	fc.Timeout = cfg.timeout
	fc.Proxy = proxy
	fc.Header = cfg.headers.h
	fc.BasicAuth = auth
	fc.Logger = logger
	fc.Metrics = met
	return fia.NewClient(fc), nil
}

func listDocs(ctx context.Context, cfg config, client *fia.Client, stdout io.Writer, logger *slog.Logger) int {
	docs, err := client.FindEventNotes(ctx, cfg.year, cfg.race)
	if err != nil {
		logger.Error("locate documents", "error", err)
		return exitError
	}
	urls := make([]string, 0, len(docs))
	for _, d := range docs {
		urls = append(urls, client.DocumentURL(d))
	}
	if cfg.jsonOut {
		if err := writeJSON(stdout, urls); err != nil {
			logger.Error("write output", "error", err)
			return exitError
		}
	} else {
		renderDocs(stdout, urls)
	}
	if len(urls) == 0 {
		return exitNotFound
	}
	return exitFound
}

func extractLocal(cfg config, stdout io.Writer, logger *slog.Logger) int {
	data, err := os.ReadFile(cfg.pdfPath)
	if err != nil {
		logger.Error("read pdf", "error", err)
		return exitError
	}
	set, found, err := compound.ExtractCompounds(data)
	if err != nil {
		logger.Error("extract", "path", cfg.pdfPath, "error", err)
		return exitError
	}
	if cfg.jsonOut {
		out := struct {
			Path      string             `json:"path"`
			Found     bool               `json:"found"`
			Compounds domain.CompoundSet `json:"compounds,omitempty"`
		}{cfg.pdfPath, found, set}
		if err := writeJSON(stdout, out); err != nil {
			logger.Error("write output", "error", err)
			return exitError
		}
	} else if found {
		fmt.Fprintln(stdout, strings.Join(set.Sorted(), " "))
	} else {
		fmt.Fprintln(stdout, missStyle.Render("no compound selection in "+cfg.pdfPath))
	}
	if !found || set.Len() == 0 {
		return exitNotFound
	}
	return exitFound
}

func serveMetrics(port int, met *metrics.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", met.Handler())
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", port),
		Handler: mid.Chain(mux,
			mid.Recover(logger),
			mid.Logger(logger),
			mid.Count(met),
			mid.OTel("compound-finder"),
		),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()
	logger.Info("metrics server listening", "port", port)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// sinks are the optional places a finished lookup is sent to.
type sinks struct {
	publish  func(ctx context.Context, l domain.Lookup) error
	save     func(ctx context.Context, l domain.Lookup) error
	closers  []func(ctx context.Context)
	log      *slog.Logger
	natsSubj string
}

func openSinks(ctx context.Context, cfg config, logger *slog.Logger) (*sinks, error) {
	s := &sinks{log: logger, natsSubj: cfg.subject}

	if cfg.natsURL != "" {
		nc, err := natsutil.Connect(cfg.natsURL, "compounds", logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) { nc.Close() })
		s.publish = func(ctx context.Context, l domain.Lookup) error {
			return natsutil.PublishSync(ctx, nc, cfg.subject, l)
		}
	}

	if cfg.neo4jURL != "" {
		reg, closeReg, err := openRegistry(ctx, cfg)
		if err != nil {
			s.close(ctx)
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) { closeReg() })
		s.save = reg.SaveLookup
	}
	return s, nil
}

func openRegistry(ctx context.Context, cfg config) (*registry.Registry, func(), error) {
	driver, err := neo4j.NewDriverWithContext(cfg.neo4jURL, neo4j.BasicAuth(cfg.neo4jUser, cfg.neo4jPass, ""))
	if err != nil {
		return nil, nil, fmt.Errorf("neo4j: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, nil, fmt.Errorf("neo4j: %w", err)
	}
	return registry.New(driver), func() { driver.Close(context.Background()) }, nil
}

// showLast prints the recorded lookup of the configured event. An event never
// looked up exits like a lookup that found nothing.
func showLast(ctx context.Context, cfg config, reg *registry.Registry, stdout io.Writer, logger *slog.Logger) int {
	l, ok, err := reg.FindLookup(ctx, cfg.year, cfg.race)
	if err != nil {
		logger.Error("find lookup", "error", err)
		return exitError
	}
	if !ok {
		if cfg.jsonOut {
			fmt.Fprintln(stdout, "null")
		} else {
			fmt.Fprintln(stdout, missStyle.Render(fmt.Sprintf("no recorded lookup for %d %s", cfg.year, cfg.race)))
		}
		return exitNotFound
	}
	if cfg.jsonOut {
		if err := writeJSON(stdout, l); err != nil {
			logger.Error("write output", "error", err)
			return exitError
		}
	} else {
		renderLookup(stdout, l)
		fmt.Fprintln(stdout, dimStyle.Render("looked up "+l.LookedUpAt.Format(time.RFC3339)))
	}
	if !l.Found() {
		return exitNotFound
	}
	return exitFound
}

// watchLookups prints every lookup published on the subject until ctx ends.
func watchLookups(ctx context.Context, cfg config, stdout io.Writer, logger *slog.Logger) int {
	nc, err := natsutil.Connect(cfg.natsURL, "compounds-watch", logger)
	if err != nil {
		logger.Error("connect", "error", err)
		return exitError
	}
	defer nc.Close()

	sub, err := natsutil.Subscribe(nc, cfg.subject, func(_ context.Context, l domain.Lookup) {
		if cfg.jsonOut {
			if err := json.NewEncoder(stdout).Encode(l); err != nil {
				logger.Warn("write output", "error", err)
			}
			return
		}
		renderLookup(stdout, l)
	})
	if err != nil {
		logger.Error("subscribe", "subject", cfg.subject, "error", err)
		return exitError
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		logger.Error("subscribe", "subject", cfg.subject, "error", err)
		return exitError
	}
	logger.Info("watching lookups", "subject", cfg.subject)

	<-ctx.Done()
	return exitFound
}

// record hands l to every configured sink. Sink failures are logged; the
// lookup result stands regardless.
func (s *sinks) record(ctx context.Context, l domain.Lookup) {
	if s.publish != nil {
		if err := s.publish(ctx, l); err != nil {
			s.log.Warn("publish lookup", "subject", s.natsSubj, "error", err)
		}
	}
	if s.save != nil {
		if err := s.save(ctx, l); err != nil {
			s.log.Warn("save lookup", "error", err)
		}
	}
}

func (s *sinks) close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i](ctx)
	}
}
