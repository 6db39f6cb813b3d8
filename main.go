package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"url-reputation-scorer/config"
	"url-reputation-scorer/features"
	"url-reputation-scorer/logging"
	"url-reputation-scorer/probes"
	"url-reputation-scorer/scan"
	"url-reputation-scorer/scoring"
	"url-reputation-scorer/web"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (default $CONFIG_FILE)")
	target := flag.String("url", "", "score one URL, print the verdict as JSON and exit")
	featuresOnly := flag.Bool("features", false, "with -url, print the feature vector without scoring")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	logging.Init(cfg.Logging)

	schema := cfg.Features.ActiveSchema()
	scorer := scoring.Load(cfg.Model.Dir, schema, scoring.Thresholds{Phishing: cfg.Model.Threshold})
	set := probes.NewDefaultSet(probes.Options{
		DNSServers:   cfg.Probes.DNSServers,
		DNSTimeout:   cfg.Probes.DNSTimeoutDuration(),
		ProbeTimeout: cfg.Probes.TimeoutDuration(),
		WhoisTimeout: cfg.Probes.WhoisTimeoutDuration(),
		Concurrency:  cfg.Probes.Concurrency,
		RDAPBaseURL:  cfg.Probes.RDAPBaseURL,
		CymruZone:    cfg.Probes.CymruZone,
		CymruZone6:   cfg.Probes.CymruZone6,
		CymruWhois:   cfg.Probes.CymruWhois,
	})

	if *target != "" {
		os.Exit(runOnce(cfg, schema, set, scorer, *target, *featuresOnly))
	}

	asm, err := features.NewAssembler(schema, cfg.Features.InteractivePolicy(), cfg.Features.MedianTable())
	if err != nil {
		log.Fatal().Err(err).Msg("feature assembler")
	}
	if err := serve(cfg, scan.New(set, asm, scorer)); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

// runOnce scores one URL with the single-shot default policy.
func runOnce(cfg *config.Config, schema *features.Schema, set *probes.Set, scorer *scoring.Scorer, raw string, featuresOnly bool) int {
	asm, err := features.NewAssembler(schema, cfg.Features.OneShotPolicy(), cfg.Features.MedianTable())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	scanner := scan.New(set, asm, scorer)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var out any
	if featuresOnly {
		out, err = scanner.Extract(ctx, raw, nil)
	} else {
		out, err = scanner.Scan(ctx, raw, nil)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, features.ErrInvalidURL) {
			return 2
		}
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func serve(cfg *config.Config, scanner *scan.Scanner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter := web.NewLimiter(cfg.RateLimit.Enabled, cfg.RateLimit.RequestsPerSecond,
		cfg.RateLimit.Burst, cfg.RateLimit.ClientExpirationDuration())
	go limiter.StartCleanup(ctx)

	srv, err := web.New(scanner, web.Options{
		Limiter:     limiter,
		Templates:   cfg.Server.Templates,
		ScanTimeout: cfg.Server.ScanTimeoutDuration(),
	})
	if err != nil {
		return fmt.Errorf("templates: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: cfg.Server.ReadTimeoutDuration(),
		ReadTimeout:       cfg.Server.ReadTimeoutDuration(),
	}

	errc := make(chan error, 1)
	go func() {
		errc <- httpSrv.ListenAndServe()
	}()

	l := log.With().Str("component", "web").Logger()
	l.Info().Str("port", cfg.Server.Port).Msg("url-reputation-scorer listening")
	l.Info().Msg("  GET  /             - scan form")
	l.Info().Msg("  POST /scan         - form scan (HTML)")
	l.Info().Msg("  POST /api/scan     - JSON scan")
	l.Info().Msg("  POST /api/features - features without scoring")
	l.Info().Msg("  GET  /ws           - WebSocket scan with progress")
	if err := scanner.Available(); err != nil {
		l.Warn().Err(err).Msg("scans will fail until model artifacts are installed")
	}

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	l.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
