package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"wtsync.dev/internal/journal"
	"wtsync.dev/internal/relay"
	"wtsync.dev/internal/store"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		dbPath     = flag.String("db", "./data/relay.sqlite", "sqlite database path")
		publicURL  = flag.String("public_url", "", "base url used in share links (default: derived from the request)")
		journalDir = flag.String("journal", "", "directory for the submit journal (empty to disable)")
		prune      = flag.Duration("prune", relay.DefaultPruneInterval, "interval between expired snapshot sweeps")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[wtserver] ", log.LstdFlags|log.Lmicroseconds)

	db, err := store.OpenSQLite(*dbPath)
	if err != nil {
		logger.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var jw *journal.Writer
	if dir := strings.TrimSpace(*journalDir); dir != "" {
		jw = journal.NewWriter(dir, "relay")
		defer jw.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rs, err := relay.New(relay.Config{
		Store:         db,
		PublicURL:     *publicURL,
		PruneInterval: *prune,
		Logger:        logger,
		Journal:       jw,
		Metrics:       relay.NewMetrics(reg),
	})
	if err != nil {
		logger.Fatalf("relay: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	go rs.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/", rs.Handler())
	if envBool("WTSYNC_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		rs.Close()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
