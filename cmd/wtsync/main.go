package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"wtsync.dev/internal/catalogs"
	"wtsync.dev/internal/config"
	"wtsync.dev/internal/display"
	"wtsync.dev/internal/identity"
	"wtsync.dev/internal/journal"
	"wtsync.dev/internal/protocol"
	"wtsync.dev/internal/remote"
	"wtsync.dev/internal/resolver"
	"wtsync.dev/internal/session"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "watch":
			watchCmd(os.Args[2:])
			return
		case "push":
			pushCmd(os.Args[2:])
			return
		case "share":
			shareCmd(os.Args[2:])
			return
		case "resolve":
			resolveCmd(os.Args[2:])
			return
		case "journal":
			journalCmd(os.Args[2:])
			return
		}
	}
	fmt.Fprintln(os.Stderr, "usage: wtsync <watch|push|share|resolve|journal> [flags]")
	os.Exit(2)
}

type runtime struct {
	cfg     config.Config
	cats    *catalogs.Catalogs
	logger  *log.Logger
	journal *journal.Writer
	client  *remote.Client
	sched   *remote.Scheduler
	host    *fileHost
	sess    *session.Session
}

func setup(configPath, snapshotPath string) *runtime {
	logger := log.New(os.Stderr, "[wtsync] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	cats, err := catalogs.Load(cfg.CatalogDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "catalogs:", err)
		os.Exit(1)
	}
	var jw *journal.Writer
	if cfg.JournalDir != "" {
		jw = journal.NewWriter(cfg.JournalDir, "wtsync")
	}
	client, err := remote.NewClient(remote.ClientConfig{BaseURL: cfg.ServerURL})
	if err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
	sched := remote.NewScheduler(remote.SchedulerConfig{
		Client:      client,
		QuietPeriod: cfg.QuietPeriod.Std(),
		Anonymous:   cfg.Anonymous,
		Logger:      logger,
		Journal:     jw,
	})
	host := newFileHost(configPath, snapshotPath, cfg, logger)

	sorters := display.NewSorters()
	sess, err := session.New(session.Config{
		Local:         host,
		Members:       host,
		Catalogs:      cats,
		Poster:        sched,
		Sharer:        client,
		NewFeed:       session.FeedDialer(cfg.ServerURL, "", logger, jw),
		Sorters:       sorters,
		Filter:        cfg.FilterState(),
		Sort:          cfg.SortSpec(),
		NameFormat:    identity.NameFormat(cfg.NameFormat),
		AcceptedTerms: cfg.AcceptedTerms,
		DestroyDelay:  cfg.DestroyDelay.Std(),
		PingInterval:  cfg.PingInterval.Std(),
		Logger:        logger,
		Journal:       jw,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "session:", err)
		os.Exit(1)
	}
	return &runtime{cfg: cfg, cats: cats, logger: logger, journal: jw, client: client, sched: sched, host: host, sess: sess}
}

// shutdown flushes queued submissions before closing everything.
func (rt *runtime) shutdown(wait time.Duration) {
	rt.sess.Dispose()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := rt.sched.WaitIdle(ctx); err != nil {
		rt.logger.Printf("pending submissions abandoned: %v", err)
	}
	rt.sched.Close()
	if rt.journal != nil {
		_ = rt.journal.Close()
	}
}

func watchCmd(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "wtsync.yaml", "config path")
	snapshotPath := fs.String("snapshot", "self.json", "local snapshot file")
	interval := fs.Duration("interval", time.Second, "tick interval")
	_ = fs.Parse(args)

	rt := setup(*configPath, *snapshotPath)
	if !rt.cfg.AcceptedTerms {
		rt.logger.Printf("accepted_terms is false: local status will not be uploaded")
	}
	ctx, cancel := signalContext()
	defer cancel()

	rt.sess.Login()
	rt.sess.Open()

	last := ""
	t := time.NewTicker(*interval)
	defer t.Stop()
	for {
		if rt.host.poll() {
			rt.sess.SendUpdate(false)
		}
		rt.sess.Tick(time.Now())
		if out := render(rt.sess, rt.cfg); out != last {
			last = out
			fmt.Println(out)
		}
		select {
		case <-ctx.Done():
			rt.sess.Close()
			rt.shutdown(5 * time.Second)
			return
		case <-t.C:
		}
	}
}

func pushCmd(args []string) {
	fs := flag.NewFlagSet("push", flag.ExitOnError)
	configPath := fs.String("config", "wtsync.yaml", "config path")
	snapshotPath := fs.String("snapshot", "self.json", "local snapshot file")
	logout := fs.Bool("logout", false, "erase the local identity from the server instead")
	_ = fs.Parse(args)

	rt := setup(*configPath, *snapshotPath)
	id, ok := rt.host.LocalIdentity()
	if !ok {
		fmt.Fprintln(os.Stderr, "missing host.name in config")
		os.Exit(2)
	}
	if *logout {
		rt.sched.HandleLogout([]protocol.Identity{id})
	} else {
		if !rt.cfg.AcceptedTerms {
			fmt.Fprintln(os.Stderr, "accepted_terms is false in config")
			os.Exit(2)
		}
		rt.sess.SendUpdate(true)
	}
	rt.shutdown(rt.cfg.QuietPeriod.Std() + 10*time.Second)
	if e := rt.sched.LastError(); e != "" {
		fmt.Fprintln(os.Stderr, "push failed:", e)
		os.Exit(1)
	}
	fmt.Println("ok", id)
}

func shareCmd(args []string) {
	fs := flag.NewFlagSet("share", flag.ExitOnError)
	configPath := fs.String("config", "wtsync.yaml", "config path")
	_ = fs.Parse(args)

	rt := setup(*configPath, "")
	defer rt.shutdown(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	url, err := rt.sess.Share(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(url)
}

func resolveCmd(args []string) {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	catalogDir := fs.String("configs", "./configs", "catalog directory")
	id := fs.Uint("id", 0, "descriptor id (0 lists every descriptor)")
	_ = fs.Parse(args)

	cats, err := catalogs.Load(*catalogDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "catalogs:", err)
		os.Exit(1)
	}
	res := resolver.New(cats)
	ids := []uint32{uint32(*id)}
	if *id == 0 {
		ids = cats.Descriptors.IDs()
	}
	for _, did := range ids {
		r := res.ResolveID(did)
		d, _ := cats.Descriptor(did)
		fmt.Printf("%d\t%s\t%s\tLv. %d-%d\n", did, resolver.Kind(d.Kind), d.Text, r.MinLevel, r.MaxLevel)
		for _, a := range r.Activities {
			fmt.Printf("\t%s (Lv. %d)\n", a.Name, a.EffectiveLevel())
		}
	}
}

func journalCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	file := fs.String("file", "", "journal file to dump")
	dir := fs.String("dir", "", "list journal files in this directory")
	prefix := fs.String("prefix", "wtsync", "journal file prefix for -dir")
	kind := fs.String("kind", "", "only show entries of this kind")
	_ = fs.Parse(args)

	if *dir != "" {
		files, err := journal.Files(*dir, *prefix)
		if err != nil {
			fmt.Fprintln(os.Stderr, "list:", err)
			os.Exit(1)
		}
		for _, f := range files {
			fmt.Println(f)
		}
		return
	}
	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(os.Stderr, "missing -file or -dir")
		os.Exit(2)
	}
	entries, err := journal.ReadAll(*file)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, e := range entries {
		if *kind != "" && e.Kind != *kind {
			continue
		}
		_ = enc.Encode(e)
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
