// Command vodhound runs the audio fingerprint search engine. The serve
// subcommand starts the HTTP daemon; ingest backfills the index from a local
// WAV file; search matches a clip from the command line.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mkrz/vodhound/internal/align"
	"github.com/mkrz/vodhound/internal/api"
	"github.com/mkrz/vodhound/internal/config"
	"github.com/mkrz/vodhound/internal/embed"
	"github.com/mkrz/vodhound/internal/ingest"
	"github.com/mkrz/vodhound/internal/log"
	"github.com/mkrz/vodhound/internal/media"
	"github.com/mkrz/vodhound/internal/monitor"
	"github.com/mkrz/vodhound/internal/persistence/sqlite"
	"github.com/mkrz/vodhound/internal/search"
	"github.com/mkrz/vodhound/internal/source"
	"github.com/mkrz/vodhound/internal/store"
	"github.com/mkrz/vodhound/internal/twitch"
	"github.com/mkrz/vodhound/internal/vector"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	log.Configure(log.Config{
		Level:   envOr("VODHOUND_LOG_LEVEL", "info"),
		Service: "vodhound",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "ingest":
		err = runIngest(ctx, os.Args[2:])
	case "search":
		err = runSearch(ctx, os.Args[2:])
	case "version", "-version", "--version":
		fmt.Printf("vodhound %s (commit: %s, built: %s)\n", version, commit, buildDate)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		mlog := log.WithComponent("main")
		mlog.Fatal().Err(err).Str("command", os.Args[1]).Msg("command failed")
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: vodhound <command> [flags]

commands:
  serve    start the HTTP daemon (monitor + search API)
  ingest   index a local WAV file
  search   match a clip against the index
  version  print version`)
}

// engine bundles the shared storage and pipeline services.
type engine struct {
	cfg     *config.Config
	store   *store.Store
	vectors *vector.Store
	emb     embed.Embedder
	ext     *media.Extractor
	svc     *search.Service
}

func buildEngine(cfg *config.Config) (*engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if _, err := os.Stat(cfg.DBPath()); err == nil {
		diags, err := sqlite.VerifyIntegrity(cfg.DBPath(), "quick")
		if err != nil {
			return nil, fmt.Errorf("metadata database verification: %w", err)
		}
		if len(diags) > 0 {
			return nil, fmt.Errorf("metadata database failed integrity check: %s", strings.Join(diags, "; "))
		}
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	vecs := vector.NewStore(cfg.VectorPath(), cfg.IDPath())
	emb, err := embed.NewProgram(cfg.EmbedderCmd)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	ext := media.NewExtractor(cfg.FFmpegPath, cfg.MediaURLerPath)

	svc := &search.Service{
		Store:    st,
		Vectors:  vecs,
		Embedder: emb,
		Matcher:  vector.NewMatcher(cfg.TopK),
		Engine: align.NewEngine(align.Config{
			MinVoteCount: cfg.MinVoteCount,
			MinVoteRatio: cfg.MinVoteRatio,
		}, st),
		Conv:    ext,
		TempDir: cfg.TempSearchDir(),
	}
	return &engine{cfg: cfg, store: st, vectors: vecs, emb: emb, ext: ext, svc: svc}, nil
}

func (e *engine) Close() { _ = e.store.Close() }

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	rateLimit := fs.Int("rate-limit", 120, "max requests per client IP per minute, 0 disables")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg := config.Load()
	logger := log.WithComponent("serve")

	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	// Overhang means a crash landed between a fingerprint commit and the
	// vector append; those rows stay unmatched until their window re-ingests.
	if maxID, err := eng.store.MaxFingerprintID(ctx); err == nil {
		if overhang, err := eng.vectors.UnindexedOverhang(maxID); err == nil && overhang > 0 {
			logger.Warn().Int64("fingerprints", overhang).Msg("unindexed fingerprint overhang detected")
		}
	}

	var client *twitch.Client
	if err := cfg.ValidateForMonitor(); err == nil {
		client, err = twitch.New(cfg.TwitchClientID, cfg.TwitchClientSecret)
		if err != nil {
			return err
		}
	} else {
		logger.Warn().Err(err).Msg("live monitor disabled")
	}
	mon := monitor.New(*cfg, eng.store, eng.vectors, eng.emb, client, eng.ext)

	router := api.NewRouter(api.Deps{
		Store:   eng.store,
		Monitor: mon,
		Search: &search.Manager{
			Service:   eng.svc,
			Gate:      mon,
			UploadDir: cfg.TempUploadDir(),
		},
		RateLimitRPM: *rateLimit,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Str("version", version).Msg("starting vodhound")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mon.Stop(shutdownCtx)
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info().Msg("server exiting")
	return err
}

func runIngest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	file := fs.String("file", "", "path to a WAV file to index")
	title := fs.String("title", "", "title for the indexed video (defaults to the file name)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("ingest: -file is required")
	}
	cfg := config.Load()

	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	src, err := source.NewWAVFile(source.WAVFileConfig{
		Path:         *file,
		Title:        *title,
		ChunkSeconds: cfg.ChunkSeconds,
		TempDir:      cfg.TempLiveDir(),
	}, eng.store, eng.ext)
	if err != nil {
		return err
	}

	session := &ingest.Session{
		Source:   src,
		Embedder: eng.emb,
		Store:    eng.store,
		Vectors:  eng.vectors,
	}
	if err := session.Run(ctx); err != nil {
		return err
	}
	ilog := log.WithComponent("ingest")
	ilog.Info().Str("file", *file).Int64("video_id", src.VideoID()).
		Msg("file indexed")
	return nil
}

func runSearch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	file := fs.String("file", "", "path to the clip to match")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("search: -file is required")
	}
	cfg := config.Load()

	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	resp, err := eng.svc.SearchFile(ctx, *file)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
