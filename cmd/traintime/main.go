// Package main provides the traintime service: it ingests the Network
// Rail TRUST feed, maintains train runs, movements and positions, and
// serves the merged map data over HTTP.
//
// Usage:
//
//	traintime <command> [options]
//
// Commands:
//
//	serve         Connect to the feed, drain it in cycles and serve the API.
//	import        Import the CORPUS and BPLAN reference extracts.
//	merge         Rebuild the merged train and rail table once.
//	fetch-corpus  Download the CORPUS reference archive.
//
// All commands read the YAML configuration named by -config
// (default: config.yml). Credentials can be overridden through
// TRAINTIME_FEED_USERNAME, TRAINTIME_FEED_PASSWORD,
// TRAINTIME_POSTGRES_PASSWORD, TRAINTIME_CLICKHOUSE_PASSWORD,
// TRAINTIME_CORPUS_USERNAME and TRAINTIME_CORPUS_PASSWORD.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/JacX808/TimathyTrainTime/internal/api"
	"github.com/JacX808/TimathyTrainTime/internal/config"
	"github.com/JacX808/TimathyTrainTime/internal/ingest"
	"github.com/JacX808/TimathyTrainTime/internal/merge"
	"github.com/JacX808/TimathyTrainTime/internal/openrail"
	"github.com/JacX808/TimathyTrainTime/internal/publish"
	"github.com/JacX808/TimathyTrainTime/internal/railref"
	"github.com/JacX808/TimathyTrainTime/internal/storage"
	"github.com/JacX808/TimathyTrainTime/internal/trust"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "import":
		err = runImport(os.Args[2:])
	case "merge":
		err = runMerge(os.Args[2:])
	case "fetch-corpus":
		err = runFetchCorpus(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: traintime <serve|import|merge|fetch-corpus> [-config config.yml]")
}

// app bundles what every command needs once the config is loaded.
type app struct {
	cfg *config.AppConfig
	log *zap.SugaredLogger
	db  *storage.DB
}

func setup(ctx context.Context, args []string, name string) (*app, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "config.yml", "path to the YAML configuration")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Log.Mode)
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(ctx, cfg.Storage())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return &app{cfg: cfg, log: logger.Sugar(), db: db}, nil
}

func newLogger(mode string) (*zap.Logger, error) {
	if mode == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func (a *app) close() {
	_ = a.log.Sync()
	if err := a.db.Close(); err != nil {
		a.log.Errorw("close storage", "error", err)
	}
}

func runServe(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, args, "serve")
	if err != nil {
		return err
	}
	defer a.close()

	dispatcher := trust.NewDispatcher(a.db.Store, a.log)
	merger := merge.NewEngine(a.db.Store, a.log)
	importer := railref.NewImporter(a.db.Store, a.log)

	if a.cfg.NATS.Enabled {
		pub, err := publish.Connect(a.cfg.Publisher(), a.log)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer pub.Close()
		dispatcher.OnMovement = pub.Movement
	}

	receiver := openrail.NewReceiver(a.cfg.Receiver(), nil, a.log)
	receiver.Start(ctx)
	defer receiver.RequestStop()

	service := ingest.NewService(ingest.Config{
		Topics:          a.cfg.OpenRail.Topics,
		MaxMessages:     a.cfg.Ingest.MaxMessages,
		MaxSeconds:      a.cfg.Ingest.MaxSeconds,
		MergeAfterCycle: a.cfg.Ingest.MergeAfterCycle,
		RetentionDays:   a.cfg.Ingest.RetentionDays,
	}, receiver, dispatcher, merger, a.db.Store, a.db.Archive, a.log)

	// A typed nil *storage.Archive must not reach the interface field.
	var archive api.ArchiveReader
	if a.db.Archive != nil {
		archive = a.db.Archive
	}

	server := api.NewServer(api.Config{
		Addr:       a.cfg.HTTP.Addr,
		Topics:     a.cfg.OpenRail.Topics,
		CorpusPath: a.cfg.Reference.CorpusPath,
		BPlanPath:  a.cfg.Reference.BPlanPath,
		DataDir:    a.cfg.Reference.DataDir,
		Download:   a.cfg.CorpusDownload(),
	}, a.db.Store, merger, importer, receiver, archive, a.log)

	httpErr := make(chan error, 1)
	go func() { httpErr <- server.Run() }()

	ingestErr := make(chan error, 1)
	go func() { ingestErr <- service.Run(ctx) }()

	select {
	case <-ctx.Done():
		a.log.Infow("shutting down")
		return nil
	case err := <-httpErr:
		return fmt.Errorf("http server: %w", err)
	case err := <-ingestErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("ingest: %w", err)
	}
}

func runImport(args []string) error {
	ctx := context.Background()
	a, err := setup(ctx, args, "import")
	if err != nil {
		return err
	}
	defer a.close()

	importer := railref.NewImporter(a.db.Store, a.log)
	inserted, err := importer.ImportRailLocations(ctx,
		a.cfg.Reference.CorpusPath, a.cfg.Reference.BPlanPath)
	if err != nil {
		return err
	}
	lite, err := importer.ImportRailLocationLite(ctx)
	if err != nil {
		return err
	}
	a.log.Infow("import complete", "locations", inserted, "lite", lite)
	return nil
}

func runMerge(args []string) error {
	ctx := context.Background()
	a, err := setup(ctx, args, "merge")
	if err != nil {
		return err
	}
	defer a.close()

	res, err := merge.NewEngine(a.db.Store, a.log).MergeTrainAndRail(ctx)
	if err != nil {
		return err
	}
	a.log.Infow("merge complete", "inserted", res.Inserted)
	return nil
}

func runFetchCorpus(args []string) error {
	ctx := context.Background()
	a, err := setup(ctx, args, "fetch-corpus")
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.Reference.CorpusURL == "" {
		return fmt.Errorf("no corpus url configured")
	}
	if err := os.MkdirAll(a.cfg.Reference.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	dest := filepath.Join(a.cfg.Reference.DataDir, "corpus.json")
	path, err := railref.DownloadReferenceArchive(ctx, a.cfg.CorpusDownload(), dest)
	if err != nil {
		return err
	}
	a.log.Infow("corpus downloaded", "path", path)
	return nil
}
