package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/openmusicplayer/mediafetch/internal/app"
	"github.com/openmusicplayer/mediafetch/internal/auth"
	"github.com/openmusicplayer/mediafetch/internal/catalog"
	"github.com/openmusicplayer/mediafetch/internal/config"
	"github.com/openmusicplayer/mediafetch/internal/download"
	"github.com/openmusicplayer/mediafetch/internal/validators"
)

const usage = `usage:
  mediafetch [flags] <track|video|album|playlist|mix> <id>
  mediafetch [flags] <share link | type/id>
  mediafetch token [--client name] [--scope read|write] [--ttl 24h]

flags:
`

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		os.Exit(runToken(os.Args[2:]))
	}
	os.Exit(runFetch(os.Args[1:]))
}

func runToken(args []string) int {
	fs := pflag.NewFlagSet("token", pflag.ExitOnError)
	configPath := fs.String("config", os.Getenv("MEDIAFETCH_CONFIG"), "path to a YAML config file")
	client := fs.String("client", "cli", "client name embedded in the token")
	scope := fs.String("scope", auth.ScopeWrite, "granted scope: read or write")
	ttl := fs.Duration("ttl", auth.DefaultTokenExpiry, "token lifetime")
	fs.Parse(args)

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.APITokenSecret == "" {
		fmt.Fprintln(os.Stderr, "api_token_secret is not configured")
		return 1
	}

	resp, err := auth.NewService(cfg.APITokenSecret).Issue(*client, []string{*scope}, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(resp.AccessToken)
	return 0
}

func runFetch(args []string) int {
	fs := pflag.NewFlagSet("mediafetch", pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	configPath := fs.StringP("config", "c", os.Getenv("MEDIAFETCH_CONFIG"), "path to a YAML config file")
	manifest := fs.StringP("manifest", "m", "", "resolve from a JSON manifest instead of the catalog API")
	quiet := fs.BoolP("quiet", "q", false, "only print the final summary")
	// Named after config keys; set values override the file and environment.
	fs.StringP("download-dir", "d", "", "download directory")
	fs.IntP("worker-count", "w", 3, "concurrent transfers")
	fs.StringP("skip-existing", "s", "exact", "skip-existing mode: disabled, exact, extension_ignore, append")
	fs.Bool("transliterate-paths", false, "strip diacritics from file and directory names")
	fs.Bool("write-tags", true, "write track metadata into .m4a and .mp4 files")
	fs.String("file-template", "", "path template, e.g. {artist_name}/{album_title}/{track_title}")
	fs.Parse(args)

	var (
		mediaType catalog.MediaType
		mediaID   string
		err       error
	)
	switch fs.NArg() {
	case 1:
		mediaType, mediaID, err = validators.Parse(fs.Arg(0))
	case 2:
		mediaType, err = catalog.ParseMediaType(fs.Arg(0))
		mediaID = fs.Arg(1)
	default:
		fs.Usage()
		return 2
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := config.LoadWithFlags(*configPath, fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.LogLevel == "info" {
		cfg.LogLevel = "warn"
	}
	// Partial files carry resume state across runs; the job store belongs
	// to the daemon.
	cfg.PersistJobState = false

	opts := app.Options{NoRestore: true}
	if *manifest != "" {
		opts.Resolver, err = catalog.LoadStatic(*manifest)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.Shutdown(shutdownCtx)
	}()

	a.Orchestrator.Start()

	batchID, err := a.Orchestrator.Submit(ctx, download.Request{Type: mediaType, ID: mediaID})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	sub := a.Orchestrator.Progress().Subscribe(batchID, 256)
	defer sub.Close()
	if !*quiet {
		go printEvents(sub)
	}

	summary, err := a.Orchestrator.Wait(ctx, batchID)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "\ninterrupted; rerun the same command to resume")
		return 130
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	fmt.Printf("done: %d downloaded, %d skipped, %d failed (%s)\n",
		summary.Done-summary.Skipped, summary.Skipped, summary.Failed, formatBytes(summary.CompletedBytes))
	if summary.Failed > 0 {
		return 1
	}
	return 0
}

func printEvents(sub *download.Subscription) {
	for ev := range sub.C() {
		job := ev.Job
		if !job.IsTerminal() {
			continue
		}
		name := job.Asset.Title
		if name == "" {
			name = job.DestinationPath
		}
		switch {
		case job.Skipped:
			fmt.Printf("[%d/%d] skipped  %s\n", ev.Batch.Done+ev.Batch.Failed, ev.Batch.Total, name)
		case job.Status == download.StatusDone:
			fmt.Printf("[%d/%d] done     %s\n", ev.Batch.Done+ev.Batch.Failed, ev.Batch.Total, name)
		default:
			fmt.Printf("[%d/%d] failed   %s: %s\n", ev.Batch.Done+ev.Batch.Failed, ev.Batch.Total, name, job.Reason)
		}
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
