package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prappser/prappser_uploader/internal"
	"github.com/prappser/prappser_uploader/internal/api"
	"github.com/prappser/prappser_uploader/internal/auth"
	"github.com/prappser/prappser_uploader/internal/channel"
	"github.com/prappser/prappser_uploader/internal/devbackend"
	"github.com/prappser/prappser_uploader/internal/health"
	"github.com/prappser/prappser_uploader/internal/ledger"
	"github.com/prappser/prappser_uploader/internal/pipeline"
	"github.com/prappser/prappser_uploader/internal/progressview"
	"github.com/prappser/prappser_uploader/internal/session"
	"github.com/prappser/prappser_uploader/internal/status"
	"github.com/prappser/prappser_uploader/internal/storage"
	"github.com/prappser/prappser_uploader/internal/transport"
	"github.com/prappser/prappser_uploader/internal/watch"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/valyala/fasthttp"
)

const version = "1.0.0"

const usage = `usage: prappser_uploader <command> [flags]

commands:
  upload <file>   upload one video and follow it until processing finishes
  watch           upload every video dropped into a folder
  devbackend      run a local stand-in for the video backend
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch command, args := os.Args[1], os.Args[2:]; command {
	case "upload":
		err = runUpload(ctx, args)
	case "watch":
		err = runWatch(ctx, args)
	case "devbackend":
		err = runDevBackend(ctx, args)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		os.Exit(2)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal().Err(err).Msg("Exiting")
	}
}

type commonFlags struct {
	configPath string
	token      string
	statusAddr string
}

func newFlagSet(name string, common *commonFlags) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.StringVarP(&common.configPath, "config", "c", "", "config file (default "+internal.DefaultConfigFile+" when present)")
	flags.StringVar(&common.token, "token", "", "bearer token, overrides api.token")
	flags.StringVar(&common.statusAddr, "status-addr", "", "serve /health, /status and /metrics on this address")
	return flags
}

func loadConfig(common *commonFlags) (*internal.Config, error) {
	config, err := internal.LoadConfig(common.configPath)
	if err != nil {
		return nil, err
	}
	if common.token != "" {
		config.API.Token = common.token
	}
	if common.statusAddr != "" {
		config.Status.Addr = common.statusAddr
	}
	setupLogging(config.Log)
	return config, nil
}

func setupLogging(config internal.LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(config.Level))
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if config.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}
}

// uploader is everything one process needs to push videos through the
// pipeline. There is exactly one push channel per process.
type uploader struct {
	machine *pipeline.Machine
	push    *channel.Client
	view    *progressview.Renderer
}

func newUploader(ctx context.Context, config *internal.Config) *uploader {
	token := auth.NewTokenSession(config.API.Token)
	if !token.IsAuthenticated() {
		log.Warn().Msg("No valid bearer token configured, uploads will be rejected")
	}

	httpClient := &fasthttp.Client{Name: "prappser-uploader"}
	apiClient := api.NewClient(config.APIClient(), token, httpClient)
	uploads := transport.New(transport.NewClient(config.Upload.TransportTimeout))

	push := channel.NewClient(config.PushChannel(), token, nil)
	push.Start(ctx)

	machine := pipeline.NewMachine(config.Pipeline(), apiClient, uploads, apiClient, push)
	view := progressview.New(os.Stdout)
	machine.OnChange(view.Render)
	go machine.Listen(ctx, push.Events())

	if config.Status.Addr != "" {
		server := status.NewServer(config.Status.Addr, version, machine, health.Check{
			Name: "channel",
			Fn: func() error {
				pingCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
				defer cancel()
				_, err := push.SessionID(pingCtx)
				return err
			},
		})
		go func() {
			if err := server.ListenAndServe(ctx); err != nil {
				log.Error().Err(err).Msg("[STATUS] Status server stopped")
			}
		}()
	}

	return &uploader{machine: machine, push: push, view: view}
}

func (u *uploader) Close() {
	u.view.Finish()
	u.push.Close()
}

func runUpload(ctx context.Context, args []string) error {
	var common commonFlags
	flags := newFlagSet("upload", &common)
	title := flags.String("title", "", "video title (defaults to the file name)")
	description := flags.String("description", "", "video description")
	category := flags.String("category", "", "video category")
	tags := flags.String("tags", "", "comma separated tags")
	visibility := flags.String("visibility", "", "public, private or unlisted")
	noComments := flags.Bool("no-comments", false, "disable comments")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("upload needs exactly one file")
	}

	config, err := loadConfig(&common)
	if err != nil {
		return err
	}

	file, err := session.OpenLocalFile(flags.Arg(0))
	if err != nil {
		return err
	}

	defaults := config.FormDefaults()
	form := session.New()
	form.SelectFile(file)
	if *title != "" {
		form.Title = *title
	}
	form.Description = firstNonEmpty(*description, defaults.Description)
	form.Category = firstNonEmpty(*category, defaults.Category)
	form.Tags = firstNonEmpty(*tags, defaults.Tags)
	if v := firstNonEmpty(*visibility, string(defaults.Visibility)); v != "" {
		form.Visibility = session.Visibility(v)
	}
	form.AllowComments = defaults.AllowComments && !*noComments

	u := newUploader(ctx, config)
	defer u.Close()

	snapshot, err := u.machine.Run(ctx, form.Snapshot())
	if err != nil {
		return err
	}
	log.Info().
		Str("videoId", snapshot.Target.VideoID).
		Str("key", snapshot.Target.Key).
		Msg("Upload complete")
	return nil
}

func runWatch(ctx context.Context, args []string) error {
	var common commonFlags
	flags := newFlagSet("watch", &common)
	dir := flags.String("dir", "", "folder to watch, overrides watch.dir")
	scan := flags.Bool("scan", false, "also upload videos already in the folder")
	if err := flags.Parse(args); err != nil {
		return err
	}

	config, err := loadConfig(&common)
	if err != nil {
		return err
	}
	if *dir != "" {
		config.Watch.Dir = *dir
	}
	if *scan {
		config.Watch.ScanExisting = true
	}
	if config.Watch.Dir == "" {
		return errors.New("no folder to watch, set --dir or watch.dir")
	}

	var seen ledger.Ledger = ledger.NewMemoryLedger()
	if config.Ledger.RedisAddr != "" {
		redisLedger, err := ledger.NewRedisLedger(ctx, config.RedisLedger())
		if err != nil {
			return err
		}
		seen = redisLedger
	}
	defer seen.Close()

	u := newUploader(ctx, config)
	defer u.Close()

	watcher := watch.New(config.Watcher(), watch.NewPipelineUploader(u.machine, config.FormDefaults()), seen)
	return watcher.Run(ctx)
}

func runDevBackend(ctx context.Context, args []string) error {
	var common commonFlags
	flags := newFlagSet("devbackend", &common)
	addr := flags.String("addr", "", "listen address, overrides devbackend.addr")
	if err := flags.Parse(args); err != nil {
		return err
	}

	config, err := loadConfig(&common)
	if err != nil {
		return err
	}
	if *addr != "" {
		config.DevBackend.Addr = *addr
	}

	store, err := storage.NewBackend(config.BlobStore())
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Info().Str("type", config.Storage.Type).Msg("Storage initialized")

	return devbackend.New(config.Backend(version), store).ListenAndServe(ctx)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
