package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func run() error {
	var args cliArgs
	cliCtx := kong.Parse(
		&args,
		kong.Name("avatarcrop"),
		kong.Description("Compose circular avatar crops from arbitrary images."),
		kong.UsageOnError(),
	)
	if err := cliCtx.Run(&args.globals); err != nil {
		return err
	}

	return nil
}

type globals struct {
	Config  string `help:"YAML configuration file" type:"path"`
	Verbose bool   `help:"Enable verbose logging" default:"false"`
}

// setup configures logging and returns the loaded configuration plus a
// context that is cancelled on interrupt.
func (g *globals) setup() (context.Context, context.CancelFunc, Config, error) {
	level := zerolog.InfoLevel
	if g.Verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Output(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
	})).Level(level)
	zerolog.DefaultContextLogger = &log.Logger

	cfg, err := LoadConfig(g.Config)
	if err != nil {
		return nil, nil, Config{}, err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	ctx = log.Logger.WithContext(ctx)
	return ctx, cancel, cfg, nil
}

type serveCmd struct {
	RootDir   string `arg:"" help:"Root directory to pick source images from"`
	OutputDir string `help:"Directory for saved avatars (default: <root>/output)" type:"path"`
	Addr      string `help:"Listen address (default: random localhost port)"`
	Open      bool   `help:"Open the browser automatically when the server starts" default:"true" negatable:""`
	Once      bool   `help:"Exit after the first saved avatar" default:"false"`
}

func (cmd *serveCmd) Run(g *globals) error {
	ctx, cancel, cfg, err := g.setup()
	if err != nil {
		return err
	}
	defer cancel()

	rasterizer, err := NewRasterizer(cfg.Interpolation, cfg.MaxSurface)
	if err != nil {
		return err
	}
	outputDir := cmd.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join(cmd.RootDir, "output")
	}
	writer := ArtifactWriter{Dir: outputDir}

	sessions := NewSessionManager(SessionManagerConfig{
		Crop:       cfg.CropConfig(),
		Loader:     NewSourceLoader(cmd.RootDir, cfg.MaxSourceBytes, cfg.FetchTimeout),
		Rasterizer: rasterizer,
		OnComplete: func(ctx context.Context, id string, artifact CropArtifact) (string, error) {
			path, err := writer.Write(ctx, artifact)
			if err != nil {
				return "", err
			}
			if cmd.Once {
				cancel()
			}
			return path, nil
		},
	})
	defer sessions.Close()

	app := NewWebApp(WebConfig{
		RootDir:  cmd.RootDir,
		Addr:     cmd.Addr,
		Crop:     cfg.CropConfig(),
		Sessions: sessions,
		OnBeforeShutdown: func() {
			log.Ctx(ctx).Info().Msg("Shutting down web application...")
		},
		OnReady: func(addr string) {
			log.Ctx(ctx).Info().Msgf("Server started at %s", addr)
			if cmd.Open {
				if err := openBrowser(addr); err != nil {
					log.Error().Err(err).Msg("Failed to open browser")
				}
			}
		},
	})

	if err := app.Run(ctx); err != nil {
		return err
	}

	return nil
}

type cropCmd struct {
	Source   string  `arg:"" help:"Image file, http(s) URL or data URL"`
	Out      string  `short:"o" help:"Output PNG path (default: <file-name> in the current directory)" type:"path"`
	Zoom     float64 `help:"Zoom factor" default:"1"`
	X        float64 `help:"Horizontal pan in percent (0 = left edge, 100 = right edge)" default:"50"`
	Y        float64 `help:"Vertical pan in percent (0 = top edge, 100 = bottom edge)" default:"50"`
	FileName string  `help:"Name embedded in the artifact"`
	DataURL  bool    `name:"data-url" help:"Print the data URL to stdout instead of writing a file"`
	JSON     bool    `help:"Print artifact metadata as JSON"`
}

func (cmd *cropCmd) Run(g *globals) error {
	ctx, cancel, cfg, err := g.setup()
	if err != nil {
		return err
	}
	defer cancel()

	rasterizer, err := NewRasterizer(cfg.Interpolation, cfg.MaxSurface)
	if err != nil {
		return err
	}
	rootDir, source := ".", cmd.Source
	if isFileSource(source) {
		abs, err := filepath.Abs(source)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", source, err)
		}
		rootDir, source = filepath.Dir(abs), filepath.Base(abs)
	}
	loader := NewSourceLoader(rootDir, cfg.MaxSourceBytes, cfg.FetchTimeout)
	src, err := loader.Load(ctx, source)
	if err != nil {
		return err
	}

	fileName := cmd.FileName
	if fileName == "" {
		fileName = cfg.FileName
	}
	state := CropState{Zoom: cmd.Zoom, Position: Position{X: cmd.X, Y: cmd.Y}}
	artifact, err := rasterizer.Rasterize(ctx, src, cfg.CropConfig(), state, fileName)
	if err != nil {
		return err
	}

	switch {
	case cmd.DataURL:
		fmt.Println(artifact.DataURL)
	case cmd.Out != "":
		if err := os.WriteFile(cmd.Out, artifact.File.Data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", cmd.Out, err)
		}
		log.Ctx(ctx).Info().Str("path", cmd.Out).Int("bytes", artifact.File.Size()).Msg("artifact saved")
	default:
		if _, err := (ArtifactWriter{Dir: "."}).Write(ctx, artifact); err != nil {
			return err
		}
	}

	if cmd.JSON {
		return printJSON(artifact)
	}
	return nil
}

type cliArgs struct {
	globals

	Serve serveCmd `cmd:"" default:"withargs" help:"Serve the interactive crop dialog"`
	Crop  cropCmd  `cmd:"" help:"Crop a single image without the dialog"`
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
