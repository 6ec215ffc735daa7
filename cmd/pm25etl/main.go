package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	_ "modernc.org/sqlite"

	"github.com/lox/pm25etl/internal/notify"
	"github.com/lox/pm25etl/internal/pipeline"
)

var cli struct {
	APIKey     string `env:"PM25_API_KEY" help:"Access token for the air-quality API."`
	BaseURL    string `default:"https://data.moenv.gov.tw/api/v2/aqx_p_322" help:"Upstream dataset URL."`
	RawDir     string `default:"data/raw" help:"Directory for raw snapshots."`
	CleanedDir string `default:"data/cleaned" help:"Directory for the cleaned dataset."`
	DB         string `default:"db/pm25.sqlite" help:"Path to the SQLite store."`
	Schema     string `default:"db/schema.sql" help:"Path to the schema definition."`
	Debug      bool   `help:"Enable debug logging."`

	SMTPHost string `env:"SMTP_HOST" help:"SMTP host for failure notifications."`
	SMTPPort int    `env:"SMTP_PORT" default:"587"`
	SMTPUser string `env:"SMTP_USER"`
	SMTPPass string `env:"SMTP_PASS"`
	SMTPFrom string `env:"SMTP_FROM"`
	SMTPTo   string `env:"SMTP_TO"`

	Daily     struct{} `cmd:"" help:"Fetch the latest daily snapshot only."`
	Transform struct{} `cmd:"" help:"Merge and clean all raw snapshots."`
	Load      struct{} `cmd:"" help:"Load the cleaned dataset into the store."`
	All       struct{} `cmd:"" default:"1" help:"Run fetch, transform, and load in sequence."`

	Full struct {
		Limit int `default:"5000" help:"Page size for bulk pagination."`
	} `cmd:"" help:"Fetch the full history via pagination."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("pm25etl"),
		kong.Description("Daily PM2.5 observation pipeline: fetch, transform, load."),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
	)

	logger, err := newLogger(cli.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	mailer := &notify.Mailer{
		Host: cli.SMTPHost,
		Port: cli.SMTPPort,
		User: cli.SMTPUser,
		Pass: cli.SMTPPass,
		From: cli.SMTPFrom,
		To:   cli.SMTPTo,
	}

	p := pipeline.New(logger, pipeline.Config{
		APIKey:       cli.APIKey,
		BaseURL:      cli.BaseURL,
		RawDir:       cli.RawDir,
		CleanedDir:   cli.CleanedDir,
		DBPath:       cli.DB,
		SchemaPath:   cli.Schema,
		FullPageSize: cli.Full.Limit,
		Notifier:     mailer,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := p.Run(ctx, pipeline.Mode(kctx.Command())); err != nil {
		logger.Fatal("run failed", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}
