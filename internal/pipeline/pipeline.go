// Package pipeline sequences the fetch, transform, and load stages for one
// run, and reports pipeline-level failures to the notification sink.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lox/pm25etl/internal/fetch"
	"github.com/lox/pm25etl/internal/httpclient"
	"github.com/lox/pm25etl/internal/load"
	"github.com/lox/pm25etl/internal/transform"
)

type Mode string

const (
	ModeDaily     Mode = "daily"
	ModeFull      Mode = "full"
	ModeTransform Mode = "transform"
	ModeLoad      Mode = "load"
	ModeAll       Mode = "all"
)

// Notifier is the failure notification sink. Send reports delivery success.
type Notifier interface {
	Send(subject, body string) bool
}

type Config struct {
	APIKey       string
	BaseURL      string
	RawDir       string
	CleanedDir   string
	DBPath       string
	SchemaPath   string
	FullPageSize int
	Notifier     Notifier
}

type Pipeline struct {
	log          *zap.Logger
	runID        string
	fetcher      *fetch.Fetcher
	transformer  *transform.Transformer
	loader       *load.Loader
	cleanedDir   string
	fullPageSize int
	notifier     Notifier
}

// New builds a pipeline for one run. Every log line carries the run id.
func New(base *zap.Logger, cfg Config) *Pipeline {
	runID := uuid.NewString()
	log := base.With(zap.String("run_id", runID))

	client := httpclient.New(httpclient.DefaultTimeout)
	return &Pipeline{
		log:          log,
		runID:        runID,
		fetcher:      fetch.New(client, log.Named("fetch"), cfg.APIKey, cfg.BaseURL, cfg.RawDir),
		transformer:  transform.New(log.Named("transform"), cfg.RawDir, cfg.CleanedDir),
		loader:       load.New(log.Named("load"), cfg.DBPath, cfg.SchemaPath),
		cleanedDir:   cfg.CleanedDir,
		fullPageSize: cfg.FullPageSize,
		notifier:     cfg.Notifier,
	}
}

// Run executes the stages for the given mode. A stage error stops the run and
// triggers one failure notification; a stage that yields no artifact stops the
// run with a logged reason and no notification.
func (p *Pipeline) Run(ctx context.Context, mode Mode) error {
	started := time.Now()
	p.log.Info("pipeline started", zap.String("mode", string(mode)))

	err := p.run(ctx, mode)
	ended := time.Now()
	if err != nil {
		p.log.Error("pipeline failed", zap.Error(err))
		if p.notifier != nil {
			subject := fmt.Sprintf("[pm25] Pipeline Failed run_id=%s", p.runID)
			body := fmt.Sprintf("mode=%s\nstarted=%s\nended=%s\nerror=%v\nrun_id=%s",
				mode, started.Format(time.RFC3339), ended.Format(time.RFC3339), err, p.runID)
			if !p.notifier.Send(subject, body) {
				p.log.Warn("failure notification not delivered")
			}
		}
		return err
	}

	p.log.Info("pipeline completed", zap.Duration("elapsed", ended.Sub(started)))
	return nil
}

func (p *Pipeline) run(ctx context.Context, mode Mode) error {
	switch mode {
	case ModeDaily, ModeFull, ModeTransform, ModeLoad, ModeAll:
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	if mode == ModeFull {
		path, err := p.fetcher.FetchFull(ctx, p.fullPageSize)
		if err != nil {
			return err
		}
		if path == "" {
			p.log.Warn("full fetch produced no snapshot")
		}
		return nil
	}

	if mode == ModeDaily || mode == ModeAll {
		path, err := p.fetcher.FetchDaily(ctx)
		if err != nil {
			return err
		}
		if path == "" {
			p.log.Error("fetch produced no data, stopping run")
			return nil
		}
		p.log.Info("fetch completed", zap.String("path", path))
		if mode == ModeDaily {
			return nil
		}
	}

	cleanedPath := filepath.Join(p.cleanedDir, transform.OutputName)
	if mode == ModeTransform || mode == ModeAll {
		path, err := p.transformer.Transform()
		if err != nil {
			return err
		}
		if path == "" {
			p.log.Error("transform produced no dataset, stopping run")
			return nil
		}
		cleanedPath = path
		p.log.Info("transform completed", zap.String("path", path))
		if mode == ModeTransform {
			return nil
		}
	}

	if _, err := os.Stat(cleanedPath); err != nil {
		p.log.Warn("cleaned dataset not found, skipping load", zap.String("path", cleanedPath))
		return nil
	}
	if err := p.loader.Load(cleanedPath); err != nil {
		return err
	}
	p.log.Info("load completed")
	return nil
}
