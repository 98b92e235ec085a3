package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/viper"

	"github.com/pavelanni/examforge/internal/cache"
	"github.com/pavelanni/examforge/internal/document"
	"github.com/pavelanni/examforge/internal/extraction"
	"github.com/pavelanni/examforge/internal/grading"
	"github.com/pavelanni/examforge/internal/handler"
	"github.com/pavelanni/examforge/internal/llm"
	"github.com/pavelanni/examforge/internal/llm/prompts"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/objstore"
	"github.com/pavelanni/examforge/internal/ocr"
	"github.com/pavelanni/examforge/internal/qbank"
	"github.com/pavelanni/examforge/internal/store"
	"github.com/pavelanni/examforge/internal/studyplan"
	"github.com/pavelanni/examforge/internal/validate"
)

// app holds the clients and services shared by the serve and pipeline
// commands.
type app struct {
	store    *store.Store
	llm      llm.Client
	cache    *cache.RedisCache
	loader   *document.Loader
	pipeline model.PipelineConfig

	extraction *extraction.Service
	grading    *grading.Service
	banks      *qbank.Service
	plans      *studyplan.Service
}

func pipelineConfig(v *viper.Viper) model.PipelineConfig {
	return model.PipelineConfig{
		BatchSize:       v.GetInt("batch-size"),
		MaxAttempts:     v.GetInt("max-attempts"),
		Concurrency:     v.GetInt("concurrency"),
		DispatchTimeout: v.GetDuration("dispatch-timeout"),
	}
}

func newApp(ctx context.Context, v *viper.Viper) (*app, error) {
	a := &app{pipeline: pipelineConfig(v)}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	if a.store, err = store.New(v.GetString("db")); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a.llm, err = llm.New(ctx, llm.Config{
		Provider: llm.Provider(v.GetString("llm-provider")),
		BaseURL:  v.GetString("llm-url"),
		APIKey:   v.GetString("llm-key"),
		Model:    v.GetString("llm-model"),
	})
	if err != nil {
		return nil, fmt.Errorf("create LLM client: %w", err)
	}
	var gen llm.Generator = a.llm

	if url := v.GetString("redis-url"); url != "" {
		if a.cache, err = cache.NewRedisCache(ctx, url, "examforge:"); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		gen = llm.NewCached(a.llm, a.cache, a.llm.Name(), v.GetDuration("cache-ttl"))
		slog.Info("LLM response cache enabled", "ttl", v.GetDuration("cache-ttl"))
	}

	a.loader = &document.Loader{}
	if key := v.GetString("mistral-key"); key != "" {
		a.loader.OCR = ocr.NewMistral(v.GetString("mistral-url"), key, v.GetString("ocr-model"))
	}

	var uploader objstore.Uploader = objstore.Noop{}
	s3cfg := objstore.Config{
		AccessKey: v.GetString("s3-access-key"),
		SecretKey: v.GetString("s3-secret-key"),
		Bucket:    v.GetString("s3-bucket"),
		Region:    v.GetString("s3-region"),
		Endpoint:  v.GetString("s3-endpoint"),
		CDNURL:    v.GetString("s3-cdn-url"),
		PathStyle: v.GetBool("s3-path-style"),
	}
	if s3cfg.Enabled() {
		s3, err := objstore.NewS3(s3cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 client: %w", err)
		}
		uploader = s3
	}

	ps, err := prompts.Default()
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	checker := validate.New()

	a.extraction = extraction.New(a.store, gen, ps, a.loader, uploader, checker, a.pipeline)
	a.grading = grading.New(a.store, gen, ps, a.loader, uploader, checker, a.pipeline)
	if a.cache != nil {
		a.grading = a.grading.WithLocker(a.cache)
	}
	a.banks = qbank.New(a.store, gen, ps, checker, a.pipeline)
	a.plans = studyplan.New(a.store, gen, ps, checker, a.pipeline)
	ok = true
	return a, nil
}

func (a *app) services() handler.Services {
	return handler.Services{
		Extraction: a.extraction,
		Grading:    a.grading,
		Banks:      a.banks,
		Plans:      a.plans,
	}
}

// Close releases every client that was opened.
func (a *app) Close() {
	if a.llm != nil {
		if err := a.llm.Close(); err != nil {
			slog.Warn("close LLM client", "error", err)
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			slog.Warn("close redis", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("close database", "error", err)
		}
	}
}
