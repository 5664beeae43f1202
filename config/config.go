// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the process configuration for docflow from a YAML
// file, a .env file and DOCFLOW_* environment variables, in that order of
// increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/poiesic/docflow/ai"
	"github.com/poiesic/docflow/dispatch"
	"github.com/poiesic/docflow/normalize"
	"github.com/poiesic/docflow/notify"
	"github.com/poiesic/docflow/stages"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverBadger = "badger"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// AI providers.
const (
	ProviderOpenAI = "openai"
	ProviderMock   = "mock"
)

// File is the top-level configuration.
type File struct {
	Storage    Storage    `yaml:"storage"`
	Server     Server     `yaml:"server"`
	AI         AI         `yaml:"ai"`
	Dispatch   Dispatch   `yaml:"dispatch"`
	Normalize  Normalize  `yaml:"normalize"`
	Notify     Notify     `yaml:"notify"`
	Processing Processing `yaml:"processing"`
}

// Storage selects and locates the persistence backend.
type Storage struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"` // Directory for badger, file for sqlite
}

// Server configures the HTTP API.
type Server struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// AI configures the capability provider.
type AI struct {
	Provider       string `yaml:"provider"`
	EmbeddingHost  string `yaml:"embeddingHost"`
	ExtractorHost  string `yaml:"extractorHost"`
	EmbeddingModel string `yaml:"embeddingModel"`
	ExtractorModel string `yaml:"extractorModel"`
	APIKey         string `yaml:"apiKey"`
	MinSalience    int    `yaml:"minSalience"`
}

// Dispatch configures the job dispatcher.
type Dispatch struct {
	Concurrency      int           `yaml:"concurrency"`
	PollInterval     time.Duration `yaml:"pollInterval"`
	HeartbeatTimeout time.Duration `yaml:"heartbeatTimeout"`
	ReapInterval     time.Duration `yaml:"reapInterval"`
	AutoChain        bool          `yaml:"autoChain"`
	MaxAttempts      int           `yaml:"maxAttempts"`
	BaseDelay        time.Duration `yaml:"baseDelay"`
	MaxDelay         time.Duration `yaml:"maxDelay"`
	Multiplier       float64       `yaml:"multiplier"`
}

// Normalize configures the entity normalizer.
type Normalize struct {
	Threshold  float64 `yaml:"threshold"`
	CacheSize  int     `yaml:"cacheSize"`
	MaxRetries int     `yaml:"maxRetries"`
}

// Notify configures the broadcaster.
type Notify struct {
	ClientBuffer  int           `yaml:"clientBuffer"`
	Overflow      string        `yaml:"overflow"`
	SendTimeout   time.Duration `yaml:"sendTimeout"`
	PublishBuffer int           `yaml:"publishBuffer"`
}

// Processing configures the default stage workers.
type Processing struct {
	ChunkSize        int `yaml:"chunkSize"`
	ChunkOverlap     int `yaml:"chunkOverlap"`
	EmbedBatchSize   int `yaml:"embedBatchSize"`
	EmbedConcurrency int `yaml:"embedConcurrency"`
}

// Default returns the configuration used when nothing is set.
func Default() *File {
	aiCfg := ai.DefaultConfig()
	dispatchCfg := dispatch.DefaultConfig()
	normalizeCfg := normalize.DefaultConfig()
	notifyCfg := notify.DefaultConfig()
	stagesCfg := stages.DefaultConfig()
	return &File{
		Storage: Storage{Driver: DriverBadger, Path: "./data"},
		Server:  Server{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		AI: AI{
			Provider:       ProviderOpenAI,
			EmbeddingHost:  aiCfg.EmbeddingHost,
			ExtractorHost:  aiCfg.ExtractorHost,
			EmbeddingModel: aiCfg.EmbeddingModel,
			ExtractorModel: aiCfg.ExtractorModel,
			MinSalience:    aiCfg.MinSalience,
		},
		Dispatch: Dispatch{
			Concurrency:      dispatchCfg.Concurrency,
			PollInterval:     dispatchCfg.PollInterval,
			HeartbeatTimeout: dispatchCfg.HeartbeatTimeout,
			ReapInterval:     dispatchCfg.ReapInterval,
			AutoChain:        dispatchCfg.AutoChain,
			MaxAttempts:      dispatchCfg.Retry.MaxAttempts,
			BaseDelay:        dispatchCfg.Retry.BaseDelay,
			MaxDelay:         dispatchCfg.Retry.MaxDelay,
			Multiplier:       dispatchCfg.Retry.Multiplier,
		},
		Normalize: Normalize{
			Threshold:  normalizeCfg.Threshold,
			CacheSize:  normalizeCfg.CacheSize,
			MaxRetries: normalizeCfg.MaxRetries,
		},
		Notify: Notify{
			ClientBuffer:  notifyCfg.ClientBuffer,
			Overflow:      notifyCfg.Overflow.String(),
			SendTimeout:   notifyCfg.SendTimeout,
			PublishBuffer: notifyCfg.PublishBuffer,
		},
		Processing: Processing{
			ChunkSize:        stagesCfg.ChunkSize,
			ChunkOverlap:     stagesCfg.ChunkOverlap,
			EmbedBatchSize:   stagesCfg.EmbedBatchSize,
			EmbedConcurrency: stagesCfg.EmbedConcurrency,
		},
	}
}

// Load reads the configuration. An empty path skips the file. Variables
// from a .env file in the working directory are loaded when present but
// never override the real environment.
func Load(path string) (*File, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays YAML onto the receiver. Unknown keys are rejected.
func (f *File) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type envVar struct {
	name  string
	apply func(f *File, value string) error
}

func envString(dst func(f *File) *string) func(*File, string) error {
	return func(f *File, v string) error {
		*dst(f) = v
		return nil
	}
}

func envInt(dst func(f *File) *int) func(*File, string) error {
	return func(f *File, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(f) = n
		return nil
	}
}

var envVars = []envVar{
	{"DOCFLOW_STORAGE_DRIVER", envString(func(f *File) *string { return &f.Storage.Driver })},
	{"DOCFLOW_STORAGE_PATH", envString(func(f *File) *string { return &f.Storage.Path })},
	{"DOCFLOW_SERVER_ADDR", envString(func(f *File) *string { return &f.Server.Addr })},
	{"DOCFLOW_AI_PROVIDER", envString(func(f *File) *string { return &f.AI.Provider })},
	{"DOCFLOW_AI_EMBEDDING_HOST", envString(func(f *File) *string { return &f.AI.EmbeddingHost })},
	{"DOCFLOW_AI_EXTRACTOR_HOST", envString(func(f *File) *string { return &f.AI.ExtractorHost })},
	{"DOCFLOW_AI_EMBEDDING_MODEL", envString(func(f *File) *string { return &f.AI.EmbeddingModel })},
	{"DOCFLOW_AI_EXTRACTOR_MODEL", envString(func(f *File) *string { return &f.AI.ExtractorModel })},
	{"DOCFLOW_AI_API_KEY", envString(func(f *File) *string { return &f.AI.APIKey })},
	{"DOCFLOW_DISPATCH_CONCURRENCY", envInt(func(f *File) *int { return &f.Dispatch.Concurrency })},
	{"DOCFLOW_DISPATCH_MAX_ATTEMPTS", envInt(func(f *File) *int { return &f.Dispatch.MaxAttempts })},
	{"DOCFLOW_NOTIFY_OVERFLOW", envString(func(f *File) *string { return &f.Notify.Overflow })},
	{"DOCFLOW_NORMALIZE_THRESHOLD", func(f *File, v string) error {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		f.Normalize.Threshold = t
		return nil
	}},
}

// ApplyEnv overrides fields from DOCFLOW_* variables found by lookup.
func (f *File) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, ev := range envVars {
		v, ok := lookup(ev.name)
		if !ok || v == "" {
			continue
		}
		if err := ev.apply(f, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ev.name, err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks every section.
func (f *File) Validate() error {
	var errs []error
	switch f.Storage.Driver {
	case DriverBadger, DriverSQLite:
		if f.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage path required for driver %s", f.Storage.Driver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", f.Storage.Driver))
	}
	switch f.AI.Provider {
	case ProviderOpenAI:
		errs = append(errs, f.AIConfig().Validate())
	case ProviderMock:
	default:
		errs = append(errs, fmt.Errorf("unknown AI provider %q", f.AI.Provider))
	}
	errs = append(errs,
		f.DispatchConfig().Validate(),
		f.NormalizeConfig().Validate(),
		f.StagesConfig().Validate(),
	)
	if _, err := f.NotifyConfig(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// AIConfig converts the AI section.
func (f *File) AIConfig() *ai.Config {
	cfg := ai.NewConfig(
		ai.WithEmbeddingHost(f.AI.EmbeddingHost),
		ai.WithExtractorHost(f.AI.ExtractorHost),
		ai.WithEmbeddingModel(f.AI.EmbeddingModel),
		ai.WithExtractorModel(f.AI.ExtractorModel),
		ai.WithAPIKey(f.AI.APIKey),
		ai.WithMinSalience(f.AI.MinSalience),
	)
	cfg.Normalize()
	return cfg
}

// DispatchConfig converts the dispatch section.
func (f *File) DispatchConfig() *dispatch.Config {
	return &dispatch.Config{
		Concurrency:      f.Dispatch.Concurrency,
		PollInterval:     f.Dispatch.PollInterval,
		HeartbeatTimeout: f.Dispatch.HeartbeatTimeout,
		ReapInterval:     f.Dispatch.ReapInterval,
		AutoChain:        f.Dispatch.AutoChain,
		Retry: dispatch.RetryPolicy{
			MaxAttempts: f.Dispatch.MaxAttempts,
			BaseDelay:   f.Dispatch.BaseDelay,
			MaxDelay:    f.Dispatch.MaxDelay,
			Multiplier:  f.Dispatch.Multiplier,
		},
	}
}

// NormalizeConfig converts the normalize section.
func (f *File) NormalizeConfig() *normalize.Config {
	return &normalize.Config{
		Threshold:  f.Normalize.Threshold,
		CacheSize:  f.Normalize.CacheSize,
		MaxRetries: f.Normalize.MaxRetries,
	}
}

// NotifyConfig converts the notify section.
func (f *File) NotifyConfig() (*notify.Config, error) {
	policy, err := notify.ParseOverflowPolicy(f.Notify.Overflow)
	if err != nil {
		return nil, err
	}
	cfg := &notify.Config{
		ClientBuffer:  f.Notify.ClientBuffer,
		Overflow:      policy,
		SendTimeout:   f.Notify.SendTimeout,
		PublishBuffer: f.Notify.PublishBuffer,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// StagesConfig converts the processing section.
func (f *File) StagesConfig() *stages.Config {
	return &stages.Config{
		ChunkSize:        f.Processing.ChunkSize,
		ChunkOverlap:     f.Processing.ChunkOverlap,
		EmbedBatchSize:   f.Processing.EmbedBatchSize,
		EmbedConcurrency: f.Processing.EmbedConcurrency,
	}
}
