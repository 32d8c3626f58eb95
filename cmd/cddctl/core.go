package main

import (
	"fmt"
	"time"

	"github.com/cdd-agent/backend/internal/llm"
	"github.com/cdd-agent/backend/internal/matcher"
	"github.com/cdd-agent/backend/internal/session"
	"github.com/cdd-agent/backend/internal/storage/sqlite"
	"github.com/cdd-agent/backend/pkg/config"
	"github.com/cdd-agent/backend/pkg/logger"
)

// core is the in-process subset of the server a CLI run needs. Sessions
// live in memory for the duration of the command.
type core struct {
	cfg     *config.Config
	db      *sqlite.Client
	llm     *llm.Client
	gateway *matcher.LLMGateway
}

func loadCore(configPath string) (*core, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Terminal output belongs to the command; logs go to stderr.
	if err := logger.Init(cfg.Logging.Level, "console", "stderr"); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	db, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}

	client := llm.NewClient(cfg.LLM)
	shortlist := matcher.NewShortlister(cfg.Matching.MaxAttributes, nil, nil)

	return &core{
		cfg:     cfg,
		db:      db,
		llm:     client,
		gateway: matcher.NewLLMGateway(client, db, shortlist, matcher.OptionsFromConfig(cfg.Matching)),
	}, nil
}

func (c *core) manager() *session.Manager {
	return session.NewManager(session.NewMemoryStore(24*time.Hour), c.gateway, session.Options{
		BatchSize:          c.cfg.Session.BatchSize,
		MaxBatchSize:       c.cfg.Session.MaxBatchSize,
		ScoringConcurrency: c.cfg.Session.ScoringConcurrency,
		FieldTimeout:       c.cfg.LLM.Timeout() + 5*time.Second,
		DefaultTag:         c.cfg.Matching.DefaultTag,
		Audit:              c.db,
	})
}

func (c *core) Close() {
	c.db.Close()
	logger.Sync()
}
