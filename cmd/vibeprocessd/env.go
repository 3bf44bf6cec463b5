package main

import (
	"log/slog"

	"github.com/vibeproc/vibeprocessd/internal/history"
	"github.com/vibeproc/vibeprocessd/internal/instance"
	"github.com/vibeproc/vibeprocessd/internal/logging"
	"github.com/vibeproc/vibeprocessd/internal/procfs"
	"github.com/vibeproc/vibeprocessd/internal/registry"
	"github.com/vibeproc/vibeprocessd/internal/vpconfig"
	"github.com/vibeproc/vibeprocessd/internal/vpstate"
)

// appEnv wires together the four components for one CLI invocation or
// for the long-running daemon.
type appEnv struct {
	cfg   vpconfig.Config
	log   *slog.Logger
	state *vpstate.State
	reg   *registry.Registry
	probe *procfs.Probe
	mgr   *instance.Manager
	hist  *history.Sink // optional; nil unless cfg.HistoryFile is set
}

func (e *appEnv) init(configPath, logFormat, logLevel, logFile, statePath string) error {
	cfg, err := vpconfig.Load(configPath)
	if err != nil {
		return err
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}
	e.cfg = cfg

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	e.log = logging.New(logging.Options{Level: level, Format: cfg.LogFormat, File: cfg.LogFile})

	path := statePath
	if path == "" {
		if cfg.StateDir != "" {
			path = cfg.StateDir + "/state.json"
		} else {
			path = vpstate.DefaultPath()
		}
	}
	state, err := vpstate.Open(path, e.log)
	if err != nil {
		return err
	}
	e.applySeeds(state)
	e.state = state
	e.reg = registry.New(state, state.Mutex())
	e.probe = procfs.New()
	e.mgr = instance.New(state, e.reg, e.probe, e.log)

	if cfg.HistoryFile != "" {
		sink, err := history.Open(cfg.HistoryFile)
		if err != nil {
			e.log.Warn("history sink unavailable, continuing without it", "path", cfg.HistoryFile, "error", err)
		} else {
			e.hist = sink
			e.mgr = e.mgr.WithHistory(sink)
		}
	}
	return nil
}

func (e *appEnv) applySeeds(state *vpstate.State) {
	for _, rt := range e.cfg.ExtraResourceTypes {
		e.regAddType(state, rt)
	}
	for _, t := range e.cfg.ExtraTemplates {
		state.Templates()[t.ID] = toTemplate(t)
	}
}

func (e *appEnv) regAddType(state *vpstate.State, rt vpconfig.ResourceTypeSeed) {
	state.Types()[rt.Name] = &registry.ResourceType{
		Name: rt.Name, Check: rt.Check, Counter: rt.Counter, Start: rt.Start, End: rt.End,
	}
}
