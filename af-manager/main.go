// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// af-manager runs a harness generation session for a library:
// it extracts API gadgets, schedules gadget subsets, asks the configured
// synthesizer for harnesses and keeps the ones that grow coverage.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/agentfuzz/agentfuzz/pkg/build"
	"github.com/agentfuzz/agentfuzz/pkg/energy"
	"github.com/agentfuzz/agentfuzz/pkg/fuzzrun"
	"github.com/agentfuzz/agentfuzz/pkg/gadget"
	"github.com/agentfuzz/agentfuzz/pkg/log"
	"github.com/agentfuzz/agentfuzz/pkg/mgrconfig"
	"github.com/agentfuzz/agentfuzz/pkg/orchestrator"
	"github.com/agentfuzz/agentfuzz/pkg/osutil"
	"github.com/agentfuzz/agentfuzz/pkg/paths"
	"github.com/agentfuzz/agentfuzz/pkg/session"
	"github.com/agentfuzz/agentfuzz/pkg/stat"
	"github.com/agentfuzz/agentfuzz/pkg/synth"
	"github.com/agentfuzz/agentfuzz/pkg/validator"
)

var (
	flagConfig = flag.String("config", "", "configuration file")
	flagResume = flag.Bool("resume", false, "resume the session stored in the workdir")
	flagEnd    = flag.Bool("end", false, "remove the session stored in the workdir and exit")
)

type Manager struct {
	cfg       *mgrconfig.Config
	store     *session.Store
	catalog   *gadget.Catalog
	paths     []paths.Path
	orch      *orchestrator.Orchestrator
	crashes   *validator.CrashTable
	startTime time.Time
}

func main() {
	flag.Parse()
	log.EnableLogCaching(1000, 1<<20)
	cfg, err := mgrconfig.LoadFile(*flagConfig)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if *flagEnd {
		store, err := session.Open(cfg.Workdir, cfg.SnapshotCompression)
		if err != nil {
			log.Fatalf("%v", err)
		}
		if err := store.End(); err != nil {
			log.Fatalf("failed to remove the session: %v", err)
		}
		log.Logf(0, "removed the session in %v", cfg.Workdir)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	osutil.HandleInterrupts(cancel)
	if err := RunManager(ctx, cfg, *flagResume); err != nil {
		log.Fatalf("%v", err)
	}
}

func RunManager(ctx context.Context, cfg *mgrconfig.Config, resume bool) error {
	store, err := session.Open(cfg.Workdir, cfg.SnapshotCompression)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf("failed to close the session store: %v", err)
		}
	}()
	snap, err := loadSession(cfg, store, resume)
	if err != nil {
		return err
	}
	if cfg.Corpus != "" {
		n, err := store.ImportCorpus(cfg.Corpus)
		if err != nil {
			return fmt.Errorf("failed to import the seed corpus: %w", err)
		}
		log.Logf(0, "imported %v seed inputs, corpus size %v", n, store.CorpusSize())
	}

	log.Logf(0, "extracting gadgets from %v headers...", len(cfg.Headers))
	cat, err := gadget.Load(ctx, cfg)
	if err != nil {
		return err
	}
	for _, diag := range cat.Diagnostics {
		log.Logf(1, "dropped declaration: %v", diag)
	}
	opts, err := paths.CompileOptions(cfg.Sinks, cfg.Entries, cfg.MaxPathDepth)
	if err != nil {
		return err
	}
	crit := paths.Select(cat, opts)
	log.Logf(0, "selected %v critical paths over %v gadgets", len(crit), len(paths.Gadgets(crit)))

	builder, err := build.NewBuilder(cfg)
	if err != nil {
		return err
	}
	engine, err := fuzzrun.NewLibFuzzer(cfg)
	if err != nil {
		return err
	}
	runner := fuzzrun.NewRunner(engine, store.CorpusDir(), fuzzrun.Budget{
		Growth: cfg.GrowthWindowDur,
		Total:  cfg.StabilizeWindowDur,
	}, cfg.ProbeTimeoutDur)
	crashes := validator.RestoreCrashTable(store.CrashDir(), snap.Crashes)
	val := validator.New(cat, crit, builder, runner, crashes, store.WorkDir())
	syn, closeSynth, err := synth.New(ctx, &cfg.Synthesizer, cat, cfg.SrcDir)
	if err != nil {
		return err
	}
	defer closeSynth()

	orch, err := orchestrator.New(cfg, orchestrator.Deps{
		Catalog:   cat,
		Paths:     crit,
		Synth:     syn,
		Validator: val,
		Store:     store,
		Crashes:   crashes,
	}, snap)
	if err != nil {
		return err
	}
	mgr := &Manager{
		cfg:       cfg,
		store:     store,
		catalog:   cat,
		paths:     crit,
		orch:      orch,
		crashes:   crashes,
		startTime: time.Now(),
	}
	if cfg.HTTP != "" {
		mgr.initHTTP()
	}
	go mgr.heartbeatLoop(ctx)
	return orch.Run(ctx)
}

func loadSession(cfg *mgrconfig.Config, store *session.Store, resume bool) (*session.Snapshot, error) {
	if !store.Exists() {
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		snap := session.New(seed, energy.Params{Exploration: cfg.Exploration, Decay: cfg.Decay})
		log.Logf(0, "starting session %v (seed %v)", snap.ID, snap.Seed)
		return snap, nil
	}
	if !resume {
		return nil, fmt.Errorf("%v contains a session, pass -resume to continue it or -end to remove it",
			cfg.Workdir)
	}
	snap, err := store.Load()
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			return nil, fmt.Errorf("session snapshot disappeared from %v", cfg.Workdir)
		}
		return nil, err
	}
	if snap.Params != (energy.Params{Exploration: cfg.Exploration, Decay: cfg.Decay}) {
		log.Logf(0, "using scheduler parameters of the resumed session: %+v", snap.Params)
	}
	log.Logf(0, "resuming session %v at round %v: %v records, %v accepted harnesses",
		snap.ID, snap.Round, len(snap.Records), len(snap.Accepted))
	return snap, nil
}

func (mgr *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		msg := ""
		for _, st := range stat.Collect(stat.Console) {
			msg += fmt.Sprintf("%v=%v ", st.Name, st.Value)
		}
		log.Logf(0, "%v", msg)
	}
}
