// Package watcher implements the File Watcher & Orchestrator (spec §4.G):
// a single cooperative event loop over every watched root, with a 1-second
// per-path debounce, that dispatches filesystem changes through the
// Schema Loader, Diff Engine, Action Generator, Action Executor, and
// Version Tracker.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"core.evalgo.org/action"
	"core.evalgo.org/audit"
	"core.evalgo.org/common"
	"core.evalgo.org/config"
	"core.evalgo.org/diff"
	"core.evalgo.org/executor"
	"core.evalgo.org/hash"
	"core.evalgo.org/jsoncache"
	"core.evalgo.org/relstore"
	"core.evalgo.org/schema"
)

const debounceInterval = 1 * time.Second

// Kind classifies a filesystem path per spec §4.G step 1.
type Kind int

const (
	KindOther Kind = iota
	KindSchema
	KindConfig
)

func classify(path string) Kind {
	name := filepath.Base(path)
	switch {
	case schema.IsSchemaFile(name):
		return KindSchema
	case config.IsConfigFile(name):
		return KindConfig
	default:
		return KindOther
	}
}

// Config wires the Orchestrator's collaborators. Loader and Registry
// default to fresh instances if left nil; Cache is optional and, if nil,
// disables cache invalidation side effects.
type Config struct {
	SchemaDir   string
	ConfigDir   string
	Env         string
	Pool        *relstore.Pool
	Loader      *schema.Loader
	Registry    *config.Registry
	Cache       *jsoncache.Cache
	Concurrency int
}

// Orchestrator is the File Watcher & Orchestrator. Events for different
// entity ids are processed concurrently (bounded by Concurrency); events
// for the same entity id, or for configuration, serialize through a
// per-key mutex so an in-flight plan is never interrupted mid-transaction.
type Orchestrator struct {
	cfg      Config
	fsw      *fsnotify.Watcher
	executor *executor.Executor
	tracker  *audit.Tracker

	registry *schema.Registry

	debounceMu sync.Mutex
	timers     map[string]*time.Timer
	ready      chan fsnotify.Event

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
	sem     chan struct{}

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds an Orchestrator, performs the initial directory load of every
// schema and configuration document, bootstraps tables for every loaded
// entity (idempotent: every generated CREATE TABLE/INDEX is "IF NOT
// EXISTS"), and starts watching SchemaDir/ConfigDir. Call Run to enter the
// event loop.
func New(ctx context.Context, cfg Config) (*Orchestrator, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Loader == nil {
		cfg.Loader = schema.NewLoader()
	}
	if cfg.Registry == nil {
		cfg.Registry = config.NewRegistry()
	}

	tracker, err := audit.New(ctx, cfg.Pool)
	if err != nil {
		return nil, fmt.Errorf("watcher: audit tracker: %w", err)
	}

	o := &Orchestrator{
		cfg:      cfg,
		tracker:  tracker,
		registry: schema.NewRegistry(),
		timers:   make(map[string]*time.Timer),
		ready:    make(chan fsnotify.Event, 64),
		locks:    make(map[string]*sync.Mutex),
		sem:      make(chan struct{}, cfg.Concurrency),
		stop:     make(chan struct{}),
	}
	o.executor = executor.New(cfg.Pool, executor.Hooks{
		OnUpdateConfig:    o.applyConfigUpdate,
		OnInvalidateCache: o.invalidateCache,
		OnReload:          o.reloadEntities,
	})

	if err := o.loadEntities(); err != nil {
		return nil, err
	}
	if cfg.ConfigDir != "" {
		if err := cfg.Registry.Load(cfg.ConfigDir, cfg.Env); err != nil {
			return nil, fmt.Errorf("watcher: initial config load: %w", err)
		}
	}
	if err := o.bootstrap(ctx); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}
	o.fsw = fsw
	for _, dir := range []string{cfg.SchemaDir, cfg.ConfigDir} {
		if dir == "" {
			continue
		}
		if err := addRecursive(fsw, dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watcher: watch %s: %w", dir, err)
		}
	}

	return o, nil
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
}

// loadEntities walks SchemaDir and publishes a fresh Snapshot, the
// copy-on-write handoff spec §9 describes: readers calling Entities()
// never block on, or observe a partially built, reload.
func (o *Orchestrator) loadEntities() error {
	entities, err := o.cfg.Loader.Load(o.cfg.SchemaDir)
	if err != nil {
		return fmt.Errorf("watcher: initial schema load: %w", err)
	}
	o.registry.Replace(schema.NewSnapshot(entities))
	return nil
}

// bootstrap materializes every currently-loaded entity's tables. Every
// generated action is idempotent, so this is safe to run on every process
// start regardless of whether the tables already exist.
func (o *Orchestrator) bootstrap(ctx context.Context) error {
	for _, e := range o.Entities() {
		plan := action.ForNewEntity(e)
		if len(plan) == 0 {
			continue
		}
		report, err := o.executor.Execute(ctx, plan)
		if err != nil {
			return fmt.Errorf("watcher: bootstrap entity %q: %w", e.ID, err)
		}
		if report.Status != executor.StatusCommitted {
			return fmt.Errorf("watcher: bootstrap entity %q did not commit: %s", e.ID, report.Status)
		}
	}
	return nil
}

// Entities returns every entity definition in the currently published
// Snapshot.
func (o *Orchestrator) Entities() []schema.EntityDefinition {
	return o.registry.Current().All()
}

// setEntity publishes a new Snapshot with e inserted or replacing its prior
// form by id, leaving every other entity untouched.
func (o *Orchestrator) setEntity(e schema.EntityDefinition) {
	current := o.registry.Current().All()
	updated := make([]schema.EntityDefinition, 0, len(current)+1)
	replaced := false
	for _, existing := range current {
		if existing.ID == e.ID {
			updated = append(updated, e)
			replaced = true
			continue
		}
		updated = append(updated, existing)
	}
	if !replaced {
		updated = append(updated, e)
	}
	o.registry.Replace(schema.NewSnapshot(updated))
}

func (o *Orchestrator) applyConfigUpdate(key string, value interface{}) {
	o.cfg.Registry.SetValue(key, value)
}

func (o *Orchestrator) invalidateCache(entity string) {
	if o.cfg.Cache == nil {
		return
	}
	if _, err := o.cfg.Cache.DeleteByEntityType(entity); err != nil {
		common.Logger.WithError(err).WithField("entity", entity).Warn("watcher: cache invalidation failed")
	}
}

func (o *Orchestrator) reloadEntities() {
	if err := o.loadEntities(); err != nil {
		common.Logger.WithError(err).Warn("watcher: reload entity definitions failed")
	}
}

// Run enters the event loop and blocks until ctx is cancelled or Close is
// called. It always tears down cleanly before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.wg.Add(1)
	go o.consume(ctx)
	defer o.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.stop:
			return nil
		case err, ok := <-o.fsw.Errors:
			if !ok {
				return nil
			}
			common.Logger.WithError(err).Warn("watcher: fsnotify error")
		case ev, ok := <-o.fsw.Events:
			if !ok {
				return nil
			}
			o.scheduleDebounced(ev)
		}
	}
}

// Close stops the event loop and waits for any in-flight plan to finish;
// safe to call more than once and safe to call before Run.
func (o *Orchestrator) Close() error {
	var err error
	o.closeOnce.Do(func() {
		close(o.stop)
		if o.fsw != nil {
			err = o.fsw.Close()
		}
		o.wg.Wait()
	})
	return err
}

// scheduleDebounced is the ~1-second-window debounce per spec §4.G:
// "Events are debounced on a 1-second poll interval; bursts are coalesced
// per path." A fresh event for a path already pending simply restarts its
// timer; only one flush reaches the ready queue per quiet period.
func (o *Orchestrator) scheduleDebounced(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	o.debounceMu.Lock()
	defer o.debounceMu.Unlock()

	if t, ok := o.timers[ev.Name]; ok {
		t.Stop()
	}
	o.timers[ev.Name] = time.AfterFunc(debounceInterval, func() {
		o.debounceMu.Lock()
		delete(o.timers, ev.Name)
		o.debounceMu.Unlock()

		select {
		case o.ready <- ev:
		case <-o.stop:
		}
	})
}

func (o *Orchestrator) consume(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-o.stop:
			return
		case ev, ok := <-o.ready:
			if !ok {
				return
			}
			o.dispatch(ctx, ev)
		}
	}
}

// dispatch runs ev's handling in its own goroutine, bounded by the worker
// semaphore and serialized against any other event sharing the same
// dispatch key (spec §4.G: "Multiple files may be processed concurrently
// only if their action sets are disjoint... conflicting plans serialise").
func (o *Orchestrator) dispatch(ctx context.Context, ev fsnotify.Event) {
	key := dispatchKey(ev.Name)

	select {
	case o.sem <- struct{}{}:
	case <-o.stop:
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() { <-o.sem }()

		mu := o.keyLock(key)
		mu.Lock()
		defer mu.Unlock()

		o.handle(ctx, ev)
	}()
}

func (o *Orchestrator) keyLock(key string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	mu, ok := o.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		o.locks[key] = mu
	}
	return mu
}

// dispatchKey returns the serialization key for path: one key per entity
// id for schema files (so disjoint entities process concurrently), and a
// single shared key for configuration files (config updates are process-
// wide, never entity-scoped).
func dispatchKey(path string) string {
	name := filepath.Base(path)
	if schema.IsSchemaFile(name) {
		return "schema:" + entityIDFromSchemaFile(name)
	}
	return "config"
}

func entityIDFromSchemaFile(name string) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return strings.TrimSuffix(stem, ".schema")
}

func (o *Orchestrator) handle(ctx context.Context, ev fsnotify.Event) {
	switch classify(ev.Name) {
	case KindSchema:
		o.handleSchemaEvent(ctx, ev)
	case KindConfig:
		o.handleConfigEvent(ctx, ev)
	default:
		common.Logger.WithField("path", ev.Name).Debug("watcher: ignoring unclassified path")
	}
}

// handleSchemaEvent implements spec §4.G steps 2-6 for entity schema files.
func (o *Orchestrator) handleSchemaEvent(ctx context.Context, ev fsnotify.Event) {
	entityID := entityIDFromSchemaFile(filepath.Base(ev.Name))

	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		o.handleSchemaRemoval(entityID)
		return
	}

	raw, err := os.ReadFile(ev.Name)
	if err != nil {
		common.Logger.WithError(err).WithField("path", ev.Name).Warn("watcher: failed to read schema file")
		return
	}
	fileHash := hash.Single(raw)

	canonicalPath, absErr := filepath.Abs(ev.Name)
	if absErr != nil {
		canonicalPath = ev.Name
	}
	prevNode, hadPrev := o.cfg.Loader.Previous(canonicalPath)

	newEntity, ok, err := o.cfg.Loader.LoadFile(ev.Name)
	if err != nil {
		common.Logger.WithError(err).WithField("path", ev.Name).Warn("watcher: schema load failed")
		return
	}
	if !ok {
		return
	}

	if !hadPrev {
		// A genuinely new entity file: materialize its tables so the
		// schema <-> table congruence invariant holds immediately, the
		// same idempotent plan bootstrap() runs at startup.
		if plan := action.ForNewEntity(*newEntity); len(plan) > 0 {
			o.applyPlan(ctx, ev.Name, fileHash, plan)
		}
		o.setEntity(*newEntity)
		return
	}

	var oldEntity schema.EntityDefinition
	if decodeErr := prevNode.Decode(&oldEntity); decodeErr != nil {
		common.Logger.WithError(decodeErr).WithField("path", ev.Name).Warn("watcher: failed to decode previous entity form")
		return
	}

	plan := action.ForModifiedEntity(oldEntity, *newEntity)
	if len(plan) > 0 {
		o.applyPlan(ctx, ev.Name, fileHash, plan)
	}
	o.setEntity(*newEntity)
}

// handleSchemaRemoval implements step 6: evict the entity's cache entries
// and reload the live entity registry. It deliberately does not drop the
// entity's tables — destructive refactors need operator guidance, per the
// Non-goals in spec §1.
func (o *Orchestrator) handleSchemaRemoval(entityID string) {
	if o.cfg.Cache != nil {
		if _, err := o.cfg.Cache.DeleteByEntityType(entityID); err != nil {
			common.Logger.WithError(err).WithField("entity", entityID).Warn("watcher: cache eviction on removal failed")
		}
	}
	o.reloadEntities()
}

// handleConfigEvent implements spec §4.G steps 2-5 for config.*.yaml
// documents. Configuration documents merge across files by id, so the
// whole ConfigDir reloads on every event; only the one document named by
// the changed file is diffed and turned into a plan.
func (o *Orchestrator) handleConfigEvent(ctx context.Context, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		if err := o.cfg.Registry.Load(o.cfg.ConfigDir, o.cfg.Env); err != nil {
			common.Logger.WithError(err).WithField("path", ev.Name).Warn("watcher: config reload on removal failed")
		}
		return
	}

	raw, err := os.ReadFile(ev.Name)
	if err != nil {
		common.Logger.WithError(err).WithField("path", ev.Name).Warn("watcher: failed to read config file")
		return
	}
	fileHash := hash.Single(raw)

	var probe struct {
		ID string `yaml:"id"`
	}
	if err := yaml.Unmarshal(raw, &probe); err != nil || probe.ID == "" {
		common.Logger.WithField("path", ev.Name).Warn("watcher: config file missing id, skipping")
		return
	}

	before, hadPrev := o.cfg.Registry.Get(probe.ID)

	if err := o.cfg.Registry.Load(o.cfg.ConfigDir, o.cfg.Env); err != nil {
		common.Logger.WithError(err).WithField("path", ev.Name).Warn("watcher: config reload failed")
		return
	}

	if !hadPrev {
		return
	}
	after, ok := o.cfg.Registry.Get(probe.ID)
	if !ok {
		return
	}

	d := diff.Compare(
		map[string]interface{}{probe.ID: before.Values},
		map[string]interface{}{probe.ID: after.Values},
	)
	plan := action.ForConfig(d)
	if len(plan) == 0 {
		return
	}
	o.applyPlan(ctx, ev.Name, fileHash, plan)
}

// applyPlan executes plan and, on commit, records it in the Version
// Tracker keyed by path and fileHash.
func (o *Orchestrator) applyPlan(ctx context.Context, path, fileHash string, plan []action.Action) {
	report, err := o.executor.Execute(ctx, plan)
	if err != nil {
		common.Logger.WithError(err).WithField("path", path).Error("watcher: plan execution error")
		return
	}
	if report.Status != executor.StatusCommitted {
		common.Logger.WithField("path", path).WithField("status", string(report.Status)).Warn("watcher: plan did not commit")
		return
	}

	actionID := uuid.NewString()
	if _, err := o.tracker.Record(ctx, path, fileHash, actionID, plan, "watcher"); err != nil {
		common.Logger.WithError(err).WithField("path", path).Error("watcher: failed to record applied plan")
	}
}
