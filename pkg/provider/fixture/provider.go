// Package fixture serves read-only snapshots from YAML files, optionally
// reloading them when the files change.
package fixture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	snapshot "github.com/goliatone/go-snapshot"
	"github.com/goliatone/go-snapshot/internal/hydrate"
)

// DefaultPattern matches every YAML file below the fixture directory.
const DefaultPattern = "**/*.{yaml,yml}"

// File is the on-disk layout of one fixture file.
type File struct {
	Snapshots []Entry `yaml:"snapshots"`
}

// Entry is one snapshot inside a fixture file.
type Entry struct {
	ID        string         `yaml:"id"`
	Category  string         `yaml:"category"`
	ParentID  string         `yaml:"parentId"`
	ChildIDs  []string       `yaml:"childIds"`
	Version   int64          `yaml:"version"`
	Timestamp time.Time      `yaml:"timestamp"`
	Data      map[string]any `yaml:"data"`
	Metadata  map[string]any `yaml:"metadata"`
}

// Provider answers GetSnapshot and FindSnapshot from fixture files. It
// never accepts writes.
type Provider[T any, M any] struct {
	snapshot.UnimplementedProvider[T, M]

	dir      string
	pattern  string
	debounce time.Duration
	logger   *zap.SugaredLogger
	onReload func(count int, err error)
	data     *hydrate.Decoder[T]
	metadata *hydrate.Decoder[M]

	mu        sync.RWMutex
	snapshots map[string]snapshot.Snapshot[T, M]
	order     []string
}

// Option configures a Provider.
type Option func(*options)

type options struct {
	pattern  string
	debounce time.Duration
	logger   *zap.SugaredLogger
	onReload func(int, error)
	strict   bool
}

// WithPattern overrides DefaultPattern.
func WithPattern(pattern string) Option {
	return func(o *options) {
		if pattern != "" {
			o.pattern = pattern
		}
	}
}

// WithDebounce sets the delay between a file event and the reload.
func WithDebounce(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.debounce = d
		}
	}
}

// WithLogger sets the logger for reload failures.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithReloadHook is called after every watch-triggered reload.
func WithReloadHook(fn func(count int, err error)) Option {
	return func(o *options) {
		o.onReload = fn
	}
}

// WithStrictFields rejects fixture payload keys the typed payload does not
// declare.
func WithStrictFields() Option {
	return func(o *options) {
		o.strict = true
	}
}

// New returns a provider over dir. Call Load before use.
func New[T any, M any](dir string, opts ...Option) (*Provider[T, M], error) {
	cfg := options{pattern: DefaultPattern, debounce: 50 * time.Millisecond, logger: zap.NewNop().Sugar()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if !doublestar.ValidatePattern(cfg.pattern) {
		return nil, fmt.Errorf("fixture: invalid pattern %q", cfg.pattern)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("fixture: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("fixture: %s is not a directory", dir)
	}

	var dataOpts []hydrate.DecoderOption[T]
	var metaOpts []hydrate.DecoderOption[M]
	if cfg.strict {
		dataOpts = append(dataOpts, hydrate.WithDisallowUnknownFields[T]())
		metaOpts = append(metaOpts, hydrate.WithDisallowUnknownFields[M]())
	}
	return &Provider[T, M]{
		dir:       dir,
		pattern:   cfg.pattern,
		debounce:  cfg.debounce,
		logger:    cfg.logger,
		onReload:  cfg.onReload,
		data:      hydrate.NewDecoder(dataOpts...),
		metadata:  hydrate.NewDecoder(metaOpts...),
		snapshots: map[string]snapshot.Snapshot[T, M]{},
	}, nil
}

// Delegate wraps p as a KindFixture delegate.
func (p *Provider[T, M]) Delegate(name string) snapshot.Delegate[T, M] {
	return snapshot.Delegate[T, M]{Kind: snapshot.KindFixture, Name: name, Provider: p}
}

// Load reads every matching file and swaps the served set atomically. On
// error the previous set is kept. Files are read in path order; a duplicate
// id in a later file fails the load.
func (p *Provider[T, M]) Load(ctx context.Context) (int, error) {
	matches, err := doublestar.Glob(os.DirFS(p.dir), p.pattern)
	if err != nil {
		return 0, fmt.Errorf("fixture: glob %q: %w", p.pattern, err)
	}
	sort.Strings(matches)

	next := map[string]snapshot.Snapshot[T, M]{}
	order := []string{}
	for _, rel := range matches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		snaps, err := p.readFile(rel)
		if err != nil {
			return 0, err
		}
		for _, snap := range snaps {
			if _, dup := next[snap.ID]; dup {
				return 0, fmt.Errorf("fixture: duplicate id %q in %s", snap.ID, rel)
			}
			next[snap.ID] = snap
			order = append(order, snap.ID)
		}
	}

	p.mu.Lock()
	p.snapshots = next
	p.order = order
	p.mu.Unlock()
	return len(order), nil
}

func (p *Provider[T, M]) readFile(rel string) ([]snapshot.Snapshot[T, M], error) {
	raw, err := os.ReadFile(filepath.Join(p.dir, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fmt.Errorf("fixture: read %s: %w", rel, err)
	}
	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("fixture: parse %s: %w", rel, err)
	}
	out := make([]snapshot.Snapshot[T, M], 0, len(file.Snapshots))
	for i, entry := range file.Snapshots {
		if entry.ID == "" {
			return nil, fmt.Errorf("fixture: %s entry %d has no id", rel, i)
		}
		snap, err := p.hydrate(rel, entry)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (p *Provider[T, M]) hydrate(rel string, entry Entry) (snapshot.Snapshot[T, M], error) {
	ctx := hydrate.Context{Source: rel, ID: entry.ID}
	snap := snapshot.Snapshot[T, M]{
		ID:        entry.ID,
		Category:  entry.Category,
		ParentID:  entry.ParentID,
		ChildIDs:  entry.ChildIDs,
		Version:   entry.Version,
		Timestamp: entry.Timestamp,
	}
	if snap.Version == 0 {
		snap.Version = 1
	}
	if entry.Data != nil {
		data, err := p.data.Decode(ctx, entry.Data)
		if err != nil {
			return snapshot.Snapshot[T, M]{}, fmt.Errorf("fixture: %w", err)
		}
		snap.Data = data
	}
	if entry.Metadata != nil {
		meta, err := p.metadata.Decode(ctx, entry.Metadata)
		if err != nil {
			return snapshot.Snapshot[T, M]{}, fmt.Errorf("fixture: %w", err)
		}
		snap.Metadata = meta
	}
	return snap, nil
}

// Snapshots returns every loaded snapshot in file order.
func (p *Provider[T, M]) Snapshots() []snapshot.Snapshot[T, M] {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]snapshot.Snapshot[T, M], 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.snapshots[id].Clone())
	}
	return out
}

func (p *Provider[T, M]) GetSnapshot(_ context.Context, id string) (snapshot.Snapshot[T, M], bool, error) {
	p.mu.RLock()
	snap, ok := p.snapshots[id]
	p.mu.RUnlock()
	if !ok {
		return snapshot.Snapshot[T, M]{}, false, nil
	}
	return snap.Clone(), true, nil
}

func (p *Provider[T, M]) FindSnapshot(_ context.Context, predicate snapshot.Predicate[T, M]) (snapshot.Snapshot[T, M], bool, error) {
	if predicate == nil {
		return snapshot.Snapshot[T, M]{}, false, &snapshot.ValidationError{Field: "predicate", Err: errors.New("predicate is required")}
	}
	for _, snap := range p.Snapshots() {
		if predicate(snap) {
			return snap, true, nil
		}
	}
	return snapshot.Snapshot[T, M]{}, false, nil
}

// Watch reloads the fixtures whenever files under the directory change. It
// returns once the watcher is running; the watcher stops with ctx.
func (p *Provider[T, M]) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fixture: create watcher: %w", err)
	}
	if err := p.addDirs(watcher); err != nil {
		_ = watcher.Close()
		return err
	}
	go p.watchLoop(ctx, watcher)
	return nil
}

func (p *Provider[T, M]) addDirs(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(p.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("fixture: watch %s: %w", path, err)
		}
		return nil
	})
}

func (p *Provider[T, M]) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(p.debounce, func() { p.reload(ctx) })
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			if !p.relevant(event) {
				continue
			}
			p.logger.Debugw("fixture change", "path", event.Name, "op", event.Op.String())
			schedule()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Errorw("fixture watcher error", "dir", p.dir, "error", err)
		}
	}
}

func (p *Provider[T, M]) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	rel, err := filepath.Rel(p.dir, event.Name)
	if err != nil {
		return false
	}
	match, err := doublestar.Match(p.pattern, filepath.ToSlash(rel))
	return err == nil && match
}

func (p *Provider[T, M]) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	count, err := p.Load(ctx)
	if err != nil {
		p.logger.Warnw("fixture reload failed, keeping previous set", "dir", p.dir, "error", err)
	} else {
		p.logger.Infow("fixtures reloaded", "dir", p.dir, "snapshots", count)
	}
	if p.onReload != nil {
		p.onReload(count, err)
	}
}
