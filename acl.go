package sentinel

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// DomainBlocker decides whether a target hostname may be reached. Rules
// are loaded from a RuleLoader and published as an immutable snapshot
// swapped atomically on reload, so lookups never observe a partially
// built set and never block on a refresh in progress.
//
// A rule for "blocked.com" blocks the domain itself and every
// subdomain ("mail.blocked.com").
type DomainBlocker struct {
	loader RuleLoader

	// Logger for load and refresh events.
	Logger *slog.Logger

	// Metrics records rule counts and reload outcomes (optional).
	Metrics *Metrics

	snapshot atomic.Pointer[ruleSnapshot]
}

// ruleSnapshot is the immutable compiled form of a rule set.
type ruleSnapshot struct {
	exact  map[string]struct{}
	suffix map[string]struct{}
	count  int
}

// RuleLoader loads blocked domains from some backing source.
type RuleLoader interface {
	// Load reads the full rule set from the source.
	Load(ctx context.Context) ([]string, error)
}

// RuleLoaderFunc is a function adapter for RuleLoader.
type RuleLoaderFunc func(ctx context.Context) ([]string, error)

// Load calls the underlying function.
func (f RuleLoaderFunc) Load(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// NewDomainBlocker binds a blocker to a rule source without loading.
// Call Initialize to load the first snapshot.
func NewDomainBlocker(loader RuleLoader) *DomainBlocker {
	return &DomainBlocker{
		loader: loader,
		Logger: slog.Default(),
	}
}

// Initialize loads rules from the backing source and publishes the
// first snapshot. Until it succeeds, every lookup reports not blocked.
func (db *DomainBlocker) Initialize(ctx context.Context) error {
	return db.Refresh(ctx)
}

// Refresh reloads rules and swaps in a freshly built snapshot. On load
// failure the previous snapshot stays in effect.
func (db *DomainBlocker) Refresh(ctx context.Context) error {
	domains, err := db.loader.Load(ctx)
	if err != nil {
		if db.Metrics != nil {
			db.Metrics.RecordACLReloadError()
		}
		return fmt.Errorf("load ACL rules: %w", err)
	}

	snap := compileRules(domains)
	db.snapshot.Store(snap)

	if db.Metrics != nil {
		db.Metrics.SetACLRuleCount(snap.count)
		db.Metrics.RecordACLReload()
	}
	db.Logger.Info("ACL rules loaded", "count", snap.count)
	return nil
}

func compileRules(domains []string) *ruleSnapshot {
	snap := &ruleSnapshot{
		exact:  make(map[string]struct{}, len(domains)),
		suffix: make(map[string]struct{}, len(domains)),
	}

	for _, d := range domains {
		d = normalizeHost(strings.TrimSpace(d))
		if d == "" {
			continue
		}

		if rest, ok := strings.CutPrefix(d, "*."); ok {
			// Explicit wildcard matches subdomains only.
			snap.suffix[rest] = struct{}{}
		} else {
			snap.exact[d] = struct{}{}
			snap.suffix[d] = struct{}{}
		}
		snap.count++
	}

	return snap
}

// IsBlocked reports whether the hostname matches a rule. The hostname
// is normalized (lowercased, port stripped) and checked for an exact
// match, then against ascending domain suffixes. No side effects.
func (db *DomainBlocker) IsBlocked(host string) bool {
	snap := db.snapshot.Load()
	if snap == nil {
		return false
	}

	host = normalizeHost(host)
	if host == "" {
		return false
	}

	if _, ok := snap.exact[host]; ok {
		return true
	}

	// Walk parent domains: a.b.blocked.com -> b.blocked.com -> blocked.com
	for {
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return false
		}
		host = host[i+1:]
		if _, ok := snap.suffix[host]; ok {
			return true
		}
	}
}

// Count returns the number of rules in the current snapshot.
func (db *DomainBlocker) Count() int {
	snap := db.snapshot.Load()
	if snap == nil {
		return 0
	}
	return snap.count
}

// Ready reports whether an initial snapshot has been published.
func (db *DomainBlocker) Ready() bool {
	return db.snapshot.Load() != nil
}

// StartAutoReload refreshes the rule set at the given interval until
// the returned cancel function is called or ctx ends.
func (db *DomainBlocker) StartAutoReload(ctx context.Context, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.Refresh(ctx); err != nil {
					db.Logger.Warn("ACL auto-reload failed", "error", err)
				}
			}
		}
	}()

	return cancel
}

// WatchFiles refreshes the rule set when any of the given file sources
// changes on disk. The returned function stops the watcher.
func (db *DomainBlocker) WatchFiles(ctx context.Context, paths []string) (func(), error) {
	if len(paths) == 0 {
		return func() {}, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create ACL watcher: %w", err)
	}

	for _, p := range paths {
		if err := watcher.Add(p); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", p, err)
		}
	}

	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := db.Refresh(ctx); err != nil {
					db.Logger.Warn("ACL reload on file change failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				db.Logger.Warn("ACL watcher error", "error", err)
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}

// StaticLoader returns a fixed set of domains.
type StaticLoader struct {
	Domains []string
}

// NewStaticLoader creates a loader with a fixed domain list.
func NewStaticLoader(domains ...string) *StaticLoader {
	return &StaticLoader{Domains: domains}
}

// Load implements RuleLoader.
func (l *StaticLoader) Load(ctx context.Context) ([]string, error) {
	return l.Domains, nil
}

// RuntimeLoader is a mutable domain set for rules managed at runtime,
// e.g. through the admin API. Mutations take effect on the next
// Refresh of the blocker that includes this loader.
type RuntimeLoader struct {
	mu      sync.Mutex
	domains map[string]struct{}
}

// NewRuntimeLoader creates an empty runtime rule set.
func NewRuntimeLoader() *RuntimeLoader {
	return &RuntimeLoader{domains: make(map[string]struct{})}
}

// Add inserts a domain. Returns false if it was already present.
func (l *RuntimeLoader) Add(domain string) bool {
	domain = normalizeHost(strings.TrimSpace(domain))
	if domain == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.domains[domain]; ok {
		return false
	}
	l.domains[domain] = struct{}{}
	return true
}

// Remove deletes a domain. Returns false if it was not present.
func (l *RuntimeLoader) Remove(domain string) bool {
	domain = normalizeHost(strings.TrimSpace(domain))
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.domains[domain]; !ok {
		return false
	}
	delete(l.domains, domain)
	return true
}

// Domains returns a copy of the current set.
func (l *RuntimeLoader) Domains() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.domains))
	for d := range l.domains {
		out = append(out, d)
	}
	return out
}

// Load implements RuleLoader.
func (l *RuntimeLoader) Load(ctx context.Context) ([]string, error) {
	return l.Domains(), nil
}

// DomainListLoader reads a plain-text blocklist, one domain per line.
// Empty lines and lines starting with # are skipped.
type DomainListLoader struct {
	Path string
}

// NewDomainListLoader creates a loader for a domain-list file.
func NewDomainListLoader(path string) *DomainListLoader {
	return &DomainListLoader{Path: path}
}

// Load implements RuleLoader.
func (l *DomainListLoader) Load(ctx context.Context) ([]string, error) {
	file, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open domain list: %w", err)
	}
	defer func() { _ = file.Close() }()

	return ParseDomainList(file)
}

// ParseDomainList parses a domain-per-line blocklist from a reader.
func ParseDomainList(r io.Reader) ([]string, error) {
	var domains []string
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains = append(domains, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return domains, nil
}

// CSVLoader reads blocked domains from a CSV file. The domain is taken
// from the first column; remaining columns are ignored.
type CSVLoader struct {
	// Path to the CSV file.
	Path string

	// HasHeader indicates if the first row is a header (skipped).
	HasHeader bool
}

// NewCSVLoader creates a CSV loader for the given file path.
func NewCSVLoader(path string) *CSVLoader {
	return &CSVLoader{Path: path, HasHeader: true}
}

// Load implements RuleLoader.
func (l *CSVLoader) Load(ctx context.Context) ([]string, error) {
	file, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open CSV file: %w", err)
	}
	defer func() { _ = file.Close() }()

	return l.LoadFromReader(ctx, file)
}

// LoadFromReader loads domains from an io.Reader (useful for testing).
func (l *CSVLoader) LoadFromReader(ctx context.Context, r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var domains []string
	lineNum := 0

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read CSV line %d: %w", lineNum+1, err)
		}

		lineNum++
		if lineNum == 1 && l.HasHeader {
			continue
		}
		if len(record) == 0 || record[0] == "" {
			continue
		}

		domains = append(domains, strings.TrimSpace(record[0]))
	}

	return domains, nil
}

// PostgresLoader fetches blocked domains from a PostgreSQL table.
type PostgresLoader struct {
	// DB is the database handle.
	DB *sqlx.DB

	// Query overrides the default rule query. It must select a single
	// text column of domains.
	Query string
}

const defaultRuleQuery = `SELECT domain FROM blocked_domains`

// NewPostgresLoader creates a loader backed by an existing connection.
func NewPostgresLoader(db *sqlx.DB) *PostgresLoader {
	return &PostgresLoader{DB: db}
}

// OpenPostgresLoader connects to the database and returns a loader.
func OpenPostgresLoader(dsn string) (*PostgresLoader, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to rule database: %w", err)
	}
	return NewPostgresLoader(db), nil
}

// Load implements RuleLoader.
func (l *PostgresLoader) Load(ctx context.Context) ([]string, error) {
	query := l.Query
	if query == "" {
		query = defaultRuleQuery
	}

	var domains []string
	if err := l.DB.SelectContext(ctx, &domains, query); err != nil {
		return nil, fmt.Errorf("query blocked domains: %w", err)
	}

	return domains, nil
}

// MultiLoader combines multiple loaders into one.
type MultiLoader struct {
	Loaders []RuleLoader
}

// NewMultiLoader creates a loader that merges rules from all sources.
func NewMultiLoader(loaders ...RuleLoader) *MultiLoader {
	return &MultiLoader{Loaders: loaders}
}

// Load implements RuleLoader.
func (m *MultiLoader) Load(ctx context.Context) ([]string, error) {
	var all []string

	for i, loader := range m.Loaders {
		domains, err := loader.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("loader %d: %w", i, err)
		}
		all = append(all, domains...)
	}

	return all, nil
}

// BuildRuleLoader assembles the configured rule sources into a single
// RuleLoader. Static domains from the config are always included.
func (c *Config) BuildRuleLoader() (RuleLoader, []string, error) {
	var loaders []RuleLoader
	var watchPaths []string

	if len(c.ACL.Domains) > 0 {
		loaders = append(loaders, NewStaticLoader(c.ACL.Domains...))
	}

	for _, source := range c.ACL.Sources {
		switch source.Type {
		case "file":
			loaders = append(loaders, NewDomainListLoader(source.Path))
			watchPaths = append(watchPaths, source.Path)

		case "csv":
			loader := NewCSVLoader(source.Path)
			loader.HasHeader = source.HasHeader
			loaders = append(loaders, loader)
			watchPaths = append(watchPaths, source.Path)

		case "postgres":
			loader, err := OpenPostgresLoader(source.DSN)
			if err != nil {
				return nil, nil, err
			}
			if source.Query != "" {
				loader.Query = source.Query
			}
			loaders = append(loaders, loader)

		default:
			return nil, nil, Errorf(KindConfig, "build rule loader", "unknown source type %q", source.Type)
		}
	}

	if len(loaders) == 0 {
		return NewStaticLoader(), nil, nil
	}
	if len(loaders) == 1 {
		return loaders[0], watchPaths, nil
	}
	return NewMultiLoader(loaders...), watchPaths, nil
}
