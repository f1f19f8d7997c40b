package scanner

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/dghubble/trie"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/spf13/afero"
	"istio.io/pkg/cache"
)

const (
	DefaultMaxFileSize           = 50 * 1024 * 1024
	defaultCacheTTL              = 10 * time.Minute
	defaultCacheEvictionInterval = time.Minute
	defaultCacheMaxItems         = 10000
)

// Options configures an Engine.
type Options struct {
	Fs                afero.Fs
	HostRoot          string
	MaxFileSize       int64
	ChunkSize         int
	CacheSize         int
	CacheTTL          time.Duration
	RegexMatchTimeout time.Duration
	AgentVersion      string
	ExcludePaths      []string
	Backends          []Backend
}

// Engine owns the current ruleset and scans targets against it. The ruleset
// is replaced atomically; scans in flight keep the ruleset they started with.
type Engine struct {
	current    atomic.Pointer[Ruleset]
	generation atomic.Uint64
	appFs      afero.Fs
	hostRoot   string
	opts       scanOptions
	compile    []CompileOption
	exclusions *trie.PathTrie
	verdicts   cache.ExpiringCache
	backends   []Backend
}

func NewEngine(o Options) *Engine {
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = defaultCacheTTL
	}
	if o.CacheSize == 0 {
		o.CacheSize = defaultCacheMaxItems
	}
	e := &Engine{
		appFs:      o.Fs,
		hostRoot:   o.HostRoot,
		opts:       scanOptions{chunkSize: o.ChunkSize, maxBytes: o.MaxFileSize},
		exclusions: trie.NewPathTrie(),
		backends:   o.Backends,
	}
	if o.CacheSize > 0 {
		e.verdicts = cache.NewLRU(o.CacheTTL, defaultCacheEvictionInterval, int32(o.CacheSize))
	}
	if o.RegexMatchTimeout > 0 {
		e.compile = append(e.compile, WithRegexMatchTimeout(o.RegexMatchTimeout))
	}
	if o.AgentVersion != "" {
		e.compile = append(e.compile, WithAgentVersion(o.AgentVersion))
	}
	for _, p := range o.ExcludePaths {
		e.exclusions.Put(filepath.Clean(p), true)
	}
	return e
}

// Compile compiles sources with the engine's options and the next generation
// number without publishing the result.
func (e *Engine) Compile(sources []RuleSource) (*Ruleset, error) {
	opts := append([]CompileOption{WithGeneration(e.generation.Add(1))}, e.compile...)
	return Compile(sources, opts...)
}

// Publish makes rs the current ruleset.
func (e *Engine) Publish(rs *Ruleset) {
	old := e.current.Swap(rs)
	if e.verdicts != nil && old != nil {
		e.verdicts.RemoveAll()
	}
	logger.L().Info("ruleset published",
		helpers.Int("generation", int(rs.Generation())),
		helpers.Int("rules", rs.Len()))
}

// Withdraw unpublishes the current ruleset. Later scans report
// ErrScannerUnavailable until a new ruleset is published.
func (e *Engine) Withdraw() {
	if e.current.Swap(nil) != nil {
		logger.L().Warning("ruleset withdrawn")
	}
	if e.verdicts != nil {
		e.verdicts.RemoveAll()
	}
}

// Current returns the published ruleset or nil.
func (e *Engine) Current() *Ruleset {
	return e.current.Load()
}

// Reload compiles sources aside and swaps them in. On failure the previous
// ruleset stays published and the compilation error is returned.
func (e *Engine) Reload(sources []RuleSource) error {
	rs, err := e.Compile(sources)
	if err != nil {
		return err
	}
	e.Publish(rs)
	return nil
}

// ReloadPaths loads rule files from paths and reloads them.
func (e *Engine) ReloadPaths(paths []string) error {
	sources, err := LoadRules(e.appFs, paths)
	if err != nil {
		return err
	}
	return e.Reload(sources)
}

// IsExcluded reports whether path lies under an excluded prefix.
func (e *Engine) IsExcluded(path string) bool {
	if path == "" {
		return false
	}
	excluded := false
	_ = e.exclusions.WalkPath(filepath.Clean(path), func(_ string, value interface{}) error {
		if value != nil {
			excluded = true
			return errStopWalk
		}
		return nil
	})
	return excluded
}

var errStopWalk = fmt.Errorf("stop")

// Scan scans target against the current ruleset and any secondary backends.
func (e *Engine) Scan(ctx context.Context, target Target, deadline uint64) ScanResult {
	rs := e.current.Load()
	if rs == nil {
		return ScanResult{Err: ErrScannerUnavailable}
	}
	if !target.IsFile() {
		res := scan(ctx, target, rs, deadline, e.opts)
		e.runBackends(ctx, &res, bufferOpener(target), deadline)
		return res
	}

	start := time.Now()
	path, err := e.resolve(target.Path)
	if err != nil {
		return ScanResult{Err: err, Generation: rs.Generation()}
	}
	info, err := e.appFs.Stat(path)
	if err != nil {
		return ScanResult{Err: fmt.Errorf("stat %s: %w", path, err), Generation: rs.Generation()}
	}
	if info.IsDir() {
		return ScanResult{Err: fmt.Errorf("%s is a directory", path), Generation: rs.Generation()}
	}
	if target.Metadata.Size == 0 {
		target.Metadata.Size = info.Size()
	}

	key := e.cacheKey(target, info.Size(), info.ModTime(), rs.Generation())
	if e.verdicts != nil {
		if cached, ok := e.verdicts.Get(key); ok {
			if res, ok := cached.(ScanResult); ok {
				res.Cached = true
				res.MatchedRuleIDs = res.MatchedRuleIDs.Clone()
				res.Duration = time.Since(start)
				return res
			}
		}
	}

	f, err := e.appFs.Open(path)
	if err != nil {
		return ScanResult{Err: fmt.Errorf("open %s: %w", path, err), Generation: rs.Generation()}
	}
	target.Reader = f
	res := scan(ctx, target, rs, deadline, e.opts)
	_ = f.Close()
	e.runBackends(ctx, &res, func() (io.ReadCloser, error) { return e.appFs.Open(path) }, deadline)
	res.Duration = time.Since(start)

	if e.verdicts != nil && res.Err == nil && !res.Truncated {
		stored := res
		stored.MatchedRuleIDs = res.MatchedRuleIDs.Clone()
		e.verdicts.Set(key, stored)
	}
	return res
}

func (e *Engine) resolve(path string) (string, error) {
	if e.hostRoot == "" {
		return path, nil
	}
	resolved, err := securejoin.SecureJoin(e.hostRoot, path)
	if err != nil {
		return "", fmt.Errorf("resolving %s under %s: %w", path, e.hostRoot, err)
	}
	return resolved, nil
}

// cacheKey identifies file content and the metadata rule conditions can see.
func (e *Engine) cacheKey(t Target, size int64, mtime time.Time, generation uint64) string {
	var dev, ino, gen uint64
	if t.File != nil {
		dev, ino, gen = t.File.Device, t.File.Inode, t.File.Generation
	}
	m := t.Metadata
	return strings.Join([]string{
		t.Path,
		strconv.FormatUint(dev, 10),
		strconv.FormatUint(ino, 10),
		strconv.FormatInt(mtime.UnixNano(), 10),
		strconv.FormatInt(size, 10),
		strconv.FormatUint(gen, 10),
		strconv.FormatUint(generation, 10),
		string(m.EventType),
		m.ProcessPath,
		m.SigningID,
		m.TeamID,
		strconv.FormatBool(m.PlatformBinary),
	}, "|")
}
