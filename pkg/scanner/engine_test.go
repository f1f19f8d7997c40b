package scanner

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kubescape/endpoint-agent/pkg/events"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRules = []RuleSource{
	{ID: "evil", Strings: []StringPattern{{Value: "EVIL"}}},
	{ID: "audit", Action: ActionLog, Strings: []StringPattern{{Value: "curl"}}},
}

func newTestEngine(t *testing.T, fs afero.Fs, mutate func(*Options)) *Engine {
	t.Helper()
	o := Options{Fs: fs, ExcludePaths: []string{"/System", "/usr/lib/"}}
	if mutate != nil {
		mutate(&o)
	}
	return NewEngine(o)
}

func TestEngineUnavailableWithoutRuleset(t *testing.T) {
	e := newTestEngine(t, afero.NewMemMapFs(), nil)
	res := e.Scan(context.Background(), BufferTarget([]byte("EVIL"), Metadata{}), farDeadline())
	assert.ErrorIs(t, res.Err, ErrScannerUnavailable)
	assert.Nil(t, e.Current())
}

func TestEngineReloadKeepsOldOnFailure(t *testing.T) {
	e := newTestEngine(t, afero.NewMemMapFs(), nil)
	require.NoError(t, e.Reload(testRules))
	first := e.Current()
	require.NotNil(t, first)

	err := e.Reload([]RuleSource{{ID: "broken", Regexes: []string{"("}}})
	var rce *RuleCompilationError
	require.True(t, errors.As(err, &rce))
	assert.Same(t, first, e.Current())

	require.NoError(t, e.Reload(testRules[:1]))
	assert.Greater(t, e.Current().Generation(), first.Generation())

	e.Withdraw()
	res := e.Scan(context.Background(), BufferTarget([]byte("EVIL"), Metadata{}), farDeadline())
	assert.True(t, res.Unavailable())
}

func TestEngineScanFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/tmp/payload", []byte("xxEVILxx"), 0o755))
	require.NoError(t, afero.WriteFile(fs, "/tmp/clean", []byte("hello"), 0o755))
	e := newTestEngine(t, fs, nil)
	require.NoError(t, e.Reload(testRules))

	file := &events.File{Path: "/tmp/payload", Inode: 42}
	res := e.Scan(context.Background(), FileTarget(file, Metadata{EventType: events.ExecEventType}), farDeadline())
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"evil"}, res.MatchedRuleIDs.ToSlice())
	assert.False(t, res.Cached)

	again := e.Scan(context.Background(), FileTarget(file, Metadata{EventType: events.ExecEventType}), farDeadline())
	assert.True(t, again.Cached)
	assert.Equal(t, []string{"evil"}, again.MatchedRuleIDs.ToSlice())
	block, _ := again.Classify()
	assert.Equal(t, []string{"evil"}, block)

	// rewriting the file changes size and mtime, so the cache entry no longer applies
	require.NoError(t, afero.WriteFile(fs, "/tmp/payload", []byte("now clean and longer"), 0o755))
	third := e.Scan(context.Background(), FileTarget(file, Metadata{EventType: events.ExecEventType}), farDeadline())
	assert.False(t, third.Cached)
	assert.False(t, third.Matched())

	clean := e.Scan(context.Background(), FileTarget(&events.File{Path: "/tmp/clean"}, Metadata{}), farDeadline())
	assert.False(t, clean.Matched())

	missing := e.Scan(context.Background(), FileTarget(&events.File{Path: "/tmp/none"}, Metadata{}), farDeadline())
	assert.Error(t, missing.Err)
	assert.False(t, missing.Unavailable())
}

func TestEngineCacheDroppedOnPublish(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bin/tool", []byte("curl"), 0o755))
	e := newTestEngine(t, fs, nil)
	require.NoError(t, e.Reload(testRules))
	target := FileTarget(&events.File{Path: "/bin/tool"}, Metadata{})
	assert.True(t, e.Scan(context.Background(), target, 0).MatchedRuleIDs.Contains("audit"))

	require.NoError(t, e.Reload(testRules[:1]))
	res := e.Scan(context.Background(), target, 0)
	assert.False(t, res.Cached)
	assert.False(t, res.Matched())
}

func TestEngineMaxFileSize(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/big", append(make([]byte, 64), []byte("EVIL")...), 0o644))
	e := newTestEngine(t, fs, func(o *Options) { o.MaxFileSize = 32; o.ChunkSize = 16 })
	require.NoError(t, e.Reload(testRules))
	target := FileTarget(&events.File{Path: "/big"}, Metadata{})
	res := e.Scan(context.Background(), target, 0)
	assert.True(t, res.Capped)
	assert.True(t, res.Truncated)
	assert.False(t, res.Matched())

	again := e.Scan(context.Background(), target, 0)
	assert.False(t, again.Cached)
	assert.True(t, again.Truncated)
}

func TestEngineFileAtSizeLimitIsComplete(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/exact", append(make([]byte, 28), []byte("EVIL")...), 0o644))
	e := newTestEngine(t, fs, func(o *Options) { o.MaxFileSize = 32; o.ChunkSize = 16 })
	require.NoError(t, e.Reload(testRules))
	res := e.Scan(context.Background(), FileTarget(&events.File{Path: "/exact"}, Metadata{}), 0)
	assert.False(t, res.Capped)
	assert.False(t, res.Truncated)
	assert.True(t, res.MatchedRuleIDs.Contains("evil"))
}

func TestEngineIsExcluded(t *testing.T) {
	e := newTestEngine(t, afero.NewMemMapFs(), nil)
	assert.True(t, e.IsExcluded("/System/Library/foo"))
	assert.True(t, e.IsExcluded("/usr/lib/libz.dylib"))
	assert.True(t, e.IsExcluded("/System"))
	assert.False(t, e.IsExcluded("/SystemX/foo"))
	assert.False(t, e.IsExcluded("/usr/bin/zsh"))
	assert.False(t, e.IsExcluded(""))
}

func TestEngineHostRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "opt"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "opt", "app"), []byte("EVIL"), 0o755))
	require.NoError(t, os.Symlink("/../../../opt/app", filepath.Join(root, "opt", "link")))

	e := newTestEngine(t, afero.NewOsFs(), func(o *Options) { o.HostRoot = root })
	require.NoError(t, e.Reload(testRules))

	res := e.Scan(context.Background(), FileTarget(&events.File{Path: "/opt/app"}, Metadata{}), 0)
	require.NoError(t, res.Err)
	assert.True(t, res.MatchedRuleIDs.Contains("evil"))

	// the symlink escapes upwards but stays confined to the host root
	res = e.Scan(context.Background(), FileTarget(&events.File{Path: "/opt/link"}, Metadata{}), 0)
	require.NoError(t, res.Err)
	assert.True(t, res.MatchedRuleIDs.Contains("evil"))
}

type fakeBackend struct {
	matches map[string]Action
	err     error
	seen    []byte
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Scan(_ context.Context, open func() (io.ReadCloser, error), _ uint64) (BackendResult, error) {
	r, err := open()
	if err != nil {
		return BackendResult{}, err
	}
	defer r.Close()
	f.seen, _ = io.ReadAll(r)
	return BackendResult{Matches: f.matches}, f.err
}

func TestEngineBackendsMerged(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/tmp/eicar", []byte("EICAR"), 0o644))
	backend := &fakeBackend{matches: map[string]Action{"clamav:Eicar": ActionLog}}
	failing := &fakeBackend{err: errors.New("down")}
	e := newTestEngine(t, fs, func(o *Options) { o.Backends = []Backend{failing, backend} })
	require.NoError(t, e.Reload(testRules))

	res := e.Scan(context.Background(), FileTarget(&events.File{Path: "/tmp/eicar"}, Metadata{}), farDeadline())
	assert.ErrorIs(t, res.Err, ErrScannerUnavailable)
	assert.True(t, res.Unavailable())
	assert.Equal(t, []byte("EICAR"), backend.seen)
	block, log := res.Classify()
	assert.Empty(t, block)
	assert.Equal(t, []string{"clamav:Eicar"}, log)

	res = e.Scan(context.Background(), BufferTarget([]byte("EVIL"), Metadata{}), farDeadline())
	block, log = res.Classify()
	assert.Equal(t, []string{"evil"}, block)
	assert.Equal(t, []string{"clamav:Eicar"}, log)
}

func TestEngineBackendFailureIsNotCached(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/tmp/clean", []byte("hello"), 0o644))
	failing := &fakeBackend{err: errors.New("down")}
	e := newTestEngine(t, fs, func(o *Options) { o.Backends = []Backend{failing} })
	require.NoError(t, e.Reload(testRules))

	target := FileTarget(&events.File{Path: "/tmp/clean"}, Metadata{})
	res := e.Scan(context.Background(), target, farDeadline())
	assert.True(t, res.Unavailable())
	assert.ErrorContains(t, res.Err, "fake")

	failing.err = nil
	res = e.Scan(context.Background(), target, farDeadline())
	require.NoError(t, res.Err)
	assert.False(t, res.Cached)
	assert.False(t, res.Matched())

	res = e.Scan(context.Background(), target, farDeadline())
	assert.True(t, res.Cached)
}

func TestEngineConcurrentReload(t *testing.T) {
	e := newTestEngine(t, afero.NewMemMapFs(), func(o *Options) { o.CacheSize = -1 })
	require.NoError(t, e.Reload(testRules))
	withoutAudit := testRules[:1]

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				_ = e.Reload(withoutAudit)
			} else {
				_ = e.Reload(testRules)
			}
		}
	}()

	for i := 0; i < 200; i++ {
		res := e.Scan(context.Background(), BufferTarget([]byte("EVIL curl"), Metadata{}), farDeadline())
		require.NoError(t, res.Err)
		// each scan sees exactly one ruleset: either both rules or only "evil"
		assert.True(t, res.MatchedRuleIDs.Contains("evil"))
		n := res.MatchedRuleIDs.Cardinality()
		assert.True(t, n == 1 || n == 2)
	}
	close(stop)
	wg.Wait()
}
