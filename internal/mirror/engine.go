// Package mirror implements the sync engine: it keeps a local directory
// tree's content in step with a remote tree addressed by content hash,
// fetching only what a manifest comparison says has actually changed.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/semaphore"

	"github.com/oakdepot/depotsyncd/internal/hashcache"
	"github.com/oakdepot/depotsyncd/internal/manifest"
	"github.com/oakdepot/depotsyncd/internal/transport"
)

// Status reports the repository's last known sync outcome.
type Status string

const (
	// StatusOK means the last completed sync, or the sync in progress,
	// has encountered no terminal failure.
	StatusOK Status = "ok"
	// StatusNotFound means the root manifest could not be found on the
	// remote tree.
	StatusNotFound Status = "not_found"
	// StatusIOError means a local filesystem or hash cache operation
	// failed in a way that aborted the sync.
	StatusIOError Status = "io_error"
)

const defaultConcurrency = 8

// rootPath is the registry key for the tree root.
const rootPath = ""

// node is a registered directory in the mirror tree, identified by its
// path relative to the engine's base directory.
type node struct {
	relPath string
}

// Engine owns the root directory node, a path -> node registry, the set of
// in-flight requests, and the repository's status. It is safe for
// concurrent use.
type Engine struct {
	basePath    string
	client      transport.Client
	cache       *hashcache.Cache
	logger      *slog.Logger
	sem         *semaphore.Weighted
	concurrency int

	mu       sync.Mutex
	registry map[string]*node
	inflight map[int]string
	nextID   int
	updating bool
	status   Status
}

// NewEngine constructs an Engine rooted at basePath, loading (or creating)
// its persistent hash cache at hashCachePath. concurrency bounds the
// number of HTTP requests kept in flight at once; a non-positive value
// falls back to a sane default.
func NewEngine(basePath, hashCachePath string, client transport.Client, logger *slog.Logger, concurrency int) (*Engine, error) {
	cache, err := hashcache.Load(hashCachePath)
	if err != nil {
		return nil, fmt.Errorf("mirror: load hash cache: %w", err)
	}

	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &Engine{
		basePath:    basePath,
		client:      client,
		cache:       cache,
		logger:      logger,
		sem:         semaphore.NewWeighted(int64(concurrency)),
		concurrency: concurrency,
		registry:    map[string]*node{rootPath: {relPath: rootPath}},
		inflight:    make(map[int]string),
		status:      StatusOK,
	}, nil
}

// BasePath returns the local directory this engine mirrors into.
func (e *Engine) BasePath() string {
	return e.basePath
}

// Failure returns the last terminal status recorded for the repository.
func (e *Engine) Failure() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// IsSyncing reports whether a sync is currently in progress and has not
// hit a terminal failure.
func (e *Engine) IsSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updating && e.status == StatusOK
}

// GetOrCreateDirectory registers relPath in the directory registry if it
// is not already present.
func (e *Engine) GetOrCreateDirectory(relPath string) *node {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n, ok := e.registry[relPath]; ok {
		return n
	}
	n := &node{relPath: relPath}
	e.registry[relPath] = n
	return n
}

// DeleteDirectory removes relPath from the filesystem, purges its
// directory-identity hash from the cache, and drops its registry entry.
func (e *Engine) DeleteDirectory(relPath string) error {
	dirPath := filepath.Join(e.basePath, relPath)

	if err := e.cache.UpdateContents(filepath.Join(dirPath, ".dirindex"), ""); err != nil {
		e.logger.Warn("failed to purge directory hash cache entry", "path", relPath, "error", err)
	}

	if err := os.RemoveAll(dirPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("mirror: remove directory %s: %w", relPath, err)
	}

	e.mu.Lock()
	delete(e.registry, relPath)
	e.mu.Unlock()

	return nil
}

// Update starts a sync if one is not already in progress. It is
// idempotent: calling it again while a sync runs is a no-op. The sync
// itself runs asynchronously; poll IsSyncing/Failure for its outcome.
func (e *Engine) Update(ctx context.Context) error {
	e.mu.Lock()
	if e.updating {
		e.mu.Unlock()
		return nil
	}
	e.status = StatusOK
	e.updating = true
	id := e.beginRequestLocked(rootPath)
	e.mu.Unlock()

	go e.fetchDirectory(ctx, rootPath, id)
	return nil
}

// beginRequestLocked registers a new in-flight request and returns its id.
// Caller must hold e.mu.
func (e *Engine) beginRequestLocked(relPath string) int {
	id := e.nextID
	e.nextID++
	e.inflight[id] = relPath
	return id
}

// beginRequest is the unlocked entry point used once a sync is already
// known to be in progress.
func (e *Engine) beginRequest(relPath string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.beginRequestLocked(relPath)
}

// finishRequest removes id from the in-flight set. Draining the set to
// empty clears the "updating" flag. Finishing a request that was never
// registered is an internal bookkeeping bug, not a recoverable condition.
func (e *Engine) finishRequest(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.inflight[id]; !ok {
		panic("mirror: lost request somehow")
	}
	delete(e.inflight, id)

	if len(e.inflight) == 0 {
		e.updating = false
	}
}

// escalate records a terminal status for the repository. Root failures
// are the only ones that escalate the overall repository status; failures
// deeper in the tree are logged and otherwise non-fatal.
func (e *Engine) escalate(status Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = status
}

// fetchDirectory fetches relPath's manifest, reconciles it against local
// state, and schedules whatever fetches and deletions the reconciliation
// produces. It always finishes id, even on error.
func (e *Engine) fetchDirectory(ctx context.Context, relPath string, id int) {
	defer e.finishRequest(id)

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.logger.Warn("directory fetch canceled before starting", "path", relPath, "error", err)
		return
	}
	dirURL := e.client.ResolveURL(relPath)
	result, err := e.client.FetchManifest(ctx, dirURL)
	e.sem.Release(1)

	if err != nil {
		e.handleDirectoryFetchFailure(relPath, err)
		return
	}

	e.GetOrCreateDirectory(relPath)

	dirPath := filepath.Join(e.basePath, relPath)
	dirIndexPath := filepath.Join(dirPath, ".dirindex")

	localHash, err := e.cache.HashForPath(dirIndexPath)
	if err != nil {
		e.logger.Warn("failed to read local manifest hash", "path", relPath, "error", err)
	}

	if localHash != result.Hash {
		if err := os.MkdirAll(dirPath, 0o700); err != nil {
			e.logger.Error("failed to create directory", "path", relPath, "error", err)
			if relPath == rootPath {
				e.escalate(StatusIOError)
			}
			return
		}
		if err := os.WriteFile(dirIndexPath, result.Body, 0o600); err != nil {
			e.logger.Error("failed to write manifest", "path", relPath, "error", err)
			if relPath == rootPath {
				e.escalate(StatusIOError)
			}
			return
		}
		if err := e.cache.UpdateContents(dirIndexPath, result.Hash); err != nil {
			e.logger.Warn("failed to update manifest hash cache entry", "path", relPath, "error", err)
		}
	}

	m, err := manifest.Parse(bytes.NewReader(result.Body))
	if err != nil {
		e.logger.Warn("remote manifest failed to parse, treating as empty", "path", relPath, "error", err)
		m = &manifest.Manifest{}
	}

	e.processDirectory(ctx, relPath, m)
}

// handleDirectoryFetchFailure logs a directory fetch failure and, for the
// root, escalates the repository status. Any non-200 response or transport
// failure on the root manifest is treated the same way - not_found - since
// nothing downstream distinguishes "the tree isn't there" from "we
// couldn't reach it"; only local filesystem/hashcache failures use
// StatusIOError.
func (e *Engine) handleDirectoryFetchFailure(relPath string, err error) {
	var nf *transport.NotFound
	if errors.As(err, &nf) {
		e.logger.Warn("remote directory not found", "path", relPath)
	} else {
		e.logger.Error("failed to fetch directory manifest", "path", relPath, "error", err)
	}

	if relPath == rootPath {
		e.escalate(StatusNotFound)
	}
}

// processDirectory reconciles relPath's local children against m, removes
// orphans, and fans out fetches for new or changed entries and local
// recursion for directories whose hash already matches.
func (e *Engine) processDirectory(ctx context.Context, relPath string, m *manifest.Manifest) {
	dirPath := filepath.Join(e.basePath, relPath)

	p, err := reconcile(e.cache, dirPath, m)
	if err != nil {
		e.logger.Error("failed to reconcile directory", "path", relPath, "error", err)
		return
	}

	e.removeOrphans(relPath, p)
	e.scheduleUpdates(ctx, relPath, p.updates)

	for _, name := range p.recurseDirs {
		childRel := joinRelPath(relPath, name)
		childLocal := localManifest(filepath.Join(e.basePath, childRel))
		e.processDirectory(ctx, childRel, childLocal)
	}
}

// removeOrphans deletes local children absent from the manifest, before
// any update is scheduled - matching the source's ordering, which avoids
// ever having both a stale and a fresh copy of the same name on disk at
// once.
func (e *Engine) removeOrphans(relPath string, p *plan) {
	for _, name := range p.orphanFiles {
		filePath := filepath.Join(e.basePath, relPath, name)
		if err := e.cache.UpdateContents(filePath, ""); err != nil {
			e.logger.Warn("failed to purge orphan hash cache entry", "path", filePath, "error", err)
		}
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("failed to remove orphan file", "path", filePath, "error", err)
		}
	}
	for _, name := range p.orphanDirs {
		childRel := joinRelPath(relPath, name)
		if err := e.DeleteDirectory(childRel); err != nil {
			e.logger.Warn("failed to remove orphan directory", "path", childRel, "error", err)
		}
	}
}

// scheduleUpdates fans new and changed manifest entries out to a bounded
// worker pool; each fetch still separately acquires the engine-wide
// semaphore so the bound on simultaneous HTTP requests holds across
// directories, not just within one.
func (e *Engine) scheduleUpdates(ctx context.Context, relPath string, updates []manifest.Entry) {
	if len(updates) == 0 {
		return
	}

	p := pool.New().WithMaxGoroutines(e.concurrency)
	for _, entry := range updates {
		entry := entry
		p.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("panic while fetching manifest entry", "path", relPath, "name", entry.Name, "panic", r)
				}
			}()
			e.fetchEntry(ctx, relPath, entry)
		})
	}
	p.Wait()
}

// fetchEntry fetches one manifest entry, either a file or a subdirectory.
func (e *Engine) fetchEntry(ctx context.Context, relPath string, entry manifest.Entry) {
	childRel := joinRelPath(relPath, entry.Name)
	id := e.beginRequest(childRel)

	if entry.Kind == manifest.Directory {
		e.fetchDirectory(ctx, childRel, id)
		return
	}
	e.fetchFileEntry(ctx, childRel, id)
}

// fetchFileEntry streams a file's content to its local destination while
// hashing it. The destination is only created/truncated once the first
// body byte actually arrives, so a failure before any data is received
// (non-200, connection error, timeout) leaves whatever was there before
// untouched rather than destroying a good local copy. A failure mid-stream
// still leaves a partial file on disk - callers get a corrected copy on
// the next sync when the hash still won't match.
func (e *Engine) fetchFileEntry(ctx context.Context, relPath string, id int) {
	defer e.finishRequest(id)

	destPath := filepath.Join(e.basePath, relPath)
	if err := os.MkdirAll(filepath.Dir(destPath), 0o700); err != nil {
		e.logger.Error("failed to create parent directory", "path", relPath, "error", err)
		return
	}

	w := &lazyFileWriter{path: destPath}
	defer func() {
		_ = w.Close()
	}()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.logger.Warn("file fetch canceled before starting", "path", relPath, "error", err)
		return
	}
	fileURL := e.client.ResolveFileURL(relPath)
	hash, err := e.client.FetchFile(ctx, fileURL, w)
	e.sem.Release(1)

	if err != nil {
		e.logger.Warn("failed to fetch file, local content left as-is", "path", relPath, "error", err)
		return
	}

	// A zero-byte body never triggers a Write, so the file still needs to
	// be materialized here for an otherwise-successful fetch.
	if err := w.ensureCreated(); err != nil {
		e.logger.Error("failed to create empty destination file", "path", relPath, "error", err)
		return
	}

	if err := e.cache.UpdateContents(destPath, hash); err != nil {
		e.logger.Warn("failed to update file hash cache entry", "path", relPath, "error", err)
	}
}

// lazyFileWriter opens its destination for create+truncate only on the
// first Write, matching the "open on first body chunk" contract - a
// failure before any bytes arrive never touches whatever is already on
// disk at path.
type lazyFileWriter struct {
	path string
	f    *os.File
}

func (w *lazyFileWriter) Write(p []byte) (int, error) {
	if w.f == nil {
		f, err := os.OpenFile(w.path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o666)
		if err != nil {
			return 0, err
		}
		w.f = f
	}
	return w.f.Write(p)
}

// ensureCreated opens the destination if no Write has done so yet, for a
// response that completed successfully without ever producing a body byte.
func (w *lazyFileWriter) ensureCreated() error {
	if w.f != nil {
		return nil
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o666)
	if err != nil {
		return err
	}
	w.f = f
	return nil
}

func (w *lazyFileWriter) Close() error {
	if w.f == nil {
		return nil
	}
	return w.f.Close()
}

// joinRelPath joins a registry-relative path and a child name using the
// forward-slash form the remote tree itself uses for addressing.
func joinRelPath(relPath, name string) string {
	if relPath == "" {
		return name
	}
	return relPath + "/" + name
}
