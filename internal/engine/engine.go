// Package engine wires the diff planner, the install pipeline, the
// scheduler, the range client and the pluggable source resolver together
// into the executor and finalizer described in spec §2 and §4.4-§4.9: the
// part of Kachina that actually drives one install, update, or uninstall
// run end to end. Everything it calls is implemented in a sibling
// package; engine only sequences those calls.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/kachina-project/kachina/internal/cache"
	"github.com/kachina-project/kachina/internal/format"
	"github.com/kachina-project/kachina/internal/fsutil"
	"github.com/kachina-project/kachina/internal/install"
	"github.com/kachina-project/kachina/internal/manifest"
	"github.com/kachina-project/kachina/internal/planner"
	"github.com/kachina-project/kachina/internal/rangeclient"
	"github.com/kachina-project/kachina/internal/regentry"
	"github.com/kachina-project/kachina/internal/scheduler"
	"github.com/kachina-project/kachina/internal/source"
)

// StateFileName is the per-install metadata JSON sidecar spec §6 calls
// out ("typically .metadata.json inside the install directory").
const StateFileName = ".metadata.json"

// RegistryFileName holds the platform-native application-registration
// record spec §6 describes as a sidecar equivalent to a Windows
// "Uninstall" registry entry.
const RegistryFileName = ".kachina-registration.json"

// PackageChunkName is the chunk name engine resolves through a source's
// ResolveChunkURL to locate the remote package executable itself, as
// opposed to the separate metadata.json document ResolveMetadata finds.
const PackageChunkName = "package"

// ErrMissingManifest is returned when neither an embedded package nor a
// --source manifest could be resolved.
var ErrMissingManifest = errors.New("engine: no manifest available (package carries no \\0META and no source was given)")

// ErrDowngrade is returned when AllowDowngrade is false and the resolved
// target version is older than the persisted local version (spec §7,
// "version downgrade attempt"); an equal version is not rejected.
var ErrDowngrade = errors.New("engine: target version is not newer than the installed version")

// ErrUninstallStateMissing is returned by Uninstall when the target
// directory carries no persisted state (spec §7, "missing uninstall
// metadata", surfaced as "reinstall required").
var ErrUninstallStateMissing = errors.New("engine: no installation metadata found, reinstall required")

// Options configures one Run.
type Options struct {
	TargetDir string

	// SelfExePath is the running executable's own path, read for its
	// embedded package (spec §4.3 local self-reader). Defaults to
	// os.Executable().
	SelfExePath string

	// SourceID, if non-empty, is resolved via internal/source into a
	// remote manifest and package location (spec §4.4 "online_manifest").
	SourceID string
	// Resolver, if set, is used instead of resolving SourceID through
	// source.New, letting a caller pre-configure a resolver (e.g. a
	// SessionResolver with its challenge Secret filled in from
	// --dfs-extras) before handing it to Run.
	Resolver source.Resolver
	// OnlineOnly forces every task to ignore embedded payloads, even if
	// present, matching the installer CLI's -O flag.
	OnlineOnly bool
	// AllowDowngrade disables the version-downgrade guard.
	AllowDowngrade bool

	PreservePrefixes   []string
	UpdaterSiblingName string

	HTTPClient *http.Client
	Progress   install.Progress

	Registry *regentry.Entry // caller-supplied fields merged into the persisted record

	// IndexCache, if set, memoizes a remote package's parsed Index by
	// URL across multiple Run calls sharing the same process (e.g. a
	// caller retrying a failed run against the same --source). Run
	// builds its own single-entry cache when left nil.
	IndexCache *rangeclient.IndexCache

	// CacheDir, if non-empty, backs an on-disk byte-range cache so a run
	// retried after a task failure doesn't re-download bytes it already
	// fetched (spec §5, retry with progressive mode fallback). Defaults
	// to cache.DefaultDir("kachina-installer") when left empty; set to
	// "-" to disable caching entirely.
	CacheDir string
}

func (o *Options) selfExePath() (string, error) {
	if o.SelfExePath != "" {
		return o.SelfExePath, nil
	}
	return os.Executable()
}

func (o *Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return http.DefaultClient
}

// Result summarizes a completed Run.
type Result struct {
	Manifest *manifest.Manifest
	Tasks    []*planner.DiffTask
	Deleted  []string
	// NoOp is true when the plan found nothing to do: the already-at-
	// latest idempotence case (spec §8, "Idempotence").
	NoOp bool
}

// resolved bundles everything Run derives from Options before planning.
type resolved struct {
	selfFile       *os.File
	embeddedIdx    *format.Index
	resolver       source.Resolver
	meta           source.Metadata
	session        *source.Session
	remoteIdx      *format.Index
	packageURL     string
	rangeClient    *rangeclient.Client
	fetchClient    rangeclient.Fetcher
	targetManifest *manifest.Manifest
}

func (r *resolved) close() {
	if r.selfFile != nil {
		r.selfFile.Close()
	}
}

// Run executes one install/update pass against opts.TargetDir, per the
// data flow in spec §2: scan, diff, schedule, stream, finalize.
func Run(ctx context.Context, opts Options) (*Result, error) {
	res, err := resolveInputs(ctx, &opts)
	if err != nil {
		return nil, err
	}
	defer res.close()
	if res.session != nil {
		defer res.resolver.EndSession(ctx, res.session)
	}

	target := res.targetManifest
	alg := target.Algorithm()

	if err := checkDowngrade(opts.TargetDir, target, opts.AllowDowngrade); err != nil {
		return nil, err
	}

	embeddedForPlan := res.embeddedIdx
	if opts.OnlineOnly {
		embeddedForPlan = nil
	}

	tasks, err := planner.Plan(planner.Inputs{
		TargetManifest:     target,
		LocalDir:           opts.TargetDir,
		EmbeddedIndex:      embeddedForPlan,
		PreservePrefixes:   opts.PreservePrefixes,
		UpdaterSiblingName: opts.UpdaterSiblingName,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: planning: %w", err)
	}
	if err := planner.UnwritableFiles(tasks); err != nil {
		return nil, err
	}

	if len(tasks) == 0 {
		deleted := applyDeletes(opts.TargetDir, target.Deletes)
		return &Result{Manifest: target, NoOp: true, Deleted: deleted}, nil
	}

	installerTask, fileTasks := splitInstallerTask(tasks)

	if err := resolveRemoteLocations(fileTasks, res.remoteIdx); err != nil {
		return nil, err
	}
	if installerTask != nil {
		if err := resolveRemoteLocations([]*planner.DiffTask{installerTask}, res.remoteIdx); err != nil {
			return nil, err
		}
	}

	groups, _ := planner.MergeRanges(fileTasks)
	groupOf := make(map[*planner.DiffTask]*groupFetcher, len(fileTasks))
	for _, g := range groups {
		gf := &groupFetcher{client: res.fetchClient, url: res.packageURL, group: g}
		for _, t := range g.Tasks {
			groupOf[t] = gf
		}
	}

	pipeline := &install.Pipeline{TargetDir: opts.TargetDir, Progress: opts.Progress}
	exec := func(ctx context.Context, task *planner.DiffTask) error {
		src, err := buildSources(ctx, task, res, groupOf[task], opts.TargetDir)
		if err != nil {
			return err
		}
		return pipeline.Install(ctx, task, src, alg, false)
	}

	sched := scheduler.New(exec)
	results := sched.Run(ctx, fileTasks)

	var failed []string
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", r.Task.Target.FileName, r.Err))
		}
	}
	if len(failed) > 0 {
		return nil, fmt.Errorf("engine: %d task(s) failed:\n%s", len(failed), strings.Join(failed, "\n"))
	}

	var selfPatch *install.SelfPatch
	if installerTask != nil {
		src, err := buildSources(ctx, installerTask, res, nil, opts.TargetDir)
		if err != nil {
			return nil, fmt.Errorf("engine: self-patch: %w", err)
		}
		updaterPath := opts.UpdaterSiblingName
		if updaterPath == "" {
			updaterPath = "updater.exe"
		}
		finalPath := filepath.Join(filepath.Dir(res.selfFile.Name()), filepath.Base(updaterPath))
		selfPatch, err = pipeline.DownloadSelfPatch(ctx, installerTask, src, finalPath)
		if err != nil {
			return nil, fmt.Errorf("engine: self-patch: %w", err)
		}
		if err := selfPatch.VerifyStripped(alg, installerTask.Target.Hash); err != nil {
			selfPatch.Abort()
			return nil, fmt.Errorf("engine: self-patch: %w", err)
		}
	}

	deleted := applyDeletes(opts.TargetDir, target.Deletes)

	if selfPatch != nil {
		if err := selfPatch.Finalize(); err != nil {
			return nil, fmt.Errorf("engine: self-patch: %w", err)
		}
	}

	if err := manifest.WriteFile(filepath.Join(opts.TargetDir, StateFileName), target); err != nil {
		return nil, fmt.Errorf("engine: persisting install state: %w", err)
	}
	if err := writeRegistry(opts, target); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	return &Result{Manifest: target, Tasks: tasks, Deleted: deleted}, nil
}

func splitInstallerTask(tasks []*planner.DiffTask) (installerTask *planner.DiffTask, rest []*planner.DiffTask) {
	for _, t := range tasks {
		if t.Installer {
			installerTask = t
			continue
		}
		rest = append(rest, t)
	}
	return installerTask, rest
}

func applyDeletes(targetDir string, deletes []string) []string {
	var removed []string
	for _, rel := range deletes {
		rel := filepath.FromSlash(rel)
		if err := fsutil.Remove(&fsutil.RemoveOptions{Root: targetDir, Path: rel}); err == nil {
			if _, statErr := os.Stat(filepath.Join(targetDir, rel)); os.IsNotExist(statErr) {
				removed = append(removed, rel)
			}
		}
	}
	return removed
}

func writeRegistry(opts Options, m *manifest.Manifest) error {
	entry := regentry.Entry{}
	if opts.Registry != nil {
		entry = *opts.Registry
	}
	entry.DisplayVersion = m.TagName
	entry.InstallLocation = opts.TargetDir
	var size uint64
	for _, h := range m.Hashed {
		size += h.Size
	}
	entry.EstimatedSize = size
	return regentry.Write(filepath.Join(opts.TargetDir, RegistryFileName), &entry)
}

// checkDowngrade compares target's tag_name against the persisted local
// state, if any, refusing to proceed unless allow is set.
func checkDowngrade(targetDir string, target *manifest.Manifest, allow bool) error {
	if allow {
		return nil
	}
	current, err := manifest.ReadFile(filepath.Join(targetDir, StateFileName))
	if err != nil {
		return nil // nothing installed yet, or unreadable: not a downgrade
	}
	if compareVersions(target.TagName, current.TagName) < 0 {
		return fmt.Errorf("%w: installed %s, target %s", ErrDowngrade, current.TagName, target.TagName)
	}
	return nil
}

// compareVersions compares two dot-separated numeric version strings,
// falling back to a plain string comparison for anything that doesn't
// parse as one. No version-comparison library appears anywhere in the
// retrieved corpus, so this is implemented directly on the standard
// library; see DESIGN.md.
func compareVersions(a, b string) int {
	as, aok := splitNumericVersion(a)
	bs, bok := splitNumericVersion(b)
	if !aok || !bok {
		return strings.Compare(a, b)
	}
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		if av != bv {
			return av - bv
		}
	}
	return 0
}

func splitNumericVersion(v string) ([]int, bool) {
	v = strings.TrimPrefix(v, "v")
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}

// resolveInputs opens the running package (if any), resolves a source (if
// given), and settles on one target manifest (spec §4.4 "Inputs").
func resolveInputs(ctx context.Context, opts *Options) (*resolved, error) {
	res := &resolved{}

	selfPath, err := opts.selfExePath()
	if err == nil && selfPath != "" {
		if f, idx, openErr := openEmbedded(selfPath); openErr == nil {
			res.selfFile, res.embeddedIdx = f, idx
		} else if !errors.Is(openErr, format.ErrNoMagic) && !errors.Is(openErr, format.ErrTruncatedFooter) && !os.IsNotExist(openErr) {
			return nil, openErr
		}
	}

	var embeddedManifest *manifest.Manifest
	if res.embeddedIdx != nil && len(res.embeddedIdx.Metadata) > 0 {
		embeddedManifest, err = manifest.Read(bytes.NewReader(res.embeddedIdx.Metadata))
		if err != nil {
			return nil, fmt.Errorf("engine: embedded manifest: %w", err)
		}
	}

	var onlineManifest *manifest.Manifest
	if opts.SourceID != "" {
		resolver := opts.Resolver
		if resolver == nil {
			var err error
			resolver, err = source.New(opts.SourceID, opts.httpClient())
			if err != nil {
				return nil, err
			}
		}
		meta, err := resolver.ResolveMetadata(ctx, opts.SourceID)
		if err != nil {
			return nil, fmt.Errorf("engine: resolving source: %w", err)
		}
		session, err := resolver.CreateSession(ctx, meta)
		if err != nil {
			return nil, fmt.Errorf("engine: creating source session: %w", err)
		}
		res.resolver, res.meta, res.session = resolver, meta, session

		onlineManifest, err = fetchManifest(ctx, opts.httpClient(), meta.ManifestURL)
		if err != nil {
			return nil, fmt.Errorf("engine: fetching manifest: %w", err)
		}

		packageURL, err := resolver.ResolveChunkURL(ctx, meta, session, PackageChunkName)
		if err != nil {
			return nil, fmt.Errorf("engine: resolving package location: %w", err)
		}
		res.packageURL = packageURL
		res.rangeClient = &rangeclient.Client{HTTP: opts.httpClient()}
		res.fetchClient = fetcherFor(res.rangeClient, opts.CacheDir)

		indexCache := opts.IndexCache
		if indexCache == nil {
			indexCache, err = rangeclient.NewIndexCache(res.rangeClient, 1)
			if err != nil {
				return nil, fmt.Errorf("engine: %w", err)
			}
		}
		remoteIdx, err := indexCache.Get(ctx, packageURL)
		if err != nil {
			return nil, fmt.Errorf("engine: parsing remote package: %w", err)
		}
		res.remoteIdx = remoteIdx
	}

	switch {
	case onlineManifest != nil:
		res.targetManifest = onlineManifest
	case embeddedManifest != nil:
		res.targetManifest = embeddedManifest
	default:
		return nil, ErrMissingManifest
	}
	return res, nil
}

func openEmbedded(path string) (*os.File, *format.Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	idx, err := format.Parse(f, info.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, idx, nil
}

func fetchManifest(ctx context.Context, client *http.Client, url string) (*manifest.Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}
	return manifest.Read(resp.Body)
}

// resolveRemoteLocations fills in RemoteOffset/RemoteSize for every task
// that needs remote bytes (Direct, Patch, and HybridPatch's diff half),
// looking up the payload or patch-blob name in the remote package index.
func resolveRemoteLocations(tasks []*planner.DiffTask, remoteIdx *format.Index) error {
	for _, t := range tasks {
		var name string
		switch t.Mode {
		case planner.ModeLocal:
			continue
		case planner.ModeDirect:
			name = t.Target.Hash.String()
		case planner.ModePatch, planner.ModeHybridPatch:
			if t.Patch == nil {
				return fmt.Errorf("engine: task %s selected a patch mode with no patch record", t.Target.FileName)
			}
			name = planner.PatchBlobName(t.Patch.From, t.Patch.To)
		}
		if remoteIdx == nil {
			return fmt.Errorf("engine: task %s needs remote bytes but no source was given", t.Target.FileName)
		}
		entry, ok := remoteIdx.Entries[name]
		if !ok {
			return fmt.Errorf("engine: task %s: remote package has no payload named %q", t.Target.FileName, name)
		}
		t.RemoteOffset = remoteIdx.AbsoluteOffset(entry)
		t.RemoteSize = int64(entry.Size)
	}
	return nil
}

// fetcherFor wraps client in an on-disk byte-range cache rooted at dir,
// unless dir is "-" (caching disabled). A retried run reusing the same
// cache directory skips re-downloading ranges it already fetched.
func fetcherFor(client *rangeclient.Client, dir string) rangeclient.Fetcher {
	if dir == "-" {
		return client
	}
	if dir == "" {
		dir = cache.DefaultDir("kachina-installer")
	}
	return rangeclient.NewCachedClient(client, &cache.Cache{Dir: dir})
}

// groupFetcher downloads a MergedGroup's contiguous byte range exactly
// once and demultiplexes the result per constituent task (spec §4.6,
// "Download semantics for a MergedGroup").
type groupFetcher struct {
	client rangeclient.Fetcher
	url    string
	group  *planner.MergedGroup

	once sync.Once
	data []byte
	err  error
}

func (g *groupFetcher) fetch(ctx context.Context) ([]byte, error) {
	g.once.Do(func() {
		body, err := g.client.FetchOne(ctx, g.url, rangeclient.ByteRange{Start: g.group.Start, End: g.group.End - 1})
		if err != nil {
			g.err = err
			return
		}
		defer body.Close()
		g.data, g.err = io.ReadAll(body)
	})
	return g.data, g.err
}

func (g *groupFetcher) readerFor(ctx context.Context, task *planner.DiffTask) (io.Reader, error) {
	data, err := g.fetch(ctx)
	if err != nil {
		return nil, err
	}
	start := task.RemoteOffset - g.group.Start
	end := start + task.RemoteSize
	if start < 0 || end > int64(len(data)) {
		return nil, fmt.Errorf("engine: task %s falls outside its merged group's fetched range", task.Target.FileName)
	}
	return bytes.NewReader(data[start:end]), nil
}

// remoteReader returns task's remote byte stream: demultiplexed out of an
// already-fetched MergedGroup when task belongs to one, or a fresh
// single-range HTTP fetch otherwise.
func remoteReader(ctx context.Context, task *planner.DiffTask, res *resolved, group *groupFetcher) (io.Reader, error) {
	if group != nil {
		return group.readerFor(ctx, task)
	}
	if res.fetchClient == nil {
		return nil, fmt.Errorf("engine: task %s needs a remote fetch but no source was given", task.Target.FileName)
	}
	body, err := res.fetchClient.FetchOne(ctx, res.packageURL, rangeclient.ByteRange{
		Start: task.RemoteOffset,
		End:   task.RemoteOffset + task.RemoteSize - 1,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: fetching %s: %w", task.Target.FileName, err)
	}
	return &autoCloseReader{rc: body}, nil
}

// autoCloseReader closes the wrapped ReadCloser as soon as a Read call
// returns any error, including io.EOF, so a task's HTTP response body is
// released without install.Pipeline (which only sees an io.Reader) having
// to know it was ever a ReadCloser.
type autoCloseReader struct{ rc io.ReadCloser }

func (a *autoCloseReader) Read(p []byte) (int, error) {
	n, err := a.rc.Read(p)
	if err != nil {
		a.rc.Close()
	}
	return n, err
}

// buildSources assembles the byte streams Pipeline.Install needs for
// task's install mode (spec §4.5's per-mode data sources).
func buildSources(ctx context.Context, task *planner.DiffTask, res *resolved, group *groupFetcher, targetDir string) (install.Sources, error) {
	var src install.Sources
	switch task.Mode {
	case planner.ModeLocal:
		if res.embeddedIdx == nil || res.selfFile == nil {
			return src, fmt.Errorf("engine: task %s selected local mode with no embedded package open", task.Target.FileName)
		}
		sr, err := res.embeddedIdx.PayloadReaderAt(res.selfFile, task.Target.Hash.String())
		if err != nil {
			return src, err
		}
		src.EmbeddedPayload = sr
	case planner.ModeDirect:
		r, err := remoteReader(ctx, task, res, group)
		if err != nil {
			return src, err
		}
		src.Remote = r
	case planner.ModeHybridPatch:
		if res.embeddedIdx == nil || res.selfFile == nil || task.LocalPatchSource == nil {
			return src, fmt.Errorf("engine: task %s selected hybrid-patch mode with no embedded base available", task.Target.FileName)
		}
		src.EmbeddedPayload = io.NewSectionReader(res.selfFile, res.embeddedIdx.AbsoluteOffset(*task.LocalPatchSource), int64(task.LocalPatchSource.Size))
		r, err := remoteReader(ctx, task, res, group)
		if err != nil {
			return src, err
		}
		src.Remote = r
	case planner.ModePatch:
		localPath := filepath.Join(targetDir, filepath.FromSlash(task.Target.FileName))
		base, err := os.ReadFile(localPath)
		if err != nil {
			return src, fmt.Errorf("engine: reading patch base for %s: %w", task.Target.FileName, err)
		}
		src.LocalFile = bytes.NewReader(base)
		r, err := remoteReader(ctx, task, res, group)
		if err != nil {
			return src, err
		}
		src.Remote = r
	default:
		return src, fmt.Errorf("engine: task %s has unknown install mode %v", task.Target.FileName, task.Mode)
	}
	return src, nil
}
