package fetch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"webuiflasher/internal/config"
)

// versionMarker is the optional file next to a local binary that pins its
// reported version.
const versionMarker = "VERSION"

// Resolved is the runtime view of one source after a resolution pass.
type Resolved struct {
	Name         string
	Kind         config.SourceKind
	Platform     string
	Version      string
	ArtifactPath string
	SizeBytes    int64
	Available    bool
	Description  string
}

// BuildRunner executes a build toolchain invocation in dir and returns the
// tail of its combined output. Success is judged solely by the returned
// error (process exit status).
type BuildRunner func(ctx context.Context, dir string, args []string) (tail []string, err error)

// Resolver turns source declarations into locally cached artifacts.
type Resolver struct {
	GitHub *GitHubClient
	Build  BuildRunner
}

// NewResolver returns a resolver using the real GitHub API and the default
// exec-based build runner.
func NewResolver() *Resolver {
	return &Resolver{
		GitHub: NewGitHubClient(),
		Build:  RunBuild,
	}
}

// Resolve fetches or builds the artifact for one source into
// cacheDir/<name>/ and reports the result. Failures for one source never
// affect another; the caller records them as soft errors.
func (r *Resolver) Resolve(ctx context.Context, src config.Source, cacheDir string) (Resolved, error) {
	res := Resolved{
		Name:        src.Name,
		Kind:        src.Kind,
		Platform:    src.Platform,
		Description: src.Description(),
	}

	switch src.Kind {
	case config.KindGitHub:
		return r.resolveGitHub(src, cacheDir, res)
	case config.KindLocal:
		return resolveLocal(src, res)
	case config.KindPio:
		return r.resolvePio(ctx, src, cacheDir, res)
	default:
		return res, fmt.Errorf("%s: unknown source kind %q", src.Name, src.Kind)
	}
}

// resolveGitHub walks stable releases newest-first and selects the first
// release containing an asset that matches the pattern with that release's
// own tag substituted. Ties within one release break by API listing order.
// Prereleases are skipped, matching the project's published latest release.
func (r *Resolver) resolveGitHub(src config.Source, cacheDir string, res Resolved) (Resolved, error) {
	releases, err := r.GitHub.ListReleases(src.Repo)
	if err != nil {
		return res, err
	}

	for _, rel := range releases {
		if rel.Prerelease {
			continue
		}
		re, err := matchRegexp(src.Pattern, rel.TagName)
		if err != nil {
			return res, fmt.Errorf("%s: bad asset pattern: %w", src.Name, err)
		}
		for _, asset := range rel.Assets {
			if !re.MatchString(asset.Name) {
				continue
			}

			dest := filepath.Join(cacheDir, src.Name, asset.Name)
			if !cachedMatches(dest, asset.Size) {
				if err := r.GitHub.Download(asset, dest); err != nil {
					return res, err
				}
				pruneStale(filepath.Dir(dest), asset.Name)
			}

			res.Version = rel.TagName
			res.ArtifactPath = dest
			res.SizeBytes = asset.Size
			res.Available = true
			return res, nil
		}
	}

	return res, &NotFoundError{Name: src.Name, Repo: src.Repo, Pattern: src.Pattern}
}

func resolveLocal(src config.Source, res Resolved) (Resolved, error) {
	info, err := os.Stat(src.Path)
	if err != nil {
		return res, fmt.Errorf("%s: %w", src.Name, err)
	}
	if info.IsDir() {
		return res, fmt.Errorf("%s: %s is a directory, expected a firmware binary", src.Name, src.Path)
	}

	res.Version = localVersion(src.Path, info.ModTime())
	res.ArtifactPath = src.Path
	res.SizeBytes = info.Size()
	res.Available = true
	return res, nil
}

// resolvePio builds the project and installs the resulting firmware image
// into the cache.
func (r *Resolver) resolvePio(ctx context.Context, src config.Source, cacheDir string, res Resolved) (Resolved, error) {
	if _, err := os.Stat(src.Project); err != nil {
		return res, fmt.Errorf("%s: project directory: %w", src.Name, err)
	}

	args := []string{"pio", "run"}
	if src.Env != "" {
		args = append(args, "-e", src.Env)
	}
	tail, err := r.Build(ctx, src.Project, args)
	if err != nil {
		return res, &BuildError{Name: src.Name, Tail: tail, Err: err}
	}

	built, err := builtFirmware(src.Project, src.Env)
	if err != nil {
		return res, &BuildError{Name: src.Name, Tail: tail, Err: err}
	}

	dest := filepath.Join(cacheDir, src.Name, src.Name+".bin")
	if err := copyFile(built, dest); err != nil {
		return res, fmt.Errorf("%s: install built artifact: %w", src.Name, err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return res, fmt.Errorf("%s: %w", src.Name, err)
	}

	res.Version = buildVersion(info.ModTime())
	res.ArtifactPath = dest
	res.SizeBytes = info.Size()
	res.Available = true
	return res, nil
}

// Cached reports the artifact already present in the cache for a source,
// without touching the network. Used to rebuild the catalog view at startup
// and after cache-dir changes.
func Cached(src config.Source, cacheDir string) (Resolved, bool) {
	res := Resolved{
		Name:        src.Name,
		Kind:        src.Kind,
		Platform:    src.Platform,
		Description: src.Description(),
	}

	switch src.Kind {
	case config.KindLocal:
		r, err := resolveLocal(src, res)
		return r, err == nil

	case config.KindPio:
		path := filepath.Join(cacheDir, src.Name, src.Name+".bin")
		info, err := os.Stat(path)
		if err != nil {
			return res, false
		}
		res.Version = buildVersion(info.ModTime())
		res.ArtifactPath = path
		res.SizeBytes = info.Size()
		res.Available = true
		return res, true

	case config.KindGitHub:
		dir := filepath.Join(cacheDir, src.Name)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return res, false
		}
		re, err := recoverRegexp(src.Pattern)
		if err != nil {
			return res, false
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			m := re.FindStringSubmatch(e.Name())
			if m == nil {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			res.Version = m[1]
			res.ArtifactPath = filepath.Join(dir, e.Name())
			res.SizeBytes = info.Size()
			res.Available = true
			return res, true
		}
	}
	return res, false
}

// matchRegexp compiles the asset pattern with a concrete release tag
// substituted for the ${revision} placeholder.
func matchRegexp(pattern, tag string) (*regexp.Regexp, error) {
	return regexp.Compile(strings.ReplaceAll(pattern, config.RevisionPlaceholder, regexp.QuoteMeta(tag)))
}

// recoverRegexp compiles the asset pattern with the placeholder turned into
// a capture group, so the version can be read back out of a cached filename.
func recoverRegexp(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(strings.ReplaceAll(pattern, config.RevisionPlaceholder, "(.+)"))
}

// cachedMatches reports whether dest already holds a file of the expected
// size, making a re-download unnecessary.
func cachedMatches(dest string, size int64) bool {
	info, err := os.Stat(dest)
	return err == nil && info.Size() == size
}

// pruneStale removes previously downloaded assets for a source so the cache
// holds exactly one artifact per name.
func pruneStale(dir, keep string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == keep || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		os.Remove(filepath.Join(dir, e.Name()))
	}
}

// builtFirmware locates the firmware image produced by a PlatformIO build.
// When env is empty the first build environment found is used.
func builtFirmware(project, env string) (string, error) {
	buildDir := filepath.Join(project, ".pio", "build")
	if env == "" {
		entries, err := os.ReadDir(buildDir)
		if err != nil {
			return "", fmt.Errorf("no build output in %s: %w", buildDir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				env = e.Name()
				break
			}
		}
		if env == "" {
			return "", fmt.Errorf("no build environment under %s", buildDir)
		}
	}

	path := filepath.Join(buildDir, env, "firmware.bin")
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("built firmware not found: %w", err)
	}
	return path, nil
}

func localVersion(path string, mtime time.Time) string {
	if data, err := os.ReadFile(filepath.Join(filepath.Dir(path), versionMarker)); err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v
		}
	}
	return mtime.UTC().Format("20060102-150405")
}

func buildVersion(mtime time.Time) string {
	return "build-" + mtime.UTC().Format("20060102-150405")
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".install-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
