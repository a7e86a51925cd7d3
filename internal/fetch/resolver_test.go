package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"webuiflasher/internal/config"
)

// fakeGitHub serves a releases listing and asset downloads, counting how
// many times each asset body is fetched.
type fakeGitHub struct {
	server    *httptest.Server
	releases  string
	downloads atomic.Int64
}

func newFakeGitHub(t *testing.T, assets map[string]string) *fakeGitHub {
	t.Helper()
	fg := &fakeGitHub{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, fg.releases)
	})
	mux.HandleFunc("GET /dl/{name}", func(w http.ResponseWriter, r *http.Request) {
		body, ok := assets[r.PathValue("name")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fg.downloads.Add(1)
		fmt.Fprint(w, body)
	})
	fg.server = httptest.NewServer(mux)
	t.Cleanup(fg.server.Close)
	return fg
}

func (fg *fakeGitHub) asset(name, body string) string {
	return fmt.Sprintf(`{"name":%q,"size":%d,"browser_download_url":"%s/dl/%s"}`,
		name, len(body), fg.server.URL, name)
}

func (fg *fakeGitHub) resolver() *Resolver {
	return &Resolver{
		GitHub: &GitHubClient{BaseURL: fg.server.URL, HTTP: fg.server.Client()},
	}
}

func githubSource() config.Source {
	return config.Source{
		Name:     "km271",
		Kind:     config.KindGitHub,
		Platform: "ESP32",
		Repo:     "owner/repo",
		Pattern:  `firmware_${revision}\.bin`,
	}
}

func TestResolveGitHub(t *testing.T) {
	body := "esp32 image bytes"
	fg := newFakeGitHub(t, map[string]string{"firmware_v1.2.0.bin": body})
	fg.releases = fmt.Sprintf(`[
		{"tag_name":"v1.2.0","assets":[%s,%s]}
	]`, fg.asset("sources.zip", "zip"), fg.asset("firmware_v1.2.0.bin", body))

	src := githubSource()
	cacheDir := t.TempDir()

	res, err := fg.resolver().Resolve(context.Background(), src, cacheDir)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Version != "v1.2.0" {
		t.Errorf("expected version v1.2.0, got %s", res.Version)
	}
	if !res.Available {
		t.Error("expected available")
	}
	if res.SizeBytes != int64(len(body)) {
		t.Errorf("expected size %d, got %d", len(body), res.SizeBytes)
	}

	want := filepath.Join(cacheDir, "km271", "firmware_v1.2.0.bin")
	if res.ArtifactPath != want {
		t.Errorf("expected artifact at %s, got %s", want, res.ArtifactPath)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("cached artifact missing: %v", err)
	}
	if string(data) != body {
		t.Errorf("cached artifact content mismatch: %q", data)
	}
}

func TestResolveGitHub_NewestReleaseWins(t *testing.T) {
	fg := newFakeGitHub(t, map[string]string{
		"firmware_v2.0.0.bin": "new",
		"firmware_v1.0.0.bin": "old",
	})
	fg.releases = fmt.Sprintf(`[
		{"tag_name":"v2.0.0","assets":[%s]},
		{"tag_name":"v1.0.0","assets":[%s]}
	]`, fg.asset("firmware_v2.0.0.bin", "new"), fg.asset("firmware_v1.0.0.bin", "old"))

	src := githubSource()
	res, err := fg.resolver().Resolve(context.Background(), src, t.TempDir())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Version != "v2.0.0" {
		t.Errorf("expected newest release v2.0.0, got %s", res.Version)
	}
}

func TestResolveGitHub_SkipsReleaseWithoutMatch(t *testing.T) {
	// The newest release carries only sources; resolution falls through to
	// the next release that has a matching binary.
	fg := newFakeGitHub(t, map[string]string{"firmware_v1.0.0.bin": "old"})
	fg.releases = fmt.Sprintf(`[
		{"tag_name":"v2.0.0","assets":[%s]},
		{"tag_name":"v1.0.0","assets":[%s]}
	]`, fg.asset("sources.zip", "zip"), fg.asset("firmware_v1.0.0.bin", "old"))

	src := githubSource()
	res, err := fg.resolver().Resolve(context.Background(), src, t.TempDir())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Version != "v1.0.0" {
		t.Errorf("expected fallback to v1.0.0, got %s", res.Version)
	}
}

func TestResolveGitHub_SkipsPrerelease(t *testing.T) {
	fg := newFakeGitHub(t, map[string]string{
		"firmware_v2.0.0-rc1.bin": "rc",
		"firmware_v1.0.0.bin":     "stable",
	})
	fg.releases = fmt.Sprintf(`[
		{"tag_name":"v2.0.0-rc1","prerelease":true,"assets":[%s]},
		{"tag_name":"v1.0.0","assets":[%s]}
	]`, fg.asset("firmware_v2.0.0-rc1.bin", "rc"), fg.asset("firmware_v1.0.0.bin", "stable"))

	src := githubSource()
	res, err := fg.resolver().Resolve(context.Background(), src, t.TempDir())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Version != "v1.0.0" {
		t.Errorf("expected stable v1.0.0, got %s", res.Version)
	}
}

func TestResolveGitHub_TieBreaksByListingOrder(t *testing.T) {
	fg := newFakeGitHub(t, map[string]string{
		"fw_v1_a.bin": "a",
		"fw_v1_b.bin": "b",
	})
	fg.releases = fmt.Sprintf(`[
		{"tag_name":"v1","assets":[%s,%s]}
	]`, fg.asset("fw_v1_a.bin", "a"), fg.asset("fw_v1_b.bin", "b"))

	src := githubSource()
	src.Pattern = `fw_${revision}_.\.bin`
	res, err := fg.resolver().Resolve(context.Background(), src, t.TempDir())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if filepath.Base(res.ArtifactPath) != "fw_v1_a.bin" {
		t.Errorf("expected first listed asset, got %s", res.ArtifactPath)
	}
}

func TestResolveGitHub_Idempotent(t *testing.T) {
	body := "stable image"
	fg := newFakeGitHub(t, map[string]string{"firmware_v1.bin": body})
	fg.releases = fmt.Sprintf(`[{"tag_name":"v1","assets":[%s]}]`,
		fg.asset("firmware_v1.bin", body))

	src := githubSource()
	cacheDir := t.TempDir()
	r := fg.resolver()

	for i := 0; i < 2; i++ {
		if _, err := r.Resolve(context.Background(), src, cacheDir); err != nil {
			t.Fatalf("Resolve %d failed: %v", i, err)
		}
	}
	if n := fg.downloads.Load(); n != 1 {
		t.Errorf("expected exactly 1 download, got %d", n)
	}
}

func TestResolveGitHub_PrunesStaleAssets(t *testing.T) {
	fg := newFakeGitHub(t, map[string]string{"firmware_v2.bin": "new"})
	fg.releases = fmt.Sprintf(`[{"tag_name":"v2","assets":[%s]}]`,
		fg.asset("firmware_v2.bin", "new"))

	src := githubSource()
	cacheDir := t.TempDir()
	stale := filepath.Join(cacheDir, src.Name, "firmware_v1.bin")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := fg.resolver().Resolve(context.Background(), src, cacheDir); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("expected stale artifact to be pruned")
	}
}

func TestResolveGitHub_NotFound(t *testing.T) {
	fg := newFakeGitHub(t, nil)
	fg.releases = fmt.Sprintf(`[{"tag_name":"v1","assets":[%s]}]`,
		fg.asset("README.md", "docs"))

	src := githubSource()
	_, err := fg.resolver().Resolve(context.Background(), src, t.TempDir())

	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %T: %v", err, err)
	}
	if nf.Name != "km271" || nf.Repo != "owner/repo" {
		t.Errorf("unexpected NotFoundError fields: %+v", nf)
	}
}

func TestResolveGitHub_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusForbidden)
	}))
	defer srv.Close()

	r := &Resolver{GitHub: &GitHubClient{BaseURL: srv.URL, HTTP: srv.Client()}}
	src := githubSource()
	_, err := r.Resolve(context.Background(), src, t.TempDir())

	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NetworkError, got %T: %v", err, err)
	}
}

func TestResolveLocal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "golden.bin")
	if err := os.WriteFile(path, []byte("image"), 0o644); err != nil {
		t.Fatal(err)
	}

	src := config.Source{Name: "golden", Kind: config.KindLocal, Path: path}
	res, err := (&Resolver{}).Resolve(context.Background(), src, t.TempDir())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !res.Available {
		t.Error("expected available")
	}
	if res.ArtifactPath != path {
		t.Errorf("expected artifact %s, got %s", path, res.ArtifactPath)
	}
	if res.SizeBytes != 5 {
		t.Errorf("expected size 5, got %d", res.SizeBytes)
	}
	// Without a VERSION marker the version is derived from mtime.
	if res.Version == "" {
		t.Error("expected non-empty version")
	}
}

func TestResolveLocal_VersionMarker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "golden.bin")
	if err := os.WriteFile(path, []byte("image"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "VERSION"), []byte("2.4.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	src := config.Source{Name: "golden", Kind: config.KindLocal, Path: path}
	res, err := (&Resolver{}).Resolve(context.Background(), src, t.TempDir())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Version != "2.4.1" {
		t.Errorf("expected version 2.4.1, got %s", res.Version)
	}
}

func TestResolveLocal_Missing(t *testing.T) {
	src := config.Source{Name: "golden", Kind: config.KindLocal, Path: "/nonexistent/fw.bin"}
	_, err := (&Resolver{}).Resolve(context.Background(), src, t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing local binary")
	}
}

func TestResolvePio(t *testing.T) {
	project := t.TempDir()
	var gotDir string
	var gotArgs []string

	r := &Resolver{
		Build: func(ctx context.Context, dir string, args []string) ([]string, error) {
			gotDir, gotArgs = dir, args
			out := filepath.Join(dir, ".pio", "build", "esp32dev")
			if err := os.MkdirAll(out, 0o755); err != nil {
				return nil, err
			}
			return nil, os.WriteFile(filepath.Join(out, "firmware.bin"), []byte("built"), 0o644)
		},
	}

	src := config.Source{Name: "bench", Kind: config.KindPio, Project: project, Env: "esp32dev"}
	cacheDir := t.TempDir()
	res, err := r.Resolve(context.Background(), src, cacheDir)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if gotDir != project {
		t.Errorf("build ran in %s, expected %s", gotDir, project)
	}
	wantArgs := []string{"pio", "run", "-e", "esp32dev"}
	if strings.Join(gotArgs, " ") != strings.Join(wantArgs, " ") {
		t.Errorf("build args %v, expected %v", gotArgs, wantArgs)
	}

	want := filepath.Join(cacheDir, "bench", "bench.bin")
	if res.ArtifactPath != want {
		t.Errorf("expected installed artifact %s, got %s", want, res.ArtifactPath)
	}
	if data, err := os.ReadFile(want); err != nil || string(data) != "built" {
		t.Errorf("installed artifact mismatch: %q, %v", data, err)
	}
	if !strings.HasPrefix(res.Version, "build-") {
		t.Errorf("expected build- version, got %s", res.Version)
	}
}

func TestResolvePio_BuildFailure(t *testing.T) {
	r := &Resolver{
		Build: func(ctx context.Context, dir string, args []string) ([]string, error) {
			return []string{"src/main.cpp:42: error: expected ';'"}, errors.New("exit status 1")
		},
	}

	src := config.Source{Name: "bench", Kind: config.KindPio, Project: t.TempDir()}
	_, err := r.Resolve(context.Background(), src, t.TempDir())

	var be *BuildError
	if !errors.As(err, &be) {
		t.Fatalf("expected BuildError, got %T: %v", err, err)
	}
	if len(be.Tail) != 1 {
		t.Errorf("expected output tail in error, got %v", be.Tail)
	}
}

func TestCached_GitHub(t *testing.T) {
	cacheDir := t.TempDir()
	src := githubSource()

	dir := filepath.Join(cacheDir, src.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "firmware_v3.1.0.bin"), []byte("cached"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, ok := Cached(src, cacheDir)
	if !ok {
		t.Fatal("expected cached artifact to be found")
	}
	if res.Version != "v3.1.0" {
		t.Errorf("expected version v3.1.0 recovered from filename, got %s", res.Version)
	}
	if res.SizeBytes != 6 {
		t.Errorf("expected size 6, got %d", res.SizeBytes)
	}
}

func TestCached_GitHubEmpty(t *testing.T) {
	src := githubSource()
	res, ok := Cached(src, t.TempDir())
	if ok {
		t.Fatal("expected no cached artifact")
	}
	if res.Available {
		t.Error("expected unavailable placeholder")
	}
	if res.Name != src.Name || res.Description == "" {
		t.Errorf("placeholder should still describe the source: %+v", res)
	}
}

func TestCached_Pio(t *testing.T) {
	cacheDir := t.TempDir()
	src := config.Source{Name: "bench", Kind: config.KindPio, Project: "/srv/bench"}

	dir := filepath.Join(cacheDir, "bench")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bench.bin"), []byte("built"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, ok := Cached(src, cacheDir)
	if !ok {
		t.Fatal("expected cached build to be found")
	}
	if !strings.HasPrefix(res.Version, "build-") {
		t.Errorf("expected build- version, got %s", res.Version)
	}
}

func TestDownload_NoPartialFiles(t *testing.T) {
	// A failing download must not leave anything that looks like a cached
	// artifact behind.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c := &GitHubClient{BaseURL: srv.URL, HTTP: srv.Client()}
	dest := filepath.Join(t.TempDir(), "fw", "firmware.bin")
	err := c.Download(Asset{Name: "firmware.bin", DownloadURL: srv.URL + "/x"}, dest)
	if err == nil {
		t.Fatal("expected download error")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("expected no artifact at dest after failed download")
	}
}

func TestMatchRegexp_EscapesTag(t *testing.T) {
	// Dots in the tag must match literally, not as regex wildcards.
	re, err := matchRegexp(`fw_${revision}\.bin`, "v1.2")
	if err != nil {
		t.Fatal(err)
	}
	if !re.MatchString("fw_v1.2.bin") {
		t.Error("expected literal tag to match")
	}
	if re.MatchString("fw_v1x2.bin") {
		t.Error("tag dot must not act as a wildcard")
	}
}
