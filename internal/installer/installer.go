// Package installer downloads USI engine binaries and evaluation
// weights described by a TOML manifest.
package installer

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/sync/errgroup"

	"github.com/hikaet/kifulab/internal/storage"
)

// Asset kinds understood by the installer.
const (
	KindEngine = "engine"
	KindEval   = "eval"
	KindTool   = "tool"
)

// Asset is one downloadable artifact.
type Asset struct {
	ID     string `toml:"id"`
	Name   string `toml:"name"`
	Kind   string `toml:"kind"`
	URL    string `toml:"url"`
	SHA256 string `toml:"sha256"`
}

// Manifest lists the assets to install.
type Manifest struct {
	Assets []Asset `toml:"assets"`
}

func LoadManifest(path string) (*Manifest, error) {
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	for i, a := range m.Assets {
		if a.ID == "" || a.URL == "" {
			return nil, fmt.Errorf("manifest asset %d: id and url are required", i)
		}
	}
	return &m, nil
}

// Recorder logs completed and failed downloads.
type Recorder interface {
	RecordInstall(rec storage.InstallRecord) error
}

// Result reports where the installed artifacts landed.
type Result struct {
	EnginePath string
	EvalDir    string
	Paths      map[string]string
}

// Installer fetches manifest assets into Dir.
type Installer struct {
	Dir    string
	Client *http.Client
	Store  Recorder
}

func (ins *Installer) client() *http.Client {
	if ins.Client != nil {
		return ins.Client
	}
	return http.DefaultClient
}

// Run installs every asset, independent downloads in parallel. The
// first engine asset's executable and the first eval asset's
// directory are surfaced in the result.
func (ins *Installer) Run(ctx context.Context, m *Manifest) (*Result, error) {
	paths := make([]string, len(m.Assets))
	g, ctx := errgroup.WithContext(ctx)
	for i, a := range m.Assets {
		i, a := i, a
		g.Go(func() error {
			p, err := ins.InstallAsset(ctx, a)
			if err != nil {
				return fmt.Errorf("%s: %w", a.ID, err)
			}
			paths[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res := &Result{Paths: map[string]string{}}
	for i, a := range m.Assets {
		res.Paths[a.ID] = paths[i]
		switch a.Kind {
		case KindEngine:
			if res.EnginePath == "" {
				res.EnginePath = paths[i]
			}
		case KindEval:
			if res.EvalDir == "" {
				res.EvalDir = paths[i]
			}
		}
	}
	return res, nil
}

// InstallAsset downloads, verifies and unpacks one asset, returning
// the path a consumer would configure: the engine executable, the
// eval directory, or the downloaded file itself.
func (ins *Installer) InstallAsset(ctx context.Context, a Asset) (string, error) {
	destDir := filepath.Join(ins.Dir, a.ID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	filename := path.Base(strings.SplitN(a.URL, "?", 2)[0])
	if filename == "" || filename == "." || filename == "/" {
		filename = a.ID + ".bin"
	}
	archive := filepath.Join(destDir, filename)

	if err := ins.download(ctx, a.URL, archive); err != nil {
		ins.record(a, "", 0, err.Error())
		return "", err
	}
	if err := verifySHA256(archive, a.SHA256); err != nil {
		ins.record(a, "", 0, err.Error())
		return "", err
	}

	result := archive
	if strings.EqualFold(filepath.Ext(archive), ".zip") {
		extractDir := filepath.Join(destDir, "unpacked")
		if err := extractZip(archive, extractDir); err != nil {
			ins.record(a, "", 0, err.Error())
			return "", err
		}
		switch a.Kind {
		case KindEngine:
			exe, err := pickExecutable(extractDir)
			if err != nil {
				ins.record(a, "", 0, err.Error())
				return "", err
			}
			result = exe
		case KindEval:
			dir, err := placeEvalWeights(extractDir, filepath.Join(ins.Dir, "eval"))
			if err != nil {
				ins.record(a, "", 0, err.Error())
				return "", err
			}
			result = dir
		default:
			result = extractDir
		}
	} else if a.Kind == KindEngine {
		if err := markExecutable(archive); err != nil {
			ins.record(a, "", 0, err.Error())
			return "", err
		}
	}

	var size int64
	if fi, err := os.Stat(archive); err == nil {
		size = fi.Size()
	}
	ins.record(a, result, size, "")
	return result, nil
}

func (ins *Installer) record(a Asset, dest string, size int64, note string) {
	if ins.Store == nil {
		return
	}
	err := ins.Store.RecordInstall(storage.InstallRecord{
		Name:      a.Name,
		URL:       a.URL,
		SHA256:    a.SHA256,
		Path:      dest,
		SizeBytes: size,
		Note:      note,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "installer: record failed: %v\n", err)
	}
}

// download fetches url into dst through a staging file so partial
// downloads never look complete.
func (ins *Installer) download(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := ins.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: HTTP %d", url, resp.StatusCode)
	}

	tmp := dst + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func verifySHA256(path, want string) error {
	want = strings.ToLower(strings.TrimSpace(want))
	if want == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != want {
		return fmt.Errorf("sha256 mismatch for %s: got %s expected %s", filepath.Base(path), got, want)
	}
	return nil
}

func extractZip(archive, destDir string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	for _, f := range r.File {
		target := filepath.Join(destDir, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("zip entry escapes destination: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		src, err := f.Open()
		if err != nil {
			return err
		}
		dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode()|0o200)
		if err != nil {
			src.Close()
			return err
		}
		_, copyErr := io.Copy(dst, src)
		src.Close()
		if err := dst.Close(); err != nil && copyErr == nil {
			copyErr = err
		}
		if copyErr != nil {
			return copyErr
		}
	}
	return nil
}

// cpuPreference ranks engine build names; earlier tokens win. Actual
// CPU feature detection is out of scope, so the ranking is a static
// newest-instruction-set-first guess.
var cpuPreference = []string{"avx512vnni", "avx512", "avxvnni", "avx2", "sse42", "sse41"}

func buildScore(name string) int {
	n := strings.ToLower(name)
	for i, tok := range cpuPreference {
		if strings.Contains(n, tok) {
			return len(cpuPreference) - i
		}
	}
	return 0
}

// pickExecutable chooses the engine binary from an extracted archive:
// best build-name score, then largest file. The winner is marked
// executable.
func pickExecutable(dir string) (string, error) {
	type candidate struct {
		path string
		size int64
	}
	var found []candidate
	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			if runtime.GOOS == "windows" && !strings.EqualFold(filepath.Ext(p), ".exe") {
				return nil
			}
			found = append(found, candidate{path: p, size: info.Size()})
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", fmt.Errorf("no engine binary in %s", dir)
	}
	sort.Slice(found, func(i, j int) bool {
		si, sj := buildScore(found[i].path), buildScore(found[j].path)
		if si != sj {
			return si > sj
		}
		return found[i].size > found[j].size
	})
	exe := found[0].path
	if err := markExecutable(exe); err != nil {
		return "", err
	}
	return exe, nil
}

func markExecutable(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.Chmod(path, fi.Mode()|0o111)
}

// placeEvalWeights copies the nn.bin found under an extracted eval
// archive into evalDir.
func placeEvalWeights(extractDir, evalDir string) (string, error) {
	var nn string
	err := filepath.Walk(extractDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if nn == "" && info.Mode().IsRegular() && strings.EqualFold(info.Name(), "nn.bin") {
			nn = p
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if nn == "" {
		return "", fmt.Errorf("no nn.bin in %s", extractDir)
	}
	if err := os.MkdirAll(evalDir, 0o755); err != nil {
		return "", err
	}
	src, err := os.Open(nn)
	if err != nil {
		return "", err
	}
	defer src.Close()
	dst, err := os.Create(filepath.Join(evalDir, "nn.bin"))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", err
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	return evalDir, nil
}
