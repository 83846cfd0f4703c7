package registry

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"lifecycled/internal/common/fsutil"
	"lifecycled/pkg/types"
)

// manifestNames are checked in order; the first one present wins.
var manifestNames = []string{"models.yaml", "models.yml", "models.toml"}

// Manifest declares descriptors explicitly. Relative paths are resolved
// against the models directory.
type Manifest struct {
	Models []types.ModelDescriptor `yaml:"models" toml:"models"`
}

var defaultCaps = []types.Capability{types.CapChat, types.CapCompletion}

// Scan discovers models under dir: *.gguf files, MLX directories (config.json
// plus at least one *.safetensors) and manifest entries. Manifest entries
// override scanned ones with the same id; entries whose path is missing are
// skipped.
func Scan(dir string, log zerolog.Logger) ([]types.ModelDescriptor, error) {
	abs, err := fsutil.AbsDir(dir)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	byID := map[string]types.ModelDescriptor{}
	var order []string
	put := func(d types.ModelDescriptor) {
		if _, ok := byID[d.ID]; !ok {
			order = append(order, d.ID)
		}
		byID[d.ID] = d
	}
	for _, e := range entries {
		name := e.Name()
		p := filepath.Join(abs, name)
		switch {
		case e.IsDir():
			if isMLXDir(p) {
				put(types.ModelDescriptor{ID: name, Path: p, Format: types.FormatMLX, Capabilities: defaultCaps, EstimatedBytes: fsutil.Size(p)})
			}
		case strings.EqualFold(filepath.Ext(name), ".gguf"):
			var size int64
			if fi, err := e.Info(); err == nil {
				size = fi.Size()
			}
			// Full filename is the id (e.g. "llama-3.1-8b-q4_k_m.gguf").
			put(types.ModelDescriptor{ID: name, Path: p, Format: types.FormatGGUF, Capabilities: defaultCaps, EstimatedBytes: size})
		}
	}
	m, err := readManifest(abs)
	if err != nil {
		return nil, err
	}
	for _, d := range m.Models {
		if d.ID == "" || d.Path == "" {
			log.Warn().Str("event", "manifest_skip").Str("model", d.ID).Msg("registry: entry needs id and path")
			continue
		}
		if p, err := fsutil.ExpandHome(d.Path); err == nil {
			d.Path = p
		}
		if !filepath.IsAbs(d.Path) {
			d.Path = filepath.Join(abs, d.Path)
		}
		if !fsutil.PathExists(d.Path) {
			log.Warn().Str("event", "manifest_skip").Str("model", d.ID).Str("path", d.Path).Msg("registry: path missing")
			continue
		}
		d.Format = types.ParseFormat(string(d.Format))
		if d.Format == "" {
			d.Format = inferFormat(d.Path)
		}
		if len(d.Capabilities) == 0 {
			d.Capabilities = defaultCaps
		}
		if d.EstimatedBytes <= 0 {
			d.EstimatedBytes = fsutil.Size(d.Path)
		}
		put(d)
	}
	out := make([]types.ModelDescriptor, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

func readManifest(dir string) (Manifest, error) {
	var m Manifest
	for _, name := range manifestNames {
		p := filepath.Join(dir, name)
		b, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return m, fmt.Errorf("read manifest: %w", err)
		}
		if strings.HasSuffix(name, ".toml") {
			err = toml.NewDecoder(bytes.NewReader(b)).Decode(&m)
		} else {
			err = yaml.Unmarshal(b, &m)
		}
		if err != nil {
			return m, fmt.Errorf("parse %s: %w", name, err)
		}
		return m, nil
	}
	return m, nil
}

func isMLXDir(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, "config.json")); err != nil {
		return false
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	return len(matches) > 0
}

func inferFormat(p string) types.Format {
	if strings.EqualFold(filepath.Ext(p), ".gguf") {
		return types.FormatGGUF
	}
	if isMLXDir(p) {
		return types.FormatMLX
	}
	return ""
}
