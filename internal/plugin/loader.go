package plugin

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"pulse/internal/constants"
	pkgerrors "pulse/pkg/errors"
)

// Manifest is the plugin.json descriptor. Main defaults to the standard
// entry file; Lib is concatenated before Main; Config holds default config
// values overridden per tenant by the config row.
type Manifest struct {
	Main   string                 `json:"main"`
	Lib    string                 `json:"lib"`
	Config map[string]interface{} `json:"config"`
}

// LoadedSource is the normalized result of resolving any of the three
// plugin source shapes.
type LoadedSource struct {
	Source string
	Config map[string]interface{}
}

// LoadSource resolves a plugin's source to normalized text. The three
// shapes (local directory, gzip tar archive, inline text) all come out the
// same way so the sandbox never knows where source came from. All failures
// are load errors: permanent, tenant-visible, never retried.
func LoadSource(p *Plugin) (*LoadedSource, error) {
	switch {
	case strings.HasPrefix(p.URL, "file:"):
		return loadFromDir(strings.TrimPrefix(p.URL, "file:"))
	case len(p.Archive) > 0:
		return loadFromArchive(p.Archive)
	case p.Source != "":
		return &LoadedSource{Source: p.Source}, nil
	default:
		return nil, pkgerrors.ErrPluginLoad.WithDetail("message",
			fmt.Sprintf("plugin %d has no source", p.ID))
	}
}

func loadFromDir(dir string) (*LoadedSource, error) {
	manifest, err := readManifest(func(name string) ([]byte, bool) {
		data, err := os.ReadFile(filepath.Join(dir, name))
		return data, err == nil
	})
	if err != nil {
		return nil, err
	}

	return assemble(manifest, func(name string) ([]byte, bool) {
		data, err := os.ReadFile(filepath.Join(dir, name))
		return data, err == nil
	})
}

func loadFromArchive(archive []byte) (*LoadedSource, error) {
	files, err := readArchive(archive)
	if err != nil {
		return nil, pkgerrors.ErrPluginLoad.WithCause(err).WithDetail("message", "unreadable plugin archive")
	}

	lookup := func(name string) ([]byte, bool) {
		data, ok := files[name]
		return data, ok
	}

	manifest, err := readManifest(lookup)
	if err != nil {
		return nil, err
	}
	return assemble(manifest, lookup)
}

func readManifest(lookup func(string) ([]byte, bool)) (*Manifest, error) {
	manifest := &Manifest{Main: constants.DefaultPluginEntryFile}

	data, ok := lookup(constants.ManifestFileName)
	if !ok {
		return manifest, nil
	}

	if err := json.Unmarshal(data, manifest); err != nil {
		return nil, pkgerrors.ErrPluginLoad.WithCause(err).WithDetail("message", "unreadable plugin manifest")
	}
	if manifest.Main == "" {
		manifest.Main = constants.DefaultPluginEntryFile
	}
	return manifest, nil
}

func assemble(manifest *Manifest, lookup func(string) ([]byte, bool)) (*LoadedSource, error) {
	main, ok := lookup(manifest.Main)
	if !ok {
		return nil, pkgerrors.ErrPluginLoad.WithDetail("message",
			fmt.Sprintf("entry file %s not found", manifest.Main))
	}

	source := string(main)
	if manifest.Lib != "" {
		lib, ok := lookup(manifest.Lib)
		if !ok {
			return nil, pkgerrors.ErrPluginLoad.WithDetail("message",
				fmt.Sprintf("lib file %s not found", manifest.Lib))
		}
		source = string(lib) + "\n" + source
	}

	return &LoadedSource{Source: source, Config: manifest.Config}, nil
}

// readArchive expands a gzip tarball into a path-keyed map, stripping a
// shared top-level directory when the tarball wraps its contents in one.
func readArchive(archive []byte) (map[string][]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read tar entry %s: %w", name, err)
		}
		files[name] = data
	}

	if _, ok := files[constants.ManifestFileName]; ok {
		return files, nil
	}

	prefix := ""
	for name := range files {
		idx := strings.Index(name, "/")
		if idx < 0 {
			return files, nil
		}
		dir := name[:idx+1]
		if prefix == "" {
			prefix = dir
		} else if prefix != dir {
			return files, nil
		}
	}

	stripped := make(map[string][]byte, len(files))
	for name, data := range files {
		stripped[strings.TrimPrefix(name, prefix)] = data
	}
	return stripped, nil
}
