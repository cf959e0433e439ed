package trainingset

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Manifest describes one saved training set.
type Manifest struct {
	Version   int       `yaml:"version"`
	File      string    `yaml:"file"`
	Country   string    `yaml:"country"`
	Features  []string  `yaml:"features"`
	Rows      int       `yaml:"rows"`
	Columns   []string  `yaml:"columns"`
	RunID     string    `yaml:"run_id,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
}

// ManifestPath maps training_set_vNNN.csv to training_set_vNNN.yaml.
func ManifestPath(csvPath string) string {
	return strings.TrimSuffix(csvPath, filepath.Ext(csvPath)) + ".yaml"
}

// WriteManifest stores m as YAML at path through a temporary file.
func WriteManifest(path string, m Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return &WriteError{Path: path, Err: err}
	}
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return &WriteError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	return nil
}

// ReadManifest loads the manifest at path.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "trainingset: read manifest %s", path)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrapf(err, "trainingset: parse manifest %s", path)
	}
	return &m, nil
}

// Manifests returns the manifest of every saved version that has one, in
// version order.
func (w *Writer) Manifests() ([]Manifest, error) {
	vs, err := w.Versions()
	if err != nil {
		return nil, err
	}
	out := make([]Manifest, 0, len(vs))
	for _, v := range vs {
		m, err := ReadManifest(ManifestPath(w.Path(v)))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				out = append(out, Manifest{Version: v, File: FileName(v)})
				continue
			}
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}
