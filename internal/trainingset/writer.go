// Package trainingset persists the final school table as numbered training
// set snapshots, training_set_v001.csv onwards, each with a YAML manifest.
package trainingset

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/schoolmap/internal/table"
)

var versionRe = regexp.MustCompile(`^training_set_v(\d{3})\.csv$`)

const (
	fileMode = 0o644
	// othersRWX is OR-ed into the file mode when legacy permissions are on.
	othersRWX = 0o007
)

// maxLinkAttempts bounds how often Save moves to the next version when a
// concurrent writer claimed the one it computed.
const maxLinkAttempts = 5

// FileName returns the CSV name of version v.
func FileName(v int) string {
	return fmt.Sprintf("training_set_v%03d.csv", v)
}

// Dir is the training set directory of a country: the country name is title
// cased, so "brazil" and "Brazil" share a directory.
func Dir(dataDir, country string) string {
	return filepath.Join(dataDir, "training_sets", cases.Title(language.English).String(country))
}

// Options configures a Writer.
type Options struct {
	// LegacyPermissions grants read, write and execute to others on every
	// saved file.
	LegacyPermissions bool
}

// Writer saves training sets into one directory.
type Writer struct {
	dir  string
	opts Options
	now  func() time.Time
	log  *zap.Logger
}

// NewWriter creates a writer for dir. The directory is created on first save.
func NewWriter(dir string, opts Options) *Writer {
	return &Writer{
		dir:  dir,
		opts: opts,
		now:  time.Now,
		log:  zap.L().With(zap.String("component", "trainingset")),
	}
}

// Dir returns the directory the writer saves into.
func (w *Writer) Dir() string { return w.dir }

// Versions lists the saved versions in ascending order. A missing directory
// has none. Only names matching training_set_vNNN.csv count.
func (w *Writer) Versions() ([]int, error) {
	entries, err := os.ReadDir(w.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &WriteError{Path: w.dir, Err: err}
	}
	var out []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := versionRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		v, _ := strconv.Atoi(m[1])
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

// NextVersion is one more than the highest saved version, or 1.
func (w *Writer) NextVersion() (int, error) {
	vs, err := w.Versions()
	if err != nil {
		return 0, err
	}
	if len(vs) == 0 {
		return 1, nil
	}
	return vs[len(vs)-1] + 1, nil
}

// Path returns the CSV path of version v.
func (w *Writer) Path(v int) string {
	return filepath.Join(w.dir, FileName(v))
}

// Save writes t as the next version and returns it. The CSV is written to a
// temporary file and linked into place, so a version file is either complete
// or absent, and a version claimed by a concurrent writer is never
// overwritten. meta is stored next to the CSV with version, rows and columns
// filled in.
func (w *Writer) Save(t *table.Table, meta Manifest) (int, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return 0, &WriteError{Path: w.dir, Err: err}
	}
	tmp, err := w.writeTemp(t)
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp) //nolint:errcheck

	v, path, err := w.claim(tmp)
	if err != nil {
		return 0, err
	}

	meta.Version = v
	meta.File = filepath.Base(path)
	meta.Rows = t.Len()
	meta.Columns = t.Names()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = w.now().UTC()
	}
	if err := w.finish(path, meta); err != nil {
		// A version without its manifest is not saved.
		_ = os.Remove(path)
		return 0, err
	}

	w.log.Info("trainingset: saved",
		zap.String("path", path),
		zap.Int("version", v),
		zap.Int("rows", t.Len()),
		zap.Int("columns", len(meta.Columns)),
	)
	return v, nil
}

func (w *Writer) finish(path string, meta Manifest) error {
	if err := WriteManifest(ManifestPath(path), meta); err != nil {
		return err
	}
	if w.opts.LegacyPermissions {
		if err := os.Chmod(ManifestPath(path), fileMode|othersRWX); err != nil {
			_ = os.Remove(ManifestPath(path))
			return &WriteError{Path: ManifestPath(path), Err: err}
		}
	}
	return nil
}

func (w *Writer) writeTemp(t *table.Table) (string, error) {
	f, err := os.CreateTemp(w.dir, ".training_set.*.tmp")
	if err != nil {
		return "", &WriteError{Path: w.dir, Err: err}
	}
	name := f.Name()
	fail := func(err error) (string, error) {
		_ = f.Close()
		_ = os.Remove(name)
		return "", &WriteError{Path: name, Err: err}
	}

	bw := bufio.NewWriter(f)
	if err := table.Write(bw, t); err != nil {
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	mode := os.FileMode(fileMode)
	if w.opts.LegacyPermissions {
		mode |= othersRWX
	}
	if err := f.Chmod(mode); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", &WriteError{Path: name, Err: err}
	}
	return name, nil
}

// claim moves tmp to the next free version path. A hard link fails when the
// target exists; filesystems without hard links fall back to rename.
func (w *Writer) claim(tmp string) (int, string, error) {
	for attempt := 0; attempt < maxLinkAttempts; attempt++ {
		v, err := w.NextVersion()
		if err != nil {
			return 0, "", err
		}
		path := w.Path(v)
		err = os.Link(tmp, path)
		switch {
		case err == nil:
			return v, path, nil
		case errors.Is(err, fs.ErrExist):
			w.log.Debug("trainingset: version taken, retrying", zap.Int("version", v))
			continue
		}
		if _, statErr := os.Stat(path); statErr == nil {
			continue
		}
		if err := os.Rename(tmp, path); err != nil {
			return 0, "", &WriteError{Path: path, Err: err}
		}
		return v, path, nil
	}
	return 0, "", &WriteError{Path: w.dir, Err: eris.Errorf("no free version after %d attempts", maxLinkAttempts)}
}
