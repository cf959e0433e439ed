package sources

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/schoolmap/internal/fetcher"
	"github.com/sells-group/schoolmap/internal/table"
)

// Cache directories under data_dir, one per source.
const (
	dirSchools    = "school_loc"
	dirPopulation = "worldpop"
	dirSpeedtest  = "speedtest"
	dirOpenCell   = "opencellid"
	dirFacebook   = "fb"
	dirSatellite  = "satellite"
	dirSurvey     = "survey"
	dirGeodata    = "geodata"
)

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// readCache reads a cached table. ok is false when the file does not exist.
func readCache(ctx context.Context, path string, opts table.ReadOptions) (t *table.Table, ok bool, err error) {
	if !fileExists(path) {
		return nil, false, nil
	}
	zap.L().Debug("sources: cache hit", zap.String("path", path))
	t, err = table.ReadFileWith(ctx, path, opts)
	if err != nil {
		return nil, true, err
	}
	return t, true, nil
}

// writeCache persists t, creating parent directories as needed.
func writeCache(path string, t *table.Table) error {
	if err := table.WriteFile(path, t); err != nil {
		return eris.Wrapf(err, "sources: write cache %s", path)
	}
	zap.L().Info("sources: cache written", zap.String("path", path), zap.Int("rows", t.Len()))
	return nil
}

// downloadAtomic fetches url into path through a temporary file, so an
// interrupted download never looks like a cached artifact.
func downloadAtomic(ctx context.Context, f fetcher.Fetcher, url, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "sources: create dir %s", dir)
	}
	body, err := f.Download(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close() //nolint:errcheck

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.part")
	if err != nil {
		return eris.Wrap(err, "sources: create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(err, "sources: download %s", url)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "sources: close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return eris.Wrapf(err, "sources: rename to %s", path)
	}
	return nil
}
