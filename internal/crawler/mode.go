package crawler

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrConflictingMode is returned when both resume and fresh are requested.
	ErrConflictingMode = errors.New("resume and fresh are mutually exclusive")
	// ErrModeRequired is returned when prior output exists and no mode was chosen.
	ErrModeRequired = errors.New("existing crawl output found; choose --resume or --fresh")
	// ErrExistingData is returned for a fresh start over existing output.
	ErrExistingData = errors.New("fresh start requested but crawl output already exists")
)

// CheckMode refuses to start when the requested mode could silently reuse or
// clobber earlier output. It only inspects the filesystem.
func CheckMode(statePath, dataDir string, resume, fresh bool) error {
	if resume && fresh {
		return ErrConflictingMode
	}
	var found []string
	if _, err := os.Stat(statePath); err == nil {
		found = append(found, "  - "+statePath)
	}
	if nonEmptyDir(dataDir) {
		found = append(found, "  - "+dataDir+string(os.PathSeparator))
	}
	if len(found) == 0 || resume {
		return nil
	}
	if fresh {
		return fmt.Errorf("%w:\n%s\n\nclear them first:\n  rm -rf %s %s\nthen re-run with --fresh",
			ErrExistingData, strings.Join(found, "\n"), statePath, dataDir)
	}
	return fmt.Errorf("%w:\n%s\n\n  --resume  continue from the last checkpoint\n  --fresh   start over (requires clearing the output first)",
		ErrModeRequired, strings.Join(found, "\n"))
}

func nonEmptyDir(dir string) bool {
	f, err := os.Open(dir) // #nosec G304 -- configured output directory.
	if err != nil {
		return false
	}
	defer func() {
		_ = f.Close()
	}()
	names, err := f.Readdirnames(1)
	return err == nil && len(names) > 0
}
