package lsm

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
)

// discoverLevels rebuilds the in-memory level structure purely from what
// is on disk: it lists L0..L<Levels-1>, opens every *.sst.index file it
// finds, and sorts each level's tables. The directory layout doubles as
// the manifest, so there is no separate manifest file to go stale or to
// lose. It also returns the highest table id observed, so the engine can
// resume id allocation past it.
func discoverLevels(dbDir string, numLevels, l0Max, ratio int) ([]*level, uint64, error) {
	levels := make([]*level, numLevels)
	for i := range levels {
		levels[i] = newLevelWithCaps(i, l0Max, ratio)
	}

	var maxID uint64
	for num := 0; num < numLevels; num++ {
		dir := levelDir(dbDir, num)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, 0, err
		}

		var tables []*sstable
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".sst.index") {
				continue
			}
			id, err := tableIDFromIndexName(e.Name())
			if err != nil {
				continue // skip unrecognised files rather than fail startup
			}
			tbl, err := openSSTable(dbDir, num, id)
			if err != nil {
				// A corrupt table is quarantined, not fatal: skip it and
				// keep recovering the rest.
				slog.Warn("quarantined unreadable table", "level", num, "id", id, "error", err)
				continue
			}
			tables = append(tables, tbl)
			if id > maxID {
				maxID = id
			}
		}

		if num == 0 {
			// Newest-first: higher ids were created later.
			sort.Slice(tables, func(i, j int) bool { return tables[i].id > tables[j].id })
		} else {
			sort.Slice(tables, func(i, j int) bool {
				return compareBytesLess(tables[i].minKey, tables[j].minKey)
			})
		}
		levels[num].tables = tables
	}

	return levels, maxID, nil
}

func compareBytesLess(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// tableIDFromIndexName parses "table_<id>.sst.index" back into its id.
func tableIDFromIndexName(name string) (uint64, error) {
	base := strings.TrimSuffix(name, ".sst.index")
	const prefix = "table_"
	if !strings.HasPrefix(base, prefix) {
		return 0, fmt.Errorf("lsmtree: not a table index file: %s", name)
	}
	return strconv.ParseUint(strings.TrimPrefix(base, prefix), 10, 64)
}

// ensureLevelDirs creates L0..L<numLevels-1> up front so the compactor
// and flush path never race a MkdirAll against a concurrent reader.
func ensureLevelDirs(dbDir string, numLevels int) error {
	for i := 0; i < numLevels; i++ {
		if err := os.MkdirAll(levelDir(dbDir, i), 0o755); err != nil {
			return err
		}
	}
	return nil
}
