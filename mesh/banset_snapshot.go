// Split out so the golang.org/x/exp/maps dependency has a single, obvious
// call site.

package mesh

import (
	"sort"

	"golang.org/x/exp/maps"
)

func banSnapshotKeys(entries map[string]int64) []string {
	keys := maps.Keys(entries)
	sort.Strings(keys)
	return keys
}
