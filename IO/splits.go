package IO

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Phases in the order their id files are read.
var Phases = []string{"train", "val", "test"}

// LoadSplitIDs reads one subject id per line. Ids written by np.savetxt are
// float formatted; blank lines and '#' comments are skipped.
func LoadSplitIDs(path string) ([]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ids []int64
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		s := sc.Text()
		if i := strings.IndexByte(s, '#'); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v != math.Trunc(v) {
			return nil, fmt.Errorf("%s:%d: %q is not a subject id", path, line, s)
		}
		ids = append(ids, int64(v))
	}
	return ids, sc.Err()
}

// LoadSplits reads {phase}_ids.txt for every phase in dir.
func LoadSplits(dir string) (map[string][]int64, error) {
	out := make(map[string][]int64, len(Phases))
	for _, phase := range Phases {
		ids, err := LoadSplitIDs(filepath.Join(dir, phase+"_ids.txt"))
		if err != nil {
			return nil, fmt.Errorf("load %s split: %w", phase, err)
		}
		out[phase] = ids
	}
	return out, nil
}

// Subsample returns ids[::stride][:limit]. stride <= 1 keeps every id and
// limit <= 0 keeps all of them.
func Subsample(ids []int64, stride, limit int) []int64 {
	if stride < 1 {
		stride = 1
	}
	var out []int64
	for i := 0; i < len(ids); i += stride {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, ids[i])
	}
	return out
}
