package datasets

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

func parseFloat32(s string) (float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty value")
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, err
	}
	return float32(v), nil
}

// parseInt32s parses a whitespace-separated list of label ids.
func parseInt32s(s string) ([]int32, error) {
	fields := strings.Fields(s)
	out := make([]int32, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseInt(f, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing label id %q", f)
		}
		out = append(out, int32(v))
	}
	return out, nil
}

// displayName derives an example's display name from its source path: the
// base name, cut at the first dot. "dir/utt001.feat.csv" -> "utt001".
func displayName(path string) string {
	name, _, _ := strings.Cut(filepath.Base(path), ".")
	return name
}
