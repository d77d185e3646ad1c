package units

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHumanSize(t *testing.T) {
	for size, want := range map[float64]string{
		13:         "13B",
		1000:       "1kB",
		1024:       "1.024kB",
		1048576:    "1.049MB",
		25 * MB:    "25MB",
		3.42 * GB:  "3.42GB",
		5.372 * TB: "5.372TB",
	} {
		assert.Equal(t, want, HumanSize(size))
	}
}

func TestFromHumanSize(t *testing.T) {
	valid := map[string]int64{
		"0":       0,
		"-0 B":    0,
		"32":      32,
		"32B":     32,
		"32.5 B":  32,
		"32. b":   32,
		"32k":     32 * KB,
		"32Kb":    32 * KB,
		"32.5 kB": 32.5 * KB,
		".3kB":    300,
		"0.3 K":   300,
		"25MB":    25 * MB,
		"10MiB":   10 * MB,
		"1GB":     GB,
		"2 TB":    2 * TB,
		"32Pb":    32 * PB,
	}
	for in, want := range valid {
		got, err := FromHumanSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{
		"", " ", ".", "hello", " 32", " 32 ", "32  b", "32 bb",
		"32bm", "32m b", "32B.", "-32", "-1kB", "25 megabytes",
	} {
		got, err := FromHumanSize(in)
		assert.Error(t, err, "%q", in)
		assert.Equal(t, int64(-1), got, "%q", in)
	}
}
