package detect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/datedocs/internal/bucket"
)

type fakeContent struct {
	types    []string
	counts   map[bucket.Key]int       // live eligible counts
	modified map[bucket.Key]time.Time // latest modification per bucket
	queries  int
	err      error
}

func (f *fakeContent) EnabledTypes() []string { return f.types }

func (f *fakeContent) EligibleKeys(_ context.Context) ([]bucket.Key, error) {
	f.queries++
	if f.err != nil {
		return nil, f.err
	}
	var keys []bucket.Key
	for k, n := range f.counts {
		if n > 0 {
			keys = append(keys, k)
		}
	}
	bucket.SortKeys(keys)
	return keys, nil
}

func (f *fakeContent) EligibleCount(_ context.Context, key bucket.Key) (int, error) {
	f.queries++
	return f.counts[key], f.err
}

func (f *fakeContent) ModifiedSince(_ context.Context, keys []bucket.Key, since time.Time) ([]bucket.Key, error) {
	f.queries++
	var out []bucket.Key
	for _, k := range keys {
		if m, ok := f.modified[k]; ok && m.After(since) {
			out = append(out, k)
		}
	}
	return out, f.err
}

type fakeDocuments struct {
	counts  map[bucket.Key]int
	queries int
}

func (f *fakeDocuments) ExistingKeys(_ context.Context) ([]bucket.Key, error) {
	f.queries++
	var keys []bucket.Key
	for k := range f.counts {
		keys = append(keys, k)
	}
	bucket.SortKeys(keys)
	return keys, nil
}

func (f *fakeDocuments) DocumentCounts(_ context.Context) (map[bucket.Key]int, error) {
	f.queries++
	out := make(map[bucket.Key]int, len(f.counts))
	for k, v := range f.counts {
		out[k] = v
	}
	return out, nil
}

type watermarkFunc func() (time.Time, bool, error)

func (w watermarkFunc) LastRun(_ context.Context) (time.Time, bool, error) { return w() }

func fixedWatermark(t time.Time) Watermark {
	return watermarkFunc(func() (time.Time, bool, error) { return t, true, nil })
}

var noWatermark = watermarkFunc(func() (time.Time, bool, error) { return time.Time{}, false, nil })

var lastRun = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

// fixture:
//
//	07-01: document (2), live 2, untouched            -> nothing
//	07-02: document (3), live 3, modified after run   -> stale (modified)
//	07-03: document (3), live 2                       -> stale (count)
//	07-04: no document, live 1                        -> missing
//	07-05: document (1), live 0                       -> stale (count, orphan)
func fixture() (*fakeContent, *fakeDocuments) {
	c := &fakeContent{
		types: []string{"post"},
		counts: map[bucket.Key]int{
			"2024-07-01": 2,
			"2024-07-02": 3,
			"2024-07-03": 2,
			"2024-07-04": 1,
		},
		modified: map[bucket.Key]time.Time{
			"2024-07-01": lastRun.Add(-time.Hour),
			"2024-07-02": lastRun.Add(time.Hour),
			"2024-07-04": lastRun.Add(2 * time.Hour),
		},
	}
	d := &fakeDocuments{counts: map[bucket.Key]int{
		"2024-07-01": 2,
		"2024-07-02": 3,
		"2024-07-03": 3,
		"2024-07-05": 1,
	}}
	return c, d
}

func TestAllDetector(t *testing.T) {
	c, _ := fixture()
	keys, err := (&AllDetector{Content: c}).Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []bucket.Key{"2024-07-01", "2024-07-02", "2024-07-03", "2024-07-04"}, keys)
}

func TestMissingDetector(t *testing.T) {
	c, d := fixture()
	keys, err := (&MissingDetector{Content: c, Documents: d}).Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []bucket.Key{"2024-07-04"}, keys)
}

func TestStaleDetector(t *testing.T) {
	c, d := fixture()
	det := &StaleDetector{Content: c, Documents: d, Watermark: fixedWatermark(lastRun)}
	keys, err := det.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []bucket.Key{"2024-07-02", "2024-07-03", "2024-07-05"}, keys)
}

func TestStaleDetector_NoLastRunIsEmpty(t *testing.T) {
	c, d := fixture()
	det := &StaleDetector{Content: c, Documents: d, Watermark: noWatermark}
	keys, err := det.Detect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)

	// Missing detection still applies on a first run.
	missing, err := (&MissingDetector{Content: c, Documents: d}).Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []bucket.Key{"2024-07-04"}, missing)
}

func TestStaleDetector_SameCountSwapGoesUnnoticed(t *testing.T) {
	c := &fakeContent{
		types:  []string{"post"},
		counts: map[bucket.Key]int{"2024-07-01": 2},
	}
	d := &fakeDocuments{counts: map[bucket.Key]int{"2024-07-01": 2}}
	det := &StaleDetector{Content: c, Documents: d, Watermark: fixedWatermark(lastRun)}

	keys, err := det.Detect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestDetectors_NoEnabledTypesSkipQueries(t *testing.T) {
	c, d := fixture()
	c.types = nil
	detectors := []Detector{
		&AllDetector{Content: c},
		&MissingDetector{Content: c, Documents: d},
		&StaleDetector{Content: c, Documents: d, Watermark: fixedWatermark(lastRun)},
	}
	for _, det := range detectors {
		keys, err := det.Detect(context.Background())
		require.NoError(t, err, det.Reason())
		assert.Empty(t, keys, det.Reason())
	}
	assert.Zero(t, c.queries, "content store should not be queried")
	assert.Zero(t, d.queries, "document store should not be queried")
}

func TestDetectors_PropagateErrors(t *testing.T) {
	c, d := fixture()
	c.err = errors.New("db down")
	_, err := (&MissingDetector{Content: c, Documents: d}).Detect(context.Background())
	assert.ErrorIs(t, err, c.err)

	boom := errors.New("state unreadable")
	det := &StaleDetector{Content: c, Documents: d, Watermark: watermarkFunc(func() (time.Time, bool, error) {
		return time.Time{}, false, boom
	})}
	_, err = det.Detect(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestCombine_MissingAndStaleAreDisjoint(t *testing.T) {
	c, d := fixture()
	res, err := Combine(context.Background(),
		&MissingDetector{Content: c, Documents: d},
		&StaleDetector{Content: c, Documents: d, Watermark: fixedWatermark(lastRun)},
	)
	require.NoError(t, err)

	assert.Equal(t, []bucket.Key{"2024-07-04"}, res.Missing)
	assert.Equal(t, []bucket.Key{"2024-07-02", "2024-07-03", "2024-07-05"}, res.Stale)
	assert.Equal(t, []bucket.Key{"2024-07-02", "2024-07-03", "2024-07-04", "2024-07-05"}, res.Union)
	assert.Equal(t, 4, res.Len())
	assert.Equal(t, map[Reason]int{ReasonMissing: 1, ReasonStale: 3}, res.Counts)

	missing := bucket.NewSet(res.Missing...)
	for _, k := range res.Stale {
		assert.False(t, missing.Has(k), "%s is both missing and stale", k)
	}
}

func TestCombine_CompletenessOfMissing(t *testing.T) {
	c, d := fixture()
	res, err := Combine(context.Background(),
		&MissingDetector{Content: c, Documents: d},
		&StaleDetector{Content: c, Documents: d, Watermark: fixedWatermark(lastRun)},
	)
	require.NoError(t, err)

	stale := bucket.NewSet(res.Stale...)
	for k, n := range c.counts {
		if _, stored := d.counts[k]; n > 0 && !stored {
			assert.Contains(t, res.Missing, k)
			assert.False(t, stale.Has(k))
		}
	}
}

func TestCombine_FirstReasonWins(t *testing.T) {
	c, d := fixture()
	res, err := Combine(context.Background(),
		&AllDetector{Content: c},
		&MissingDetector{Content: c, Documents: d},
	)
	require.NoError(t, err)

	assert.Equal(t, ReasonAll, res.Reasons["2024-07-04"])
	assert.Empty(t, res.Missing)
	assert.Len(t, res.All, 4)
}

func TestCombine_Empty(t *testing.T) {
	res, err := Combine(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Len())
	assert.Empty(t, res.Union)
}
