package detect

import (
	"context"

	"github.com/kalambet/datedocs/internal/bucket"
)

// Result is the outcome of one detection pass. It is derived from the
// current store state and never persisted.
type Result struct {
	Missing []bucket.Key
	Stale   []bucket.Key
	All     []bucket.Key
	// Union holds every selected key in chronological order.
	Union   []bucket.Key
	Reasons map[bucket.Key]Reason
	Counts  map[Reason]int
}

// Len reports how many distinct keys were selected.
func (r Result) Len() int { return len(r.Union) }

// Combine runs detectors in order and merges their output. A key selected by
// more than one detector keeps the reason of the first.
func Combine(ctx context.Context, detectors ...Detector) (Result, error) {
	res := Result{
		Reasons: make(map[bucket.Key]Reason),
		Counts:  make(map[Reason]int),
	}
	for _, d := range detectors {
		keys, err := d.Detect(ctx)
		if err != nil {
			return Result{}, err
		}
		for _, k := range keys {
			if _, seen := res.Reasons[k]; seen {
				continue
			}
			res.Reasons[k] = d.Reason()
		}
	}

	union := bucket.NewSet()
	for k, reason := range res.Reasons {
		union.Add(k)
		res.Counts[reason]++
	}
	res.Union = union.Sorted()
	for _, k := range res.Union {
		switch res.Reasons[k] {
		case ReasonMissing:
			res.Missing = append(res.Missing, k)
		case ReasonStale:
			res.Stale = append(res.Stale, k)
		case ReasonAll:
			res.All = append(res.All, k)
		}
	}
	return res, nil
}
