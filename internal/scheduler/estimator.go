package scheduler

// Estimate is the estimated time for a partition to complete one more job,
// in arbitrary but mutually comparable units.
//
// Estimates are exact rationals compared by cross-multiplication, so two
// partitions with the same score and load estimate exactly equal and the
// registry-index tie-break is reproducible. Floating point appears only in
// the rendering used for logs and metrics, never in the decision path.
type Estimate struct {
	num int64
	den int64
}

// EstimateCompletionTime estimates the time for a partition with the given
// current load to complete one more job, given it completed score commands in
// the trailing window.
//
// The estimate is (load+1) / (score+1):
//   - strictly decreasing in score at fixed load, so a faster partition always
//     estimates lower than a slower one;
//   - strictly increasing in load, and defined at any load, so a partition at
//     its concurrency cap stays comparable rather than excluded;
//   - score zero behaves as score one, so an idle or new partition has
//     unknown-but-finite speed instead of being starved or always preferred.
func EstimateCompletionTime(load int, score int) Estimate {
	return Estimate{num: int64(load) + 1, den: int64(score) + 1}
}

func (e Estimate) Less(other Estimate) bool {
	return e.num*other.den < other.num*e.den
}

func (e Estimate) Equal(other Estimate) bool {
	return e.num*other.den == other.num*e.den
}

// Ticks renders the estimate as a float for logs and metrics.
func (e Estimate) Ticks() float64 {
	return float64(e.num) / float64(e.den)
}
