package aggregate

// weightedSum accumulates a nullable metric with per-contribution weights.
// Contributions with a nil value add nothing, including to the weight, so
// the average reflects only the ticks that carried the field.
type weightedSum struct {
	sum    float64
	weight int64
}

func (w *weightedSum) Add(v *float64, weight int64) {
	if v == nil {
		return
	}
	w.sum += *v * float64(weight)
	w.weight += weight
}

// Avg returns the weighted average, nil when nothing contributed.
func (w *weightedSum) Avg() *float64 {
	if w.weight == 0 {
		return nil
	}
	avg := w.sum / float64(w.weight)
	return &avg
}

// SideStats is the per-side accumulation state of a strike within a bucket.
type SideStats struct {
	Count     int64
	SumVolume int64
	LastOI    *int64

	IV    weightedSum
	Delta weightedSum
	Gamma weightedSum
	Theta weightedSum
	Vega  weightedSum
}

// Apply folds one tick contribution into the side.
func (s *SideStats) Apply(weight int64, volume int64, oi *int64, iv, delta, gamma, theta, vega *float64) {
	s.Count += weight
	s.SumVolume += volume
	if oi != nil {
		v := *oi
		s.LastOI = &v
	}
	s.IV.Add(iv, weight)
	s.Delta.Add(delta, weight)
	s.Gamma.Add(gamma, weight)
	s.Theta.Add(theta, weight)
	s.Vega.Add(vega, weight)
}
