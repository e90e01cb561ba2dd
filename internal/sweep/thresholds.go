package sweep

// thresholds is the sweep set, highest first. Downstream consumers index
// artifact files by these literal values, so neither the values nor their
// order may change.
var thresholds = func() []int {
	var t []int
	for v := 2000; v >= 100; v -= 100 {
		t = append(t, v)
	}
	return append(t, 75, 50, 25, 10, 5, 3, 2, 1, 0)
}()

// Thresholds returns a copy of the fixed descending sweep set.
func Thresholds() []int {
	out := make([]int, len(thresholds))
	copy(out, thresholds)
	return out
}
