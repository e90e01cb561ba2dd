package sweep

import "github.com/me/dammer/internal/interval"

// Merge unions a (chromosome, start)-sorted interval sequence. Consecutive
// intervals on the same chromosome merge when they overlap or abut; each
// merged interval counts the distinct samples it absorbed, so repeated
// contributions from one sample count once.
func Merge(sorted []interval.Interval) []interval.Merged {
	var out []interval.Merged
	if len(sorted) == 0 {
		return out
	}

	cur := interval.Merged{Chrom: sorted[0].Chrom, Start: sorted[0].Start, End: sorted[0].End}
	seen := map[string]struct{}{sorted[0].Sample: {}}
	for _, iv := range sorted[1:] {
		if iv.Chrom == cur.Chrom && iv.Start <= cur.End {
			if iv.End > cur.End {
				cur.End = iv.End
			}
			seen[iv.Sample] = struct{}{}
			continue
		}
		cur.SampleCount = len(seen)
		out = append(out, cur)

		cur = interval.Merged{Chrom: iv.Chrom, Start: iv.Start, End: iv.End}
		seen = map[string]struct{}{iv.Sample: {}}
	}
	cur.SampleCount = len(seen)
	return append(out, cur)
}
