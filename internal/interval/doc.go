// Package interval parses and holds genomic intervals contributed by
// replicate samples.
//
// Coordinates are zero-based and half-open, [Start, End), as in BED files.
// A Set is the content of one sample's result file; a Store groups the
// intervals that pass each threshold of a sweep, across all samples.
package interval
