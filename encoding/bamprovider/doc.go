// Package bamprovider provides utilities for scanning a BAM file in
// parallel.
//
// The Provider is an interface for reading a BAM file in parallel.  Depth is
// implemented on top of Provider to produce per-base read depth.
package bamprovider
