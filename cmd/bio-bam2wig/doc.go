// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Given one or more coordinate-sorted, indexed BAMs, bio-bam2wig converts their
alignments into a genome signal track in bedGraph, fixedStep or variableStep
wig format, optionally converted to bigWig.

Each alignment (or read-pair, in the paired modes) is recorded according to
-mode:

  start     the 5' base of each alignment
  mid       the alignment midpoint
  span      every reference base covered by the alignment
  extend    -extend bases from the 5' end
  cspan     a window of -extend bases centred on the fragment midpoint
  coverage  per-base read depth, without alignment filters
  smartpe   the union of both mates' footprints
  ends      both outer ends of each fragment

For single-end ChIP-style data, -estimate-shift infers how far 5' ends lie
from the fragment centres by cross-correlating the strand profiles around
high-coverage windows, and uses it as -shift (or twice it as -extend).

With several BAMs, each is processed separately and the signals are summed,
or averaged with -combine=mean, after optional -rpm and -scale normalization.

Sample usage:
bio-bam2wig \
    -mode extend \
    -estimate-shift \
    -bin 10 \
    -format bedgraph \
    -rpm \
    -out my-track \
    rep1.bam rep2.bam

This writes my-track.bdg.  With -strand, my-track_f.bdg and my-track_r.bdg
are written instead.
*/
package main
