// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bam provides the genomic-range types shared by the alignment
// providers in encoding/bamprovider.
package bam
