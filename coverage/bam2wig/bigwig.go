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
package bam2wig

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/grailbio/bam2wig/coverage"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"v.io/x/lib/envvar"
	"v.io/x/lib/lookpath"
)

// bigWigTool returns the converter for a text format.
func bigWigTool(format Format) string {
	if format == BedGraph {
		return "bedGraphToBigWig"
	}
	return "wigToBigWig"
}

// writeChromSizes writes the "name\tlength" chromosome size file the
// converters need.
func writeChromSizes(ctx context.Context, path string, chroms []coverage.Chromosome) error {
	return writeTSV(ctx, path, func(w *tsv.Writer) error {
		for _, c := range chroms {
			w.WriteString(c.Name)
			w.WriteUint32(uint32(c.Len))
			if err := w.EndLine(); err != nil {
				return err
			}
		}
		return nil
	})
}

// convertBigWig converts each text track in paths to a .bw file next to it,
// and removes the text file on success.  A missing or failing converter
// leaves the text output in place; it is logged but not an error.
func convertBigWig(ctx context.Context, paths []string, format Format, chroms []coverage.Chromosome, tmpDir string) {
	tool := bigWigTool(format)
	bin, err := lookpath.Look(envvar.SliceToMap(os.Environ()), tool)
	if err != nil {
		log.Error.Printf("bam2wig: %s not found, keeping text output: %v", tool, err)
		return
	}
	sizes := filepath.Join(tmpDir, "chrom.sizes")
	if err := writeChromSizes(ctx, sizes, chroms); err != nil {
		log.Error.Printf("bam2wig: write %s: %v", sizes, err)
		return
	}
	for _, path := range paths {
		out := strings.TrimSuffix(path, "."+format.Ext()) + ".bw"
		cmd := exec.CommandContext(ctx, bin, path, sizes, out)
		if output, err := cmd.CombinedOutput(); err != nil {
			log.Error.Printf("bam2wig: %s %s failed, keeping text output: %v: %s", tool, path, err, output)
			continue
		}
		if err := os.Remove(path); err != nil {
			log.Error.Printf("bam2wig: remove %s: %v", path, err)
		}
		log.Printf("bam2wig: wrote %s", out)
	}
}
