// Package vcf converts haplotype base tables produced by the alignment
// pipeline into VCF for the diversity tools. The table is tab-separated with
// a position column, one column per sample, and the reference genome as the
// last column.
package vcf

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

var validBases = map[string]struct{}{
	"A": {}, "C": {}, "G": {}, "T": {},
}

// Convert reads a decompressed base table and writes VCF v4.2 records for
// chrom. Rows whose reference base is not A, C, G, or T are skipped; sample
// bases outside that set (N, gaps) become missing genotype calls.
func Convert(r io.Reader, w io.Writer, chrom string) error {
	chrom = strings.TrimSpace(chrom)
	if chrom == "" {
		return fmt.Errorf("chromosome name is required")
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 16<<20)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read header: %w", err)
		}
		return fmt.Errorf("input table is empty")
	}

	header := strings.Split(strings.TrimRight(scanner.Text(), "\n"), "\t")
	if len(header) < 3 || header[0] != "pos" {
		return fmt.Errorf("malformed table header: want pos, samples..., reference")
	}
	samples := header[1 : len(header)-1]
	refName := header[len(header)-1]

	out := bufio.NewWriter(w)
	fmt.Fprintf(out, "##fileformat=VCFv4.2\n")
	fmt.Fprintf(out, "##reference=%s\n", refName)
	fmt.Fprintf(out, "##FORMAT=<ID=GT,Number=1,Type=String,Description=\"Genotype\">\n")
	fmt.Fprintf(out, "#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\t%s\n", strings.Join(samples, "\t"))

	lineNo := 1
	for scanner.Scan() {
		lineNo++
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != len(header) {
			return fmt.Errorf("line %d: %d columns, want %d", lineNo, len(fields), len(header))
		}

		pos := fields[0]
		refBase := fields[len(fields)-1]
		sampleBases := fields[1 : len(fields)-1]

		if _, ok := validBases[refBase]; !ok {
			continue
		}

		altSet := make(map[string]struct{})
		for _, b := range sampleBases {
			if _, ok := validBases[b]; ok && b != refBase {
				altSet[b] = struct{}{}
			}
		}
		alts := make([]string, 0, len(altSet))
		for b := range altSet {
			alts = append(alts, b)
		}
		sort.Strings(alts)

		altField := "."
		if len(alts) > 0 {
			altField = strings.Join(alts, ",")
		}

		genotypes := make([]string, len(sampleBases))
		for i, b := range sampleBases {
			switch {
			case b == refBase:
				genotypes[i] = "0/0"
			default:
				idx := altIndex(alts, b)
				if idx == 0 {
					genotypes[i] = "./."
				} else {
					genotypes[i] = fmt.Sprintf("%d/%d", idx, idx)
				}
			}
		}

		fmt.Fprintf(out, "%s\t%s\t.\t%s\t%s\t.\tPASS\t.\tGT\t%s\n",
			chrom, pos, refBase, altField, strings.Join(genotypes, "\t"))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read table: %w", err)
	}
	return out.Flush()
}

// altIndex returns the 1-based allele index, or 0 for missing/invalid bases.
func altIndex(alts []string, base string) int {
	if _, ok := validBases[base]; !ok {
		return 0
	}
	for i, alt := range alts {
		if alt == base {
			return i + 1
		}
	}
	return 0
}

// ConvertFile converts inPath to outPath, transparently handling gzip on
// either side by file extension.
func ConvertFile(inPath, outPath, chrom string) error {
	in, err := os.Open(inPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	var reader io.Reader = in
	if strings.HasSuffix(inPath, ".gz") {
		gz, err := gzip.NewReader(in)
		if err != nil {
			return fmt.Errorf("open gzip input: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer out.Close()

	var writer io.Writer = out
	var gzOut *gzip.Writer
	if strings.HasSuffix(outPath, ".gz") {
		gzOut = gzip.NewWriter(out)
		writer = gzOut
	}

	if err := Convert(reader, writer, chrom); err != nil {
		return err
	}
	if gzOut != nil {
		if err := gzOut.Close(); err != nil {
			return fmt.Errorf("close gzip output: %w", err)
		}
	}
	return out.Close()
}
