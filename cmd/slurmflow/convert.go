package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/popgenlabs/slurmflow/internal/vcf"
)

var (
	convertIn    string
	convertOut   string
	convertChrom string
)

func init() {
	tsvToVCFCmd.Flags().StringVar(&convertIn, "in", "", "input base table (.tsv or .tsv.gz)")
	tsvToVCFCmd.Flags().StringVar(&convertOut, "out", "", "output VCF path (.vcf or .vcf.gz)")
	tsvToVCFCmd.Flags().StringVar(&convertChrom, "chrom", "", "chromosome name for the CHROM column")
	convertCmd.AddCommand(tsvToVCFCmd)
}

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert pipeline outputs between formats",
}

var tsvToVCFCmd = &cobra.Command{
	Use:   "tsv-to-vcf",
	Short: "Convert an alignment base table to VCF",
	Example: `
# Convert one chromosome's base table
slurmflow convert tsv-to-vcf --in Chr5.tsv.gz --out Chr5.vcf.gz --chrom Chr5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if convertIn == "" || convertOut == "" || convertChrom == "" {
			return errors.New("--in, --out, and --chrom are required")
		}
		if err := vcf.ConvertFile(convertIn, convertOut, convertChrom); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", convertOut)
		return nil
	},
}
