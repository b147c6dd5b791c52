package main

import (
	"fmt"

	"github.com/spf13/cobra"

	platformstore "github.com/popgenlabs/slurmflow/internal/platform/objectstore"
	"github.com/popgenlabs/slurmflow/internal/storage/objectstore"
)

var (
	uploadPrefix string
	uploadJobID  int64
)

func init() {
	uploadResultsCmd.Flags().StringVar(&uploadPrefix, "prefix", "", "object key prefix (defaults to the pipeline name)")
	uploadResultsCmd.Flags().Int64Var(&uploadJobID, "job-id", 0, "also stage the job's scheduler logs for this job id")
}

var uploadResultsCmd = &cobra.Command{
	Use:   "upload-results [pipeline.yaml]",
	Short: "Stage the outputs declared by a pipeline into the results bucket",
	Example: `
# Upload declared stage outputs after the job completes
slurmflow upload-results pipelines/pannagram.yaml --prefix runs/2026-08-23

# Also stage the scheduler's stdout/stderr logs for job 991234
slurmflow upload-results pipelines/pannagram.yaml --job-id 991234`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := loadValidated(args[0])
		if err != nil {
			return err
		}

		cfg, err := platformstore.ConfigFromEnv()
		if err != nil {
			return err
		}
		store, err := objectstore.NewMinioStore(cfg)
		if err != nil {
			return err
		}

		uploader := &objectstore.ResultUploader{Store: store, Bucket: cfg.BucketResults}
		keys, err := uploader.UploadResults(cmd.Context(), spec, uploadPrefix)
		if err != nil {
			return err
		}
		for _, key := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s/%s\n", cfg.BucketResults, key)
		}

		if uploadJobID > 0 {
			logUploader := &objectstore.LogUploader{Store: store, Bucket: cfg.BucketLogs}
			logKeys, err := logUploader.UploadLogs(cmd.Context(), spec, uploadJobID, uploadPrefix)
			if err != nil {
				return err
			}
			for _, key := range logKeys {
				fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s/%s\n", cfg.BucketLogs, key)
			}
			keys = append(keys, logKeys...)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%d objects uploaded\n", len(keys))
		return nil
	},
}
