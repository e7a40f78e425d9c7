package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/rezonia/fiscal-processor/internal/model"
	"github.com/rezonia/fiscal-processor/internal/processor"
)

var (
	outputFile    string
	ingestTimeout time.Duration
	noProgress    bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [files|dirs|globs...]",
	Short: "Ingest fiscal documents into the ledger",
	Long: `Run NF-e and CT-e XML files through the full pipeline: classification,
parsing, access key check, rule validation, deduplication and persistence.

Directories are walked for *.xml files. Documents go to the store selected
by STORAGE_BACKEND (memory, postgres, firestore).

Examples:
  fiscal-processor ingest nfe.xml
  fiscal-processor ingest notas/ ctes/*.xml -f table
  fiscal-processor ingest notas/ -o results.json --no-progress`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default: stdout)")
	ingestCmd.Flags().DurationVar(&ingestTimeout, "timeout", 10*time.Minute, "Timeout for the whole run")
	ingestCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")
}

func runIngest(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files found to ingest")
	}
	printVerbose("Found %d files to ingest\n", len(files))

	ctx, cancel := context.WithTimeout(cmd.Context(), ingestTimeout)
	defer cancel()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	results := make([]*model.ProcessResult, len(files))
	uploads := make([]processor.Upload, 0, len(files))
	positions := make([]int, 0, len(files))
	for i, file := range files {
		up, err := processor.ReadUpload(file)
		if err != nil {
			results[i] = &model.ProcessResult{
				FileName: file,
				State:    model.StateRejected,
				Message:  err.Error(),
			}
			continue
		}
		up.FileName = file
		uploads = append(uploads, up)
		positions = append(positions, i)
	}

	bar := newProgressBar(len(uploads))
	processed := a.pipeline.ProcessEach(ctx, uploads, func(i int, res *model.ProcessResult) {
		_ = bar.Add(1)
		printVerbose("%s: %s\n", res.FileName, res.Message)
	})
	_ = bar.Finish()

	for i, res := range processed {
		results[positions[i]] = res
	}

	w, closeOutput, err := openOutput(outputFile)
	if err != nil {
		return err
	}
	defer closeOutput()

	if err := render(w, results, ingestRows(results)); err != nil {
		return err
	}

	var rejected int
	for _, res := range results {
		if !res.Success {
			rejected++
		}
	}
	if rejected > 0 {
		return fmt.Errorf("%d of %d files rejected", rejected, len(results))
	}
	return nil
}

func newProgressBar(n int) *progressbar.ProgressBar {
	if noProgress || verbose {
		return progressbar.DefaultSilent(int64(n))
	}
	return progressbar.NewOptions(n,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("Ingesting documents"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

func ingestRows(results []*model.ProcessResult) rows {
	r := rows{header: []string{"FILE", "TYPE", "CHAVE", "STATE", "DUPLICATE", "VALID", "ERRORS", "MESSAGE"}}
	for _, res := range results {
		valid, codes := "", ""
		if res.Validation != nil {
			valid = boolMark(res.Validation.IsValid)
			codes = joinCodes(res.Validation.ErrorCodes())
		}
		if res.ErrorCode != "" {
			codes = string(res.ErrorCode)
		}
		r.add(
			res.FileName,
			string(res.DocumentType),
			res.AccessKey,
			string(res.State),
			boolMark(res.Duplicate),
			valid,
			codes,
			res.Message,
		)
	}
	return r
}
