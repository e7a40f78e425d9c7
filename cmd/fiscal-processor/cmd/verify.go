package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/fiscal-processor/internal/processor"
	"github.com/rezonia/fiscal-processor/internal/signature"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [files...]",
	Short: "Verify XMLDSig signatures",
	Long: `Verify the enveloped XMLDSig signature on NF-e and CT-e XML files.

Verifies:
  - A Signature element is present
  - The reference points at infNFe/infCte and its digest matches
  - The signature value verifies against the embedded certificate
  - The certificate was valid at the emission date

Chain trust is not checked; SEFAZ authorization already covers it.

Examples:
  fiscal-processor verify nfe.xml
  fiscal-processor verify notas/ -f table`,
	Args: cobra.MinimumNArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

// VerifyResult holds the result of verifying a single file
type VerifyResult struct {
	File string `json:"file"`
	*signature.VerificationResult
	Error string `json:"error,omitempty"`
}

func runVerify(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files found to verify")
	}

	pipeline := processor.NewPipeline()

	results := make([]*VerifyResult, 0, len(files))
	invalid := 0
	for _, file := range files {
		printVerbose("Verifying: %s\n", file)
		result := verifyFile(cmd.Context(), pipeline, file)
		if result.VerificationResult == nil || !result.Valid {
			invalid++
		}
		results = append(results, result)
	}

	r := rows{header: []string{"FILE", "VALID", "SIGNED", "REFERENCE", "CERT", "SIGNER", "CNPJ", "ERRORS"}}
	for _, res := range results {
		if res.VerificationResult == nil {
			r.add(res.File, boolMark(false), "", "", "", "", "", res.Error)
			continue
		}
		name, cnpj := "", ""
		if res.Signer != nil {
			name, cnpj = res.Signer.Name, res.Signer.CNPJ
		}
		r.add(res.File,
			boolMark(res.Valid),
			boolMark(res.SignatureFound),
			boolMark(res.ReferenceValid),
			boolMark(res.CertValidAtSigning),
			name,
			cnpj,
			strings.Join(res.Errors, "; "),
		)
	}

	if err := render(os.Stdout, results, r); err != nil {
		return err
	}
	if invalid > 0 {
		return fmt.Errorf("signature verification failed for %d of %d files", invalid, len(files))
	}
	return nil
}

func verifyFile(ctx context.Context, pipeline *processor.Pipeline, path string) *VerifyResult {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result := &VerifyResult{File: path}

	data, err := os.ReadFile(path)
	if err != nil {
		result.Error = fmt.Sprintf("failed to read file: %v", err)
		return result
	}
	if processor.DetectFormat(data) != processor.FormatXML {
		result.Error = "unsupported file format for signature verification"
		return result
	}

	verification, err := pipeline.Inspect(ctx, data)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.VerificationResult = verification
	return result
}
