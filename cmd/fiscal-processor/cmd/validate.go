package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/fiscal-processor/internal/model"
)

var validateCmd = &cobra.Command{
	Use:   "validate [files...]",
	Short: "Validate fiscal documents without storing them",
	Long: `Parse and validate NF-e and CT-e XML files. Nothing is written to the
ledger.

Checks performed:
  - Access key format and check digit
  - Issuer and recipient CNPJ/CPF
  - CFOP against the origin and destination UF
  - ICMS rate and amount against the rate table
  - NCM format and IPI presence
  - Emission date (future, retroactive)
  - Signature presence and integrity (SIGNATURE_VERIFY)

Exits non-zero if any file fails to parse or has rule errors.

Examples:
  fiscal-processor validate nfe.xml
  fiscal-processor validate notas/*.xml -f table`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// fileValidation is the outcome for one file
type fileValidation struct {
	File         string                  `json:"file"`
	DocumentType model.DocumentType      `json:"document_type,omitempty"`
	AccessKey    string                  `json:"chave_acesso,omitempty"`
	Valid        bool                    `json:"valid"`
	Result       *model.ValidationResult `json:"result,omitempty"`
	Error        string                  `json:"error,omitempty"`
	ErrorCode    model.ErrorKind         `json:"error_code,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files found to validate")
	}

	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	results := make([]*fileValidation, 0, len(files))
	failed := 0
	for _, file := range files {
		printVerbose("Validating: %s\n", file)
		result := validateFile(cmd.Context(), a, file)
		if !result.Valid {
			failed++
		}
		results = append(results, result)
	}

	if err := render(os.Stdout, results, validateRows(results)); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("validation failed for %d of %d files", failed, len(files))
	}
	return nil
}

func validateFile(ctx context.Context, a *app, path string) *fileValidation {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result := &fileValidation{File: path}

	data, err := os.ReadFile(path)
	if err != nil {
		result.Error = fmt.Sprintf("failed to read file: %v", err)
		return result
	}

	doc, validation, err := a.pipeline.Validate(ctx, data)
	if err != nil {
		result.Error = err.Error()
		result.ErrorCode = model.KindOf(err)
		return result
	}

	result.DocumentType = doc.Type
	result.AccessKey = doc.AccessKey
	result.Result = validation
	result.Valid = validation.IsValid
	return result
}

func validateRows(results []*fileValidation) rows {
	r := rows{header: []string{"FILE", "TYPE", "CHAVE", "VALID", "ERRORS", "WARNINGS"}}
	for _, res := range results {
		if res.Result == nil {
			r.add(res.File, "", "", boolMark(false), string(res.ErrorCode), res.Error)
			continue
		}
		r.add(
			res.File,
			string(res.DocumentType),
			res.AccessKey,
			boolMark(res.Valid),
			joinCodes(res.Result.ErrorCodes()),
			joinCodes(res.Result.WarningCodes()),
		)
	}
	return r
}
