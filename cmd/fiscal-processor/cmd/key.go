package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rezonia/fiscal-processor/internal/accesskey"
	"github.com/rezonia/fiscal-processor/internal/model"
)

var keyCmd = &cobra.Command{
	Use:   "key <chave>...",
	Short: "Decode and check access keys",
	Long: `Decode 44-digit access keys (chave de acesso) and verify the mod-11 check
digit. An "NFe" or "CTe" prefix and embedded spaces are accepted.

Examples:
  fiscal-processor key 35240911222333000181550010000123451123456780
  fiscal-processor key NFe35240911222333000181550010000123451123456780 -f table`,
	Args: cobra.MinimumNArgs(1),
	RunE: runKey,
}

func init() {
	rootCmd.AddCommand(keyCmd)
}

// decodedKey is the outcome for one key argument
type decodedKey struct {
	Input        string               `json:"input"`
	Valid        bool                 `json:"valid"`
	DocumentType model.DocumentType   `json:"document_type,omitempty"`
	UF           string               `json:"uf,omitempty"`
	Key          *accesskey.AccessKey `json:"key,omitempty"`
	Error        string               `json:"error,omitempty"`
	ErrorCode    model.ErrorKind      `json:"error_code,omitempty"`
}

func runKey(cmd *cobra.Command, args []string) error {
	results := make([]decodedKey, 0, len(args))
	invalid := 0
	for _, arg := range args {
		result := decodeKey(arg)
		if !result.Valid {
			invalid++
		}
		results = append(results, result)
	}

	r := rows{header: []string{"CHAVE", "VALID", "TYPE", "UF", "AAMM", "CNPJ", "MODELO", "SERIE", "NUMERO", "DV", "ERROR"}}
	for _, res := range results {
		if res.Key == nil {
			r.add(res.Input, boolMark(false), "", "", "", "", "", "", "", "", res.Error)
			continue
		}
		k := res.Key
		r.add(k.String(), boolMark(true), string(res.DocumentType), res.UF, k.YearMonth, k.CNPJ,
			k.Model, k.Series, k.Number, strconv.Itoa(k.CheckDigit), "")
	}

	if err := render(os.Stdout, results, r); err != nil {
		return err
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d keys invalid", invalid, len(args))
	}
	return nil
}

func decodeKey(input string) decodedKey {
	result := decodedKey{Input: input}
	k, err := accesskey.Decode(accesskey.Normalize(input))
	if err != nil {
		result.Error = err.Error()
		result.ErrorCode = model.KindOf(err)
		return result
	}
	result.Valid = true
	result.Key = &k
	result.UF = k.UF()
	result.DocumentType = documentTypeForModel(k.Model)
	return result
}

func documentTypeForModel(mod string) model.DocumentType {
	for _, t := range model.DocumentTypes {
		for _, m := range t.Models() {
			if m == mod {
				return t
			}
		}
	}
	return model.DocumentTypeUnknown
}
