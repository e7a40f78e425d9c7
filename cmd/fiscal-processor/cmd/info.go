package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/fiscal-processor/internal/model"
	"github.com/rezonia/fiscal-processor/internal/processor"
)

var infoCmd = &cobra.Command{
	Use:   "info [files...]",
	Short: "Show information about fiscal document files",
	Long: `Display information about files without running the pipeline.

Shows:
  - File size and modification time
  - Detected container format (XML, PDF, image)
  - Detected document type (NF-e, CT-e) for XML
  - A short preview of the content

Examples:
  fiscal-processor info nfe.xml
  fiscal-processor info notas/ -f table`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

// fileInfo describes one file
type fileInfo struct {
	File         string             `json:"file"`
	Size         int64              `json:"size"`
	Modified     time.Time          `json:"modified"`
	Format       string             `json:"format"`
	DocumentType model.DocumentType `json:"document_type,omitempty"`
	Preview      string             `json:"preview,omitempty"`
	Error        string             `json:"error,omitempty"`
}

func runInfo(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files found")
	}

	// Classification needs no store, rates or config
	pipeline := processor.NewPipeline()

	infos := make([]*fileInfo, 0, len(files))
	for _, file := range files {
		infos = append(infos, describeFile(pipeline, file))
	}

	r := rows{header: []string{"FILE", "SIZE", "MODIFIED", "FORMAT", "TYPE", "ERROR"}}
	for _, info := range infos {
		modified := ""
		if !info.Modified.IsZero() {
			modified = info.Modified.Format("2006-01-02 15:04:05")
		}
		r.add(info.File, strconv.FormatInt(info.Size, 10), modified, info.Format, string(info.DocumentType), info.Error)
	}
	return render(os.Stdout, infos, r)
}

func describeFile(pipeline *processor.Pipeline, path string) *fileInfo {
	info := &fileInfo{File: path}

	stat, err := os.Stat(path)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.Size = stat.Size()
	info.Modified = stat.ModTime()

	data, err := os.ReadFile(path)
	if err != nil {
		info.Error = fmt.Sprintf("failed to read file: %v", err)
		return info
	}

	format := processor.DetectFormat(data)
	info.Format = format.String()
	if format != processor.FormatXML {
		return info
	}

	docType, err := pipeline.DocumentType(data)
	if err != nil {
		info.Error = err.Error()
	}
	info.DocumentType = docType
	info.Preview = getPreview(string(data), 200)
	return info
}

func getPreview(content string, maxLen int) string {
	// Remove XML declaration
	if idx := strings.Index(content, "?>"); idx >= 0 {
		content = content[idx+2:]
	}

	content = strings.Join(strings.Fields(content), " ")

	if len(content) > maxLen {
		content = content[:maxLen] + "..."
	}
	return content
}
