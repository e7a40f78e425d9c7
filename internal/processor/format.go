package processor

import "bytes"

// Format is the container format of an upload, sniffed from its first bytes.
// Only XML reaches the classifier; the rest is rejected with a hint.
type Format int

const (
	FormatUnknown Format = iota
	FormatXML
	FormatPDF
	FormatImage
)

func (f Format) String() string {
	switch f {
	case FormatXML:
		return "xml"
	case FormatPDF:
		return "pdf"
	case FormatImage:
		return "image"
	default:
		return "unknown"
	}
}

var (
	utf8BOM   = []byte{0xEF, 0xBB, 0xBF}
	pdfMagic  = []byte("%PDF")
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	tiffLE    = []byte{0x49, 0x49, 0x2A, 0x00}
	tiffBE    = []byte{0x4D, 0x4D, 0x00, 0x2A}
)

// DetectFormat sniffs data
func DetectFormat(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, pdfMagic):
		return FormatPDF
	case bytes.HasPrefix(data, pngMagic), bytes.HasPrefix(data, jpegMagic),
		bytes.HasPrefix(data, tiffLE), bytes.HasPrefix(data, tiffBE):
		return FormatImage
	}

	trimmed := bytes.TrimLeft(bytes.TrimPrefix(data, utf8BOM), " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '<' {
		return FormatXML
	}
	return FormatUnknown
}

// rejectionHint explains why a non-XML upload cannot be ingested
func rejectionHint(f Format) string {
	switch f {
	case FormatPDF:
		return "arquivo PDF (DANFE/DACTE) não é aceito, envie o XML autorizado"
	case FormatImage:
		return "imagem não é aceita, envie o XML autorizado"
	default:
		return "conteúdo não é XML"
	}
}
