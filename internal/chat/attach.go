package chat

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Table file types the chat server accepts.
const (
	TypeCSV  = "text/csv"
	TypeXLS  = "application/vnd.ms-excel"
	TypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// extTypes is the fallback when content sniffing is inconclusive.
var extTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".csv":  TypeCSV,
	".xls":  TypeXLS,
	".xlsx": TypeXLSX,
}

// ImageFile reads an image and returns it as a data: URL for
// [Request.ImageData].
func ImageFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	mime := DetectType(path, data)
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("%s is not an image (%s)", filepath.Base(path), mime)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// TableFile reads a CSV or Excel file for [Request.TableData]. The
// content is sent base64-encoded.
func TableFile(path string) (*TableData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read table: %w", err)
	}
	mime := DetectType(path, data)
	switch mime {
	case TypeCSV, TypeXLS, TypeXLSX:
	default:
		return nil, fmt.Errorf("unsupported table file type %s for %s", mime, filepath.Base(path))
	}
	return &TableData{
		Data:     base64.StdEncoding.EncodeToString(data),
		FileType: mime,
		FileName: filepath.Base(path),
	}, nil
}

// DetectType sniffs data and falls back to the file extension when the
// content alone does not identify an image or table type.
func DetectType(name string, data []byte) string {
	m := mimetype.Detect(data)
	for _, t := range []string{TypeCSV, TypeXLS, TypeXLSX} {
		if m.Is(t) {
			return t
		}
	}
	if strings.HasPrefix(m.String(), "image/") {
		return m.String()
	}
	if t, ok := extTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return t
	}
	return m.String()
}
