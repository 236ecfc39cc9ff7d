package processor

import (
	"bytes"
	"path/filepath"
	"strings"
)

// detectMimeTypeFromMagicBytes sniffs the formats the processor accepts.
// Unknown content yields "".
func detectMimeTypeFromMagicBytes(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	switch {
	case bytes.HasPrefix(data, []byte("%PDF")):
		return "application/pdf"
	case len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP":
		return "image/webp"
	case bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}), bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}):
		return "image/tiff"
	case bytes.HasPrefix(data, []byte("BM")):
		return "image/bmp"
	}

	return ""
}

var extensionMimeTypes = map[string]string{
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".bmp":  "image/bmp",
}

// resolveMimeType prefers the declared type, then content, then extension.
// Generic declarations like application/octet-stream are overridden.
func resolveMimeType(declared, filename string, data []byte) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}
	if declared != "" && declared != "application/octet-stream" && declared != "binary/octet-stream" {
		return declared
	}

	if detected := detectMimeTypeFromMagicBytes(data); detected != "" {
		return detected
	}

	if mt, ok := extensionMimeTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return mt
	}

	return declared
}

func isPDF(mimeType string) bool {
	return mimeType == "application/pdf"
}

func isImage(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}
