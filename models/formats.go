package models

import (
	"sort"
	"strings"
)

// Format catalog. Conversions are only accepted between formats listed
// here; everything else is rejected at upload time rather than producing
// a job that can only fail.
var supportedFormats = map[string]string{
	// images
	"jpg": "image", "jpeg": "image", "png": "image", "webp": "image",
	"gif": "image", "bmp": "image", "tiff": "image", "heic": "image",
	// video
	"mp4": "video", "avi": "video", "mov": "video", "wmv": "video",
	"mkv": "video", "webm": "video",
	// audio
	"mp3": "audio", "wav": "audio", "flac": "audio", "aac": "audio",
	"ogg": "audio", "m4a": "audio",
	// documents
	"pdf": "document", "docx": "document", "doc": "document",
	"txt": "document", "rtf": "document", "odt": "document",
	// archives
	"zip": "archive", "tar": "archive", "gz": "archive", "7z": "archive",
}

// NormalizeFormat lowercases a format token and strips a leading dot so
// ".PNG", "PNG" and "png" all compare equal.
func NormalizeFormat(format string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
}

// FormatSupported reports whether the normalized token is in the catalog.
func FormatSupported(format string) bool {
	_, ok := supportedFormats[NormalizeFormat(format)]
	return ok
}

// FormatCategory returns the catalog category for a format token, or ""
// when the format is unknown.
func FormatCategory(format string) string {
	return supportedFormats[NormalizeFormat(format)]
}

// SupportedConversions groups catalog formats by category for the
// public formats endpoint.
func SupportedConversions() map[string][]string {
	out := make(map[string][]string)
	for ext, category := range supportedFormats {
		out[category] = append(out[category], ext)
	}
	for _, formats := range out {
		sort.Strings(formats)
	}
	return out
}
