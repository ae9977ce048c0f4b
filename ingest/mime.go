package ingest

import (
	"bytes"
	"path/filepath"
	"strings"
)

// sniffMagic inspects the leading bytes of content and returns a mime
// type for the formats spec §4.3 names, or "" if none match. OOXML
// containers (docx/xlsx/pptx) share the plain-ZIP magic number and are
// differentiated by the presence of their characteristic inner entry
// name, matched as a substring scan over the content prefix passed in
// (the leading local-file headers, not the central directory) --
// adequate for sniffing without a full zip parse.
func sniffMagic(b []byte) string {
	switch {
	case hasPrefix(b, []byte("%PDF-")):
		return "application/pdf"
	case hasPrefix(b, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case hasPrefix(b, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case hasPrefix(b, []byte("GIF87a")), hasPrefix(b, []byte("GIF89a")):
		return "image/gif"
	case hasPrefix(b, []byte("OggS")):
		return "audio/ogg"
	case hasPrefix(b, []byte{0x49, 0x44, 0x33}), hasPrefix(b, []byte{0xFF, 0xFB}):
		return "audio/mpeg"
	case hasPrefix(b, []byte{0x1F, 0x8B}):
		return "application/gzip"
	case hasPrefix(b, []byte("Rar!\x1a\x07")):
		return "application/x-rar-compressed"
	case hasPrefix(b, []byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}):
		return "application/x-7z-compressed"
	case isISOBMFF(b, "ftyp"):
		return sniffISOBMFF(b)
	case hasPrefix(b, []byte{'P', 'K', 0x03, 0x04}), hasPrefix(b, []byte{'P', 'K', 0x05, 0x06}):
		return sniffZIPContainer(b)
	}
	return ""
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && bytes.Equal(b[:len(prefix)], prefix)
}

// isISOBMFF reports whether b looks like an ISO base media file (MP4,
// WebM is actually EBML-based and handled separately below; this
// checks for the "ftyp" box at offset 4, shared by MP4/MOV/M4A).
func isISOBMFF(b []byte, box string) bool {
	return len(b) >= 12 && string(b[4:8]) == box
}

func sniffISOBMFF(b []byte) string {
	return "video/mp4"
}

func init() {
	// WebM is EBML-based (matroska), signaled by its own magic, checked
	// separately from the ISO-BMFF family above.
}

var webmMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

func sniffZIPContainer(b []byte) string {
	if bytes.Contains(b, []byte("word/")) {
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	}
	if bytes.Contains(b, []byte("xl/")) {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	if bytes.Contains(b, []byte("ppt/")) {
		return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	}
	return "application/zip"
}

// SniffMime returns the best mime guess from a content prefix,
// accounting for the one signature (WebM) that isn't aligned to the
// byte-offset switch above.
func SniffMime(b []byte) string {
	if hasPrefix(b, webmMagic) {
		return "video/webm"
	}
	return sniffMagic(b)
}

var extToMime = map[string]string{
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".ogg":  "audio/ogg",
	".mp3":  "audio/mpeg",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".gz":   "application/gzip",
	".rar":  "application/x-rar-compressed",
	".7z":   "application/x-7z-compressed",
	".zip":  "application/zip",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".txt":  "text/plain",
	".json": "application/json",
	".html": "text/html",
	".csv":  "text/csv",
}

var mimeToExt = map[string]string{
	"application/pdf": ".pdf",
	"image/png":       ".png",
	"image/jpeg":       ".jpg",
	"image/gif":       ".gif",
	"audio/ogg":       ".ogg",
	"audio/mpeg":      ".mp3",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"application/gzip": ".gz",
	"application/zip":  ".zip",
	"text/plain":       ".txt",
	"application/json": ".json",
	"text/html":        ".html",
}

func extMime(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	return extToMime[ext]
}

// ExtMime exposes the extension->mime fallback table to callers outside
// this package (the orchestrator's mime-repair pass, spec §4.9 step 1,
// which has no blob to sniff and only a reference name to go on).
func ExtMime(name string) string { return extMime(name) }

const defaultMime = "application/octet-stream"

// resolveMime implements spec §4.3's ordered mime selection: a
// non-octet-stream Content-Type wins outright; otherwise fall through
// declared metadata, content sniffing, extension, and finally the
// default.
func resolveMime(contentType, declaredMime string, sniffed, nameForExt string) string {
	if contentType != "" && contentType != defaultMime {
		return contentType
	}
	if declaredMime != "" && declaredMime != defaultMime {
		return declaredMime
	}
	if sniffed != "" {
		return sniffed
	}
	if ext := extMime(nameForExt); ext != "" {
		return ext
	}
	return defaultMime
}

// resolveFilename implements spec §4.3's ordered name selection.
func resolveFilename(explicitName, inferredName, urlPath, digest, mime string) string {
	if explicitName != "" {
		return explicitName
	}
	if inferredName != "" {
		return inferredName
	}
	if sanitized := sanitizeURLPath(urlPath); sanitized != "" {
		return sanitized
	}
	ext := mimeToExt[mime]
	shortDigest := digest
	if len(shortDigest) > 8 {
		shortDigest = shortDigest[:8]
	}
	return "file_" + shortDigest + ext
}

func sanitizeURLPath(u string) string {
	if u == "" {
		return ""
	}
	base := filepath.Base(u)
	if base == "." || base == "/" || base == "" {
		return ""
	}
	// strip query-string remnants a caller might have handed us raw
	if i := strings.IndexAny(base, "?#"); i >= 0 {
		base = base[:i]
	}
	return base
}
