package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"path"
	"regexp"
	"strings"
)

// criticalTypes lists extensions whose MIME type must be corrected when a
// blob server declares something obviously wrong. The first entry of each
// list is the canonical type used for repairs.
var criticalTypes = map[string][]string{
	"html":  {"text/html"},
	"htm":   {"text/html"},
	"css":   {"text/css"},
	"js":    {"application/javascript", "text/javascript"},
	"mjs":   {"application/javascript", "text/javascript"},
	"json":  {"application/json"},
	"xml":   {"application/xml", "text/xml"},
	"png":   {"image/png"},
	"jpg":   {"image/jpeg"},
	"jpeg":  {"image/jpeg"},
	"gif":   {"image/gif"},
	"svg":   {"image/svg+xml"},
	"ico":   {"image/x-icon", "image/vnd.microsoft.icon"},
	"woff":  {"font/woff"},
	"woff2": {"font/woff2"},
	"ttf":   {"font/ttf"},
	"eot":   {"application/vnd.ms-fontobject"},
}

var (
	htmlTagRegex = regexp.MustCompile(`(?i)<!doctype\s+html|<html[\s>]|<head[\s>]|<body[\s>]|<div[\s>]|<meta\s|<title[\s>]`)
	cssRuleRegex = regexp.MustCompile(`(?s)[^{}<>]+\{[^{}]*:[^{}]*\}`)
	jsCodeRegex  = regexp.MustCompile(`\bfunction\b|\bconst\s|\blet\s|\bvar\s|=>|\bimport\s|\bexport\s|document\.|window\.`)
)

// DetermineContentType picks the content type for a blob: the
// server-declared type unless the path's extension is critical, the
// declared type is wrong for it, and the body corroborates the extension.
// Non-critical extensions are never rewritten.
func DetermineContentType(pathHint, declared string, body []byte) string {
	declared = normalizeMediaType(declared)
	ext := fileExtension(pathHint)

	allowed, critical := criticalTypes[ext]
	if !critical {
		if declared != "" {
			return declared
		}
		return http.DetectContentType(body)
	}

	canonical := allowed[0]

	if declared == "" {
		if contentMatchesExtension(ext, body) {
			return canonical
		}
		return http.DetectContentType(body)
	}

	if typeAllowedFor(declared, allowed) {
		return declared
	}

	// Declared type disagrees with a critical extension. Known-bad
	// declarations (and text/html on non-HTML files) are the usual
	// mislabels, but any out-of-set type is repaired once the body
	// corroborates the extension.
	if contentMatchesExtension(ext, body) {
		return canonical
	}
	return declared
}

func normalizeMediaType(ct string) string {
	ct = strings.TrimSpace(strings.ToLower(ct))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

func fileExtension(p string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
	return ext
}

func typeAllowedFor(declared string, allowed []string) bool {
	for _, a := range allowed {
		if declared == a {
			return true
		}
	}
	return false
}

// contentMatchesExtension checks the body for a signature corroborating the
// extension before any repair happens.
func contentMatchesExtension(ext string, body []byte) bool {
	if len(body) == 0 {
		return false
	}
	head := body
	if len(head) > 2048 {
		head = head[:2048]
	}

	switch ext {
	case "html", "htm":
		return htmlTagRegex.Match(head)
	case "css":
		return cssRuleRegex.Match(head) && !htmlTagRegex.Match(head)
	case "js", "mjs":
		return jsCodeRegex.Match(head) && !htmlTagRegex.Match(head)
	case "json":
		return json.Valid(body)
	case "xml":
		return bytes.Contains(head, []byte("<?xml")) || bytes.HasPrefix(bytes.TrimSpace(head), []byte("<"))
	case "svg":
		return bytes.Contains(head, []byte("<svg")) || bytes.Contains(head, []byte("<?xml"))
	case "png", "jpg", "jpeg", "gif", "ico":
		sniffed := http.DetectContentType(body)
		return strings.HasPrefix(sniffed, "image/")
	case "woff":
		return bytes.HasPrefix(body, []byte("wOFF"))
	case "woff2":
		return bytes.HasPrefix(body, []byte("wOF2"))
	case "ttf":
		return bytes.HasPrefix(body, []byte{0x00, 0x01, 0x00, 0x00})
	case "eot":
		// No reliable magic; never corroborated, so never repaired.
		return false
	}
	return false
}
