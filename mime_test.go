package main

import "testing"

func TestDetermineContentTypeRepairsMislabeledCSS(t *testing.T) {
	css := []byte("body { color: red; margin: 0 }\n.nav { display: flex }")
	got := DetermineContentType("/styles/main.css", "text/plain", css)
	if got != "text/css" {
		t.Errorf("got %s, want text/css", got)
	}
}

func TestDetermineContentTypeRepairsOctetStreamJS(t *testing.T) {
	js := []byte("const app = () => { document.title = 'hi' };\nexport default app;")
	got := DetermineContentType("/app.js", "application/octet-stream", js)
	if got != "application/javascript" {
		t.Errorf("got %s, want application/javascript", got)
	}
}

func TestDetermineContentTypeKeepsCorrectDeclaration(t *testing.T) {
	js := []byte("function f() { return 1 }")
	// text/javascript is an accepted alias, not a mislabel
	got := DetermineContentType("/app.js", "text/javascript", js)
	if got != "text/javascript" {
		t.Errorf("got %s, want text/javascript", got)
	}
}

func TestDetermineContentTypeNoRepairWithoutCorroboration(t *testing.T) {
	// Declared type is wrong for .css, but the body is not CSS either;
	// the declaration stands.
	body := []byte("just some plain text, nothing like a stylesheet")
	got := DetermineContentType("/style.css", "text/plain", body)
	if got != "text/plain" {
		t.Errorf("got %s, want text/plain", got)
	}
}

func TestDetermineContentTypeNonCriticalNeverRewritten(t *testing.T) {
	got := DetermineContentType("/download.bin", "application/x-custom", []byte{0x01, 0x02})
	if got != "application/x-custom" {
		t.Errorf("got %s, want application/x-custom", got)
	}
}

func TestDetermineContentTypeEmptyDeclaration(t *testing.T) {
	html := []byte("<!DOCTYPE html><html><body>hi</body></html>")
	got := DetermineContentType("/index.html", "", html)
	if got != "text/html" {
		t.Errorf("got %s, want text/html", got)
	}
}

func TestDetermineContentTypeStripsParameters(t *testing.T) {
	html := []byte("<html><body>hi</body></html>")
	got := DetermineContentType("/index.html", "text/html; charset=utf-8", html)
	if got != "text/html" {
		t.Errorf("got %s, want text/html", got)
	}
}

func TestDetermineContentTypeImageMagicBytes(t *testing.T) {
	png := append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 32)...)
	got := DetermineContentType("/logo.png", "text/html", png)
	if got != "image/png" {
		t.Errorf("got %s, want image/png", got)
	}
}

func TestDetermineContentTypeWoff2(t *testing.T) {
	woff2 := append([]byte("wOF2"), make([]byte, 16)...)
	got := DetermineContentType("/fonts/inter.woff2", "application/octet-stream", woff2)
	if got != "font/woff2" {
		t.Errorf("got %s, want font/woff2", got)
	}
}

func TestDetermineContentTypeHTMLNotMistakenForCSS(t *testing.T) {
	// An HTML error page served where CSS was expected must not be
	// relabeled text/css.
	html := []byte("<!DOCTYPE html><html><head><style>a{color:red}</style></head></html>")
	got := DetermineContentType("/style.css", "text/html", html)
	if got != "text/html" {
		t.Errorf("got %s, want text/html", got)
	}
}
