package main

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestSplitEntryPath(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantSection string
		wantRel     string
		wantOK      bool
	}{
		{"store file", "store/convene.db", "store", "convene.db", true},
		{"nats nested", "nats/jetstream/stream.dat", "nats", "jetstream/stream.dat", true},
		{"leading dot-slash", "./store/convene.db", "store", "convene.db", true},
		{"leading slash", "/store/convene.db", "store", "convene.db", true},
		{"bare section", "store", "", "", false},
		{"section root dir", "store/", "", "", false},
		{"traversal", "store/../../etc/passwd", "", "", false},
		{"empty", "", "", "", false},
		{"just a slash", "/", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			section, rel, ok := splitEntryPath(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("splitEntryPath(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if section != tt.wantSection {
				t.Errorf("splitEntryPath(%q) section = %q, want %q", tt.input, section, tt.wantSection)
			}
			if rel != tt.wantRel {
				t.Errorf("splitEntryPath(%q) rel = %q, want %q", tt.input, rel, tt.wantRel)
			}
		})
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{512, "512 bytes"},
		{1023, "1023 bytes"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := formatSize(tt.bytes)
			if got != tt.want {
				t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}

func TestArchiveDir_RoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"convene.db":   "sqlite-bytes",
		"sub/meta.dat": "meta",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(src, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	archivePath := filepath.Join(t.TempDir(), "out.tar.zst")
	f, err := os.Create(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(zw)

	n, err := archiveDir(tw, src, "store")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 files archived, got %d", n)
	}
	tw.Close()
	zw.Close()
	f.Close()

	// Read back and verify every file survived with its content
	rf, err := os.Open(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()
	zr, err := zstd.NewReader(rf)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	tr := tar.NewReader(zr)

	got := make(map[string]string)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		section, rel, ok := splitEntryPath(hdr.Name)
		if !ok || section != "store" {
			t.Fatalf("unexpected entry %q", hdr.Name)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		got[rel] = string(data)
	}

	for name, want := range files {
		if got[name] != want {
			t.Errorf("file %s: got %q, want %q", name, got[name], want)
		}
	}
}

func TestArchiveDir_MissingDirIsEmpty(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "out.tar.zst")
	f, err := os.Create(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	defer zw.Close()
	tw := tar.NewWriter(zw)
	defer tw.Close()

	n, err := archiveDir(tw, filepath.Join(t.TempDir(), "does-not-exist"), "nats")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 files, got %d", n)
	}
}
