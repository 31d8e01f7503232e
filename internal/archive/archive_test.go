package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/lcksfa/async-ai-task-runner/internal/config"
)

func TestLocalUploaderWritesResult(t *testing.T) {
	dir := t.TempDir()
	up, err := New(context.Background(), config.Config{ResultArchive: "local", ResultArchiveDir: dir})
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}

	loc, err := up.Upload(context.Background(), ResultKey(42), []byte("mass attracts mass"), "text/plain")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	want := filepath.Join(dir, "results", "42.txt")
	if loc != want {
		t.Fatalf("expected location %s, got %s", want, loc)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("result not written: %v", err)
	}
	if string(data) != "mass attracts mass" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestLocalUploaderStaysUnderBaseDir(t *testing.T) {
	dir := t.TempDir()
	up := &LocalUploader{BaseDir: dir}
	loc, err := up.Upload(context.Background(), "../../escape.txt", []byte("x"), "text/plain")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if filepath.Dir(loc) != dir {
		t.Fatalf("expected file inside %s, got %s", dir, loc)
	}
}

func TestNewDisabledAndUnknown(t *testing.T) {
	up, err := New(context.Background(), config.Config{})
	if err != nil || up != nil {
		t.Fatalf("expected disabled archive, got %v %v", up, err)
	}
	if _, err := New(context.Background(), config.Config{ResultArchive: "ftp"}); err == nil {
		t.Fatal("expected error for unknown archive kind")
	}
}
