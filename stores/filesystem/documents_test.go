package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"collab-server/core"
)

func newTestStore(t *testing.T) (*DocumentStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewDocumentStore(dir)
	if err != nil {
		t.Fatalf("NewDocumentStore() failed: %v", err)
	}
	return store, dir
}

func TestNewDocumentStore_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "path", "test")
	if _, err := NewDocumentStore(dir); err != nil {
		t.Fatalf("NewDocumentStore() failed: %v", err)
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Error("NewDocumentStore() did not create nested directory structure")
	}
}

func TestSaveLoad_Success(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "doc", []byte("state")); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	data, err := store.Load(ctx, "doc")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if string(data) != "state" {
		t.Errorf("Load() = %q, want state", data)
	}
}

func TestLoad_NotFound(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.Load(context.Background(), "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Load() error = %v, want core.ErrNotFound", err)
	}
}

func TestSave_StaysInsideBaseDirectory(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	names := []string{"../escape", "../../secret", "/etc/passwd", `..\..\windows`, "nested/doc", "", ".."}
	for _, name := range names {
		if err := store.Save(ctx, name, []byte(name)); err != nil {
			t.Fatalf("Save(%q) failed: %v", name, err)
		}
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() failed: %v", err)
	}
	if len(files) != len(names) {
		t.Errorf("file count = %d, want %d", len(files), len(names))
	}
	for _, f := range files {
		if f.IsDir() {
			t.Errorf("Save() created directory %s", f.Name())
		}
	}

	for _, name := range names {
		data, err := store.Load(ctx, name)
		if err != nil || string(data) != name {
			t.Errorf("Load(%q) = %q, %v", name, data, err)
		}
	}
}

func TestSave_OverwritesAtomically(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	_ = store.Save(ctx, "doc", []byte("v1"))
	_ = store.Save(ctx, "doc", []byte("v2"))

	files, _ := os.ReadDir(dir)
	if len(files) != 1 {
		t.Errorf("file count = %d, want 1 (no leftover temporary files)", len(files))
	}
	data, _ := store.Load(ctx, "doc")
	if string(data) != "v2" {
		t.Errorf("Load() = %q, want v2", data)
	}
}

func TestSave_LargeDocument(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	large := strings.Repeat("x", 5*1024*1024)
	if err := store.Save(ctx, "doc", []byte(large)); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	data, err := store.Load(ctx, "doc")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(data) != len(large) {
		t.Errorf("Load() size = %d, want %d", len(data), len(large))
	}
}

func TestFilePermissions(t *testing.T) {
	store, dir := newTestStore(t)

	if err := store.Save(context.Background(), "doc", []byte("x")); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	files, _ := os.ReadDir(dir)
	info, err := files[0].Info()
	if err != nil {
		t.Fatalf("Info() failed: %v", err)
	}
	if perms := info.Mode().Perm(); perms != 0o644 {
		t.Errorf("file permissions = %o, want 644", perms)
	}
}

func TestDataPersistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, _ := NewDocumentStore(dir)
	if err := first.Save(ctx, "doc", []byte("persistent data")); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	second, _ := NewDocumentStore(dir)
	data, err := second.Load(ctx, "doc")
	if err != nil || string(data) != "persistent data" {
		t.Errorf("Load() with new store instance = %q, %v", data, err)
	}
}

func TestListDocuments(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	_ = store.Save(ctx, "a", []byte("1"))
	_ = store.Save(ctx, "foo/bar", []byte("22"))
	_ = os.WriteFile(filepath.Join(dir, "README"), []byte("ignored"), 0o644)

	docs, err := store.ListDocuments(ctx)
	if err != nil {
		t.Fatalf("ListDocuments() failed: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("ListDocuments() returned %d documents, want 2", len(docs))
	}

	sizes := map[string]int{}
	for _, doc := range docs {
		sizes[doc.Name] = doc.Size
	}
	if sizes["a"] != 1 || sizes["foo/bar"] != 2 {
		t.Errorf("sizes = %v, want a:1 foo/bar:2", sizes)
	}
}

func TestConcurrentSaves(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.Save(ctx, fmt.Sprintf("doc-%d", i%10), []byte("data")); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent Save() failed: %v", err)
	}
	docs, _ := store.ListDocuments(ctx)
	if len(docs) != 10 {
		t.Errorf("document count = %d, want 10", len(docs))
	}
}

func TestReadOnlyDirectory(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("Skipping test when running as root")
	}

	store, dir := newTestStore(t)
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatalf("Chmod() failed: %v", err)
	}
	defer os.Chmod(dir, 0o755)

	if err := store.Save(context.Background(), "doc", []byte("x")); err == nil {
		t.Error("Save() should fail on read-only directory")
	}
}
