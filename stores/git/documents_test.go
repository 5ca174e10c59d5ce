package git

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"collab-server/core"

	git "github.com/go-git/go-git/v5"
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

func commitCount(t *testing.T, path string) int {
	t.Helper()
	repo, err := git.PlainOpen(path)
	if err != nil {
		t.Fatalf("PlainOpen() failed: %v", err)
	}
	head, err := repo.Head()
	if err != nil {
		t.Fatalf("Head() failed: %v", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		t.Fatalf("Log() failed: %v", err)
	}
	defer iter.Close()

	count := 0
	for {
		if _, err := iter.Next(); err != nil {
			break
		}
		count++
	}
	return count
}

func TestLoad_NotFound(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.Load(context.Background(), "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Load() error = %v, want core.ErrNotFound", err)
	}
}

func TestSave_CommitsEachChange(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, state := range []string{"v1", "v2", "v2", "v3"} {
		if err := store.Save(ctx, "foo/bar", []byte(state)); err != nil {
			t.Fatalf("Save(%s) failed: %v", state, err)
		}
	}

	data, err := store.Load(ctx, "foo/bar")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if string(data) != "v3" {
		t.Errorf("Load() = %q, want v3", data)
	}

	if got := commitCount(t, store.repoPath("foo/bar")); got != 3 {
		t.Errorf("commit count = %d, want 3 (unchanged save adds none)", got)
	}
}

func TestSave_BinaryState(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	state := []byte{0x00, 0xff, 0x10, 0x00}
	if err := store.Save(ctx, "doc", state); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	data, err := store.Load(ctx, "doc")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if string(data) != string(state) {
		t.Errorf("Load() = %v, want %v", data, state)
	}
}

func TestSave_RepositoriesStayInsideBaseDirectory(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "../escape", []byte("x")); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "escape")); !os.IsNotExist(err) {
		t.Error("Save() wrote outside the base directory")
	}
}

func TestListDocuments(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	_ = store.Save(ctx, "a", []byte("1"))
	_ = store.Save(ctx, "b", []byte("22"))
	_ = os.Mkdir(filepath.Join(dir, "unrelated"), 0o755)

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
		if doc.UpdatedAt == 0 {
			t.Errorf("document %s has no update time", doc.Name)
		}
	}
	if sizes["a"] != 1 || sizes["b"] != 2 {
		t.Errorf("sizes = %v, want a:1 b:2", sizes)
	}
}
