package safefile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRejectSymlink_RegularFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "regular.txt")
	if err := os.WriteFile(f, []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := RejectSymlink(f); err != nil {
		t.Errorf("regular file should pass: %v", err)
	}
}

func TestRejectSymlink_Symlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "master.key")
	link := filepath.Join(dir, "link.key")

	if err := os.WriteFile(target, []byte("secret"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}
	err := RejectSymlink(link)
	if err == nil {
		t.Fatal("expected error for symlink")
	}
	if !strings.Contains(err.Error(), "symbolic link") {
		t.Errorf("unexpected error message: %v", err)
	}
	if _, err := ReadFileMax(link, 1024); err == nil {
		t.Error("ReadFileMax should reject symlink")
	}
}

func TestReadFileMax_TooLarge(t *testing.T) {
	f := filepath.Join(t.TempDir(), "big.pem")
	if err := os.WriteFile(f, make([]byte, 2048), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFileMax(f, 1024); err == nil {
		t.Fatal("expected size error")
	}
	data, err := ReadFileMax(f, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 2048 {
		t.Errorf("len = %d, want 2048", len(data))
	}
}

func TestEnsurePrivateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys", "nested")
	if err := EnsurePrivateDir(dir); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Errorf("mode = %o, want 700", info.Mode().Perm())
	}

	if err := os.Chmod(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := EnsurePrivateDir(dir); err != nil {
		t.Fatal(err)
	}
	info, _ = os.Stat(dir)
	if info.Mode().Perm() != 0o700 {
		t.Errorf("existing dir not tightened: %o", info.Mode().Perm())
	}
}

func TestWritePrivate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := WritePrivate(path, []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := WritePrivate(path, []byte("v2")); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2" {
		t.Errorf("content = %q, want v2", data)
	}
	private, err := IsPrivate(path)
	if err != nil {
		t.Fatal(err)
	}
	if !private {
		t.Error("file should be owner-only")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}

func TestIsPrivate_GroupReadable(t *testing.T) {
	f := filepath.Join(t.TempDir(), "pub.pem")
	if err := os.WriteFile(f, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(f, 0o644); err != nil {
		t.Fatal(err)
	}
	private, err := IsPrivate(f)
	if err != nil {
		t.Fatal(err)
	}
	if private {
		t.Error("0644 file reported private")
	}
}

func TestResolveExisting(t *testing.T) {
	real, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	work := t.TempDir()
	link := filepath.Join(work, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Fatal(err)
	}

	got, err := ResolveExisting(filepath.Join(link, "new", "file.txt"))
	if err != nil {
		t.Fatalf("ResolveExisting: %v", err)
	}
	if want := filepath.Join(real, "new", "file.txt"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	plain := filepath.Join(real, "plain.txt")
	got, err = ResolveExisting(plain)
	if err != nil {
		t.Fatalf("ResolveExisting: %v", err)
	}
	if got != plain {
		t.Errorf("got %q, want %q", got, plain)
	}
}
