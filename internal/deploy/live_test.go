package deploy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zulandar/roundhouse/internal/engine"
)

func TestSwapLive(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, engine.GameDir, "a"), 0o755)
	os.MkdirAll(filepath.Join(root, engine.GameDir, "b"), 0o755)

	prev, err := swapLive(root, "a")
	if err != nil || prev != "" {
		t.Fatalf("first swap = %q, %v", prev, err)
	}
	prev, err = swapLive(root, "b")
	if err != nil || prev != "a" {
		t.Fatalf("second swap = %q, %v", prev, err)
	}
	if target, _ := os.Readlink(engine.LivePath(root)); target != "b" {
		t.Errorf("Live -> %q, want b", target)
	}

	if err := restoreLive(root, "a"); err != nil {
		t.Fatalf("restoreLive: %v", err)
	}
	if target, _ := os.Readlink(engine.LivePath(root)); target != "a" {
		t.Errorf("Live -> %q after restore, want a", target)
	}
	if err := restoreLive(root, ""); err != nil {
		t.Fatalf("restoreLive(empty): %v", err)
	}
	if _, err := os.Lstat(engine.LivePath(root)); !os.IsNotExist(err) {
		t.Error("Live link should be removed when there was no previous build")
	}
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	os.MkdirAll(filepath.Join(src, ".git", "objects"), 0o755)
	os.MkdirAll(filepath.Join(src, "code", "modules"), 0o755)
	os.WriteFile(filepath.Join(src, "game.dme"), []byte("dme"), 0o644)
	os.WriteFile(filepath.Join(src, "code", "modules", "mob.dm"), []byte("mob"), 0o600)
	os.Symlink("game.dme", filepath.Join(src, "alias.dme"))

	dst := filepath.Join(t.TempDir(), "build")
	if err := copyTree(src, dst); err != nil {
		t.Fatalf("copyTree: %v", err)
	}
	if data, _ := os.ReadFile(filepath.Join(dst, "code", "modules", "mob.dm")); string(data) != "mob" {
		t.Errorf("nested file = %q", data)
	}
	if info, err := os.Stat(filepath.Join(dst, "code", "modules", "mob.dm")); err != nil || info.Mode().Perm() != 0o600 {
		t.Errorf("mode not preserved: %v %v", info, err)
	}
	if link, _ := os.Readlink(filepath.Join(dst, "alias.dme")); link != "game.dme" {
		t.Errorf("symlink = %q", link)
	}
	if _, err := os.Stat(filepath.Join(dst, ".git")); !os.IsNotExist(err) {
		t.Error(".git copied")
	}
}
