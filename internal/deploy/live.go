package deploy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	cp "github.com/otiai10/copy"
	"github.com/zulandar/roundhouse/internal/engine"
)

// swapLive points Game/Live at directory and returns the previous target.
// The link is replaced with a rename so readers never see it missing.
func swapLive(root, directory string) (string, error) {
	live := engine.LivePath(root)
	previous, err := os.Readlink(live)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read live link: %w", err)
	}
	if err := pointLive(live, directory); err != nil {
		return "", err
	}
	return previous, nil
}

// restoreLive undoes swapLive.
func restoreLive(root, previous string) error {
	live := engine.LivePath(root)
	if previous == "" {
		if err := os.Remove(live); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove live link: %w", err)
		}
		return nil
	}
	return pointLive(live, previous)
}

func pointLive(live, target string) error {
	tmp := live + ".next"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create live link: %w", err)
	}
	if err := os.Rename(tmp, live); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("swap live link: %w", err)
	}
	return nil
}

// copyTree copies src into dst, skipping version control metadata.
// Symlinks are recreated as links and file modes are kept.
func copyTree(src, dst string) error {
	return cp.Copy(src, dst, cp.Options{
		OnSymlink: func(string) cp.SymlinkAction { return cp.Shallow },
		Skip: func(info os.FileInfo, _, _ string) (bool, error) {
			return info.IsDir() && info.Name() == ".git", nil
		},
	})
}
