package installer

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/disk"
)

// minFreeBytes is the free space required at the install target.
const minFreeBytes = 5 << 30

// stagingPath returns a hidden unique sibling of target for the clone, so
// promotion is a same-filesystem rename whenever possible.
func stagingPath(target string) string {
	return hiddenSibling(target, "install_staging")
}

// backupPath returns the hidden sibling the live tree moves to during an
// update swap.
func backupPath(target string) string {
	return hiddenSibling(target, "backup")
}

func hiddenSibling(target, kind string) string {
	parent := filepath.Dir(target)
	base := filepath.Base(target)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return filepath.Join(parent, fmt.Sprintf(".%s_%s_%s", base, kind, suffix))
}

// validateCheckout confirms a freshly cloned tree has the shape the
// services expect before it is allowed anywhere near the live path.
func validateCheckout(dir string) error {
	required := []struct {
		rel   string
		isDir bool
	}{
		{"backend", true},
		{"frontend", true},
		{filepath.Join("backend", "requirements.txt"), false},
		{filepath.Join("frontend", "package.json"), false},
	}
	for _, r := range required {
		info, err := os.Stat(filepath.Join(dir, r.rel))
		if err != nil {
			return fmt.Errorf("downloaded tree is missing %s", r.rel)
		}
		if info.IsDir() != r.isDir {
			return fmt.Errorf("downloaded tree has unexpected %s", r.rel)
		}
	}
	return nil
}

// promote moves staging to target. The target may pre-exist only when
// empty. Cross-device renames fall back to a recursive copy followed by
// staging cleanup.
func promote(log *slog.Logger, staging, target string) error {
	if entries, err := os.ReadDir(target); err == nil {
		if len(entries) > 0 {
			return fmt.Errorf("install target %s is not empty", target)
		}
		// Rename needs the destination absent.
		if err := os.Remove(target); err != nil {
			return fmt.Errorf("clear empty install target: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("create install parent: %w", err)
	}
	if err := os.Rename(staging, target); err == nil {
		return nil
	} else {
		log.Warn("rename promotion failed, copying instead", "err", err)
	}
	if err := copyTree(staging, target); err != nil {
		_ = os.RemoveAll(target)
		return fmt.Errorf("copy promotion: %w", err)
	}
	return os.RemoveAll(staging)
}

// copyTree recursively copies src into dst, preserving file modes.
// Symlinks are recreated as links.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		out := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(out, info.Mode().Perm())
		case d.Type()&os.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, out)
		default:
			return copyFile(path, out)
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// freeDiskBytes reports free space for the filesystem that will hold path,
// walking up to the nearest existing ancestor first.
func freeDiskBytes(path string) (uint64, error) {
	probe := path
	for {
		if _, err := os.Stat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	usage, err := disk.Usage(probe)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
