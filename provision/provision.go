// Package provision replays a zone's Declaration list against its rootfs
// before init starts, and offers Revert to undo them; neither zone destroy
// nor declaration removal calls Revert. It also resolves a zone's
// TemplateName to a rootfs directory by pulling and extracting an OCI
// image with github.com/google/go-containerregistry's crane package — a
// teacher dependency the original Apple-container code declared but never
// imported directly (it shelled out to the `container` CLI instead); here
// it does real work fetching zone root filesystem templates.
package provision

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/crane"
	"golang.org/x/sys/unix"

	"github.com/banksean/zoned/zone"
)

// ResolveTemplate ensures destDir contains the extracted root filesystem of
// the OCI image named by templateRef, pulling and flattening it unless
// destDir already exists and is non-empty.
func ResolveTemplate(templateRef, destDir string) error {
	if fi, err := os.Stat(destDir); err == nil && fi.IsDir() {
		entries, err := os.ReadDir(destDir)
		if err == nil && len(entries) > 0 {
			return nil
		}
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("provision: mkdir %s: %w", destDir, err)
	}

	pr, pw := io.Pipe()
	exportErr := make(chan error, 1)
	go func() {
		exportErr <- crane.Export(templateRef, pw)
		pw.Close()
	}()

	if err := extractTar(pr, destDir); err != nil {
		return fmt.Errorf("provision: extract template %s: %w", templateRef, err)
	}
	if err := <-exportErr; err != nil {
		return fmt.Errorf("provision: export template %s: %w", templateRef, err)
	}
	return nil
}

func extractTar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, hdr.Name)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("tar entry %q escapes destination", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		case tar.TypeSymlink:
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

// Apply replays every declaration in decls against rootPath, in order. File
// declarations write Contents (or copy Source) in place with os.WriteFile,
// which is not atomic; mount declarations call mount(2) directly; link
// declarations symlink Target at Path.
func Apply(rootPath string, decls []zone.Declaration) error {
	for _, d := range decls {
		if err := applyOne(rootPath, d); err != nil {
			return fmt.Errorf("provision: declaration %s: %w", d.ID, err)
		}
	}
	return nil
}

func applyOne(rootPath string, d zone.Declaration) error {
	dest := filepath.Join(rootPath, d.Path)
	switch d.Kind {
	case zone.DeclFile:
		return applyFile(dest, d)
	case zone.DeclMount:
		return applyMount(dest, d)
	case zone.DeclLink:
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		_ = os.Remove(dest)
		return os.Symlink(d.Target, dest)
	default:
		return fmt.Errorf("unknown declaration kind %v", d.Kind)
	}
}

func applyFile(dest string, d zone.Declaration) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	mode := os.FileMode(d.Mode)
	if mode == 0 {
		mode = 0644
	}
	if d.Source != "" {
		data, err := os.ReadFile(d.Source)
		if err != nil {
			return fmt.Errorf("read source %s: %w", d.Source, err)
		}
		return os.WriteFile(dest, data, mode)
	}
	return os.WriteFile(dest, d.Contents, mode)
}

func applyMount(dest string, d zone.Declaration) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}
	if err := unix.Mount(d.Source, dest, d.Type, uintptr(d.Flags), d.Data); err != nil {
		return fmt.Errorf("mount %s on %s: %w", d.Source, dest, err)
	}
	return nil
}

// Revert undoes mount, file and link declarations. Nothing in the manager
// or the guard calls it.
func Revert(rootPath string, decls []zone.Declaration) error {
	for _, d := range decls {
		dest := filepath.Join(rootPath, d.Path)
		switch d.Kind {
		case zone.DeclMount:
			_ = unix.Unmount(dest, unix.MNT_DETACH)
		case zone.DeclFile:
			_ = os.Remove(dest)
		case zone.DeclLink:
			_ = os.Remove(dest)
		}
	}
	return nil
}
