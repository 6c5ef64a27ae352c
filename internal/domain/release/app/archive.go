package app

import (
	"archive/zip"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
)

// zipArtifacts writes every file of arts into one archive at dst. Tree
// artifacts keep their layout below Root; loose files are stored by name.
func zipArtifacts(fs afero.Fs, arts []domain.BuildArtifact, dst string) (err error) {
	if len(arts) == 0 {
		return fmt.Errorf("nothing to compress")
	}

	out, err := fs.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	zw := zip.NewWriter(out)
	for _, a := range arts {
		for _, path := range a.Files {
			name := filepath.Base(path)
			if a.Root != "" {
				if rel, rerr := filepath.Rel(a.Root, path); rerr == nil {
					name = rel
				}
			}
			if err := addZipEntry(fs, zw, path, filepath.ToSlash(name)); err != nil {
				_ = zw.Close()
				return err
			}
		}
	}
	return zw.Close()
}

func addZipEntry(fs afero.Fs, zw *zip.Writer, path, name string) error {
	info, err := fs.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	src, err := fs.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer src.Close()
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("failed to compress %s: %w", name, err)
	}
	return nil
}
