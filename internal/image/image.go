// Package image turns an image source argument into a rootfs directory on
// disk. Three schemes are supported:
//
//	file://<path.tar>  extract the tar into the container's rootfs dir
//	dir://<path>       use the directory as rootfs directly
//	<path>             use the path as rootfs directly
package image

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/pkg/archive"

	"github.com/runcell/runcell/internal/errdefs"
)

type SourceKind int

const (
	SourceTar SourceKind = iota
	SourceDir
	SourcePath
)

type Source struct {
	Kind SourceKind
	Path string
}

// ParseSource splits the scheme off an image argument. Unknown schemes are
// rejected; a bare path is taken as a rootfs directory.
func ParseSource(src string) (Source, error) {
	switch {
	case src == "":
		return Source{}, errdefs.InvalidArgument("empty image source")
	case strings.HasPrefix(src, "file://"):
		return Source{Kind: SourceTar, Path: strings.TrimPrefix(src, "file://")}, nil
	case strings.HasPrefix(src, "dir://"):
		return Source{Kind: SourceDir, Path: strings.TrimPrefix(src, "dir://")}, nil
	case strings.Contains(src, "://"):
		return Source{}, errdefs.InvalidArgument("unknown image scheme in %s", src)
	default:
		return Source{Kind: SourcePath, Path: src}, nil
	}
}

// Preparer materializes rootfs directories under <containersDir>/<id>/rootfs.
type Preparer struct {
	containersDir string
}

func NewPreparer(containersDir string) *Preparer {
	return &Preparer{containersDir: containersDir}
}

func (p *Preparer) RootfsDir(id string) string {
	return filepath.Join(p.containersDir, id, "rootfs")
}

// Prepare resolves src into an absolute rootfs path for the container. Tar
// sources are extracted into the per-container rootfs dir; dir and path
// sources are used in place.
func (p *Preparer) Prepare(src string, id string) (string, error) {
	parsed, err := ParseSource(src)
	if err != nil {
		return "", err
	}

	abs, err := filepath.Abs(parsed.Path)
	if err != nil {
		return "", fmt.Errorf("resolve image path %s: %w", parsed.Path, err)
	}

	switch parsed.Kind {
	case SourceTar:
		return p.extractTar(abs, id)
	case SourceDir, SourcePath:
		info, err := os.Stat(abs)
		if err != nil {
			if os.IsNotExist(err) {
				return "", errdefs.InvalidArgument("image path %s does not exist", abs)
			}
			return "", fmt.Errorf("stat image path %s: %w", abs, err)
		}
		if !info.IsDir() {
			return "", errdefs.InvalidArgument("image path %s is not a directory", abs)
		}
		return abs, nil
	default:
		return "", errdefs.InvalidArgument("unsupported image source %s", src)
	}
}

func (p *Preparer) extractTar(tarPath, id string) (string, error) {
	f, err := os.Open(tarPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errdefs.InvalidArgument("image tar %s does not exist", tarPath)
		}
		return "", fmt.Errorf("open image tar %s: %w", tarPath, err)
	}
	defer f.Close()

	rootfs := p.RootfsDir(id)
	if err := os.MkdirAll(rootfs, 0755); err != nil {
		return "", fmt.Errorf("mkdir rootfs %s: %w", rootfs, err)
	}

	decompressed, err := archive.DecompressStream(f)
	if err != nil {
		os.RemoveAll(filepath.Join(p.containersDir, id))
		return "", fmt.Errorf("decompress image tar: %w", err)
	}
	defer decompressed.Close()

	if err := archive.Untar(decompressed, rootfs, &archive.TarOptions{}); err != nil {
		os.RemoveAll(filepath.Join(p.containersDir, id))
		return "", fmt.Errorf("extract image tar into %s: %w", rootfs, err)
	}
	return rootfs, nil
}

// Cleanup removes the per-container image directory. Rootfs paths outside
// the containers dir (dir:// and plain-path sources) are left alone.
func (p *Preparer) Cleanup(id string) error {
	if err := os.RemoveAll(filepath.Join(p.containersDir, id)); err != nil {
		return fmt.Errorf("remove container dir for %s: %w", id, err)
	}
	return nil
}
