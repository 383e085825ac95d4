package preview

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"golang.org/x/image/bmp"
)

// Snapshots writes every frame as a numbered BMP file
type Snapshots struct {
	dir string
	n   int
}

func NewSnapshots(dir string) (*Snapshots, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot folder: %w", err)
	}

	return &Snapshots{dir: dir}, nil
}

func (s *Snapshots) Show(img *image.RGBA) error {
	path := filepath.Join(s.dir, fmt.Sprintf("frame_%06d.bmp", s.n))

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := bmp.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	s.n++

	return f.Close()
}

// Count returns the number of snapshots written
func (s *Snapshots) Count() int {
	return s.n
}

func (s *Snapshots) Close() error {
	return nil
}
