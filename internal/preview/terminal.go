package preview

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/image/draw"
	"golang.org/x/term"
)

const halfBlock = "▀"

// Terminal draws frames with half block characters, two DMD rows per text line. Frames
// wider than the terminal are scaled down.
type Terminal struct {
	w        io.Writer
	r        *lipgloss.Renderer
	maxWidth int
	lines    int // printed by the previous frame
}

// NewTerminal draws on w. The width limit is taken from the terminal behind w when
// there is one, maxWidth is used otherwise (0 for none).
func NewTerminal(w io.Writer, maxWidth int) *Terminal {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 0 {
			maxWidth = cols
		}
	}

	return &Terminal{
		w:        w,
		r:        lipgloss.NewRenderer(w),
		maxWidth: maxWidth,
	}
}

func hexColor(c color.RGBA) lipgloss.Color {
	return lipgloss.Color(fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B))
}

// Show redraws img over the previous frame
func (t *Terminal) Show(img *image.RGBA) error {
	if t.maxWidth > 0 && img.Rect.Dx() > t.maxWidth {
		h := img.Rect.Dy() * t.maxWidth / img.Rect.Dx()
		if h == 0 {
			h = 1
		}
		scaled := image.NewRGBA(image.Rect(0, 0, t.maxWidth, h))
		draw.ApproxBiLinear.Scale(scaled, scaled.Rect, img, img.Rect, draw.Src, nil)
		img = scaled
	}

	var sb strings.Builder
	if t.lines > 0 {
		fmt.Fprintf(&sb, "\x1b[%dA", t.lines)
	}

	b := img.Rect
	lines := 0
	for y := b.Min.Y; y < b.Max.Y; y += 2 {
		var top, bottom, runTop, runBottom color.RGBA
		run := 0
		flush := func() {
			if run == 0 {
				return
			}
			st := t.r.NewStyle().Foreground(hexColor(runTop)).Background(hexColor(runBottom))
			sb.WriteString(st.Render(strings.Repeat(halfBlock, run)))
			run = 0
		}

		for x := b.Min.X; x < b.Max.X; x++ {
			top = img.RGBAAt(x, y)
			bottom = color.RGBA{A: 0xff}
			if y+1 < b.Max.Y {
				bottom = img.RGBAAt(x, y+1)
			}

			if run > 0 && (top != runTop || bottom != runBottom) {
				flush()
			}
			runTop, runBottom = top, bottom
			run++
		}
		flush()

		sb.WriteByte('\n')
		lines++
	}

	t.lines = lines
	_, err := io.WriteString(t.w, sb.String())
	return err
}

func (t *Terminal) Close() error {
	return nil
}
