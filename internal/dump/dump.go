// Package dump reads raw DMD frame dumps.
//
// A dump is a text file of frames separated by blank lines. Each frame starts with
// its timestamp in milliseconds as a 0x prefixed hex number, followed by one line
// per DMD row holding one hex digit of luminance per pixel:
//
//	0x0001e240
//	00000000000000ff...
//	0000000000000fff...
//
// Files ending in .zst are zstd compressed dumps.
package dump

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

var ErrMalformed = errors.New("dump: malformed frame")

// Frame is one raw frame of a dump, in Lum8 format
type Frame struct {
	Timestamp time.Duration
	Width     int
	Height    int
	Data      []byte
}

// Reader reads frames one at a time
type Reader struct {
	sc   *bufio.Scanner
	line int
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 4096), 1<<20)

	return &Reader{sc: sc}
}

func (r *Reader) scan() (string, bool) {
	if !r.sc.Scan() {
		return "", false
	}
	r.line++
	return strings.TrimSpace(r.sc.Text()), true
}

// Next returns the next frame, or io.EOF after the last one
func (r *Reader) Next() (Frame, error) {
	var header string
	for {
		l, ok := r.scan()
		if !ok {
			if err := r.sc.Err(); err != nil {
				return Frame{}, err
			}
			return Frame{}, io.EOF
		}
		if l != "" {
			header = l
			break
		}
	}

	if !strings.HasPrefix(header, "0x") && !strings.HasPrefix(header, "0X") {
		return Frame{}, fmt.Errorf("%w: line %d: expected timestamp, got %q", ErrMalformed, r.line, header)
	}
	ts, err := strconv.ParseUint(header[2:], 16, 64)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: line %d: %v", ErrMalformed, r.line, err)
	}

	f := Frame{Timestamp: time.Duration(ts) * time.Millisecond}
	for {
		l, ok := r.scan()
		if !ok || l == "" {
			break
		}

		if f.Width == 0 {
			f.Width = len(l)
		} else if len(l) != f.Width {
			return Frame{}, fmt.Errorf("%w: line %d: row of %d pixels, expected %d", ErrMalformed, r.line, len(l), f.Width)
		}

		for i := 0; i < len(l); i++ {
			v, ok := hexDigit(l[i])
			if !ok {
				return Frame{}, fmt.Errorf("%w: line %d: bad pixel %q", ErrMalformed, r.line, l[i])
			}
			// spread 4 bits over the full luminance range
			f.Data = append(f.Data, v*17)
		}
		f.Height++
	}

	if err := r.sc.Err(); err != nil {
		return Frame{}, err
	}
	if f.Height == 0 {
		return Frame{}, fmt.Errorf("%w: line %d: frame without rows", ErrMalformed, r.line)
	}

	return f, nil
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// ReadAll reads every frame of r
func ReadAll(r io.Reader) ([]Frame, error) {
	dr := NewReader(r)

	var frames []Frame
	for {
		f, err := dr.Next()
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}

// Load reads every frame of the dump file at path
func Load(path string) ([]Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	frames, err := ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return frames, nil
}

// Write writes frames in dump format. Luminance is reduced to 4 bits.
func Write(w io.Writer, frames []Frame) error {
	bw := bufio.NewWriter(w)

	for _, f := range frames {
		fmt.Fprintf(bw, "0x%08x\n", f.Timestamp.Milliseconds())
		for y := 0; y < f.Height; y++ {
			for _, v := range f.Data[y*f.Width : (y+1)*f.Width] {
				bw.WriteByte("0123456789abcdef"[v>>4])
			}
			bw.WriteByte('\n')
		}
		bw.WriteByte('\n')
	}

	return bw.Flush()
}
