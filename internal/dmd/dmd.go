// Package dmd holds the message shapes exchanged on the bus between the
// emulator host, the colorization plugin and the render front end.
package dmd

// Format tags the pixel layout of a frame buffer
type Format int

const (
	// FormatLum8 is one luminance byte per pixel, as produced by the emulator core
	FormatLum8 Format = iota + 1
	// FormatSRGB888 is three bytes per pixel (R, G, B)
	FormatSRGB888
	// FormatSRGB565 is two bytes per pixel, little endian RGB565
	FormatSRGB565
)

func (f Format) String() string {
	switch f {
	case FormatLum8:
		return "lum8"
	case FormatSRGB888:
		return "srgb888"
	case FormatSRGB565:
		return "srgb565"
	}

	return "unknown"
}

// BytesPerPixel returns the pixel stride of the format, 0 for unknown formats
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatLum8:
		return 1
	case FormatSRGB888:
		return 3
	case FormatSRGB565:
		return 2
	}

	return 0
}

// FlagRenderSizeReq asks for a frame of exactly Width x Height instead of the best available one
const FlagRenderSizeReq uint32 = 1 << 0

// GetDmdMsg is both the request and the response of the render and identify topics.
// Responders fill Frame, FrameID, Width, Height and Format in place.
//
// Frame is borrowed: it stays valid until the next message on the same topic and
// must not be retained or modified by the requester.
type GetDmdMsg struct {
	DmdID        uint32
	Frame        []byte
	FrameID      uint32
	Width        int
	Height       int
	Format       Format
	RequestFlags uint32
}

// SizeRequested reports whether the requester wants a fixed frame size
func (m *GetDmdMsg) SizeRequested() bool {
	return m.RequestFlags&FlagRenderSizeReq != 0
}

// SrcEntry describes one frame source available for a DMD
type SrcEntry struct {
	DmdID  uint32
	Format Format
	Width  int
	Height int
}

// GetDmdSrcMsg collects available frame sources into a bounded list
type GetDmdSrcMsg struct {
	MaxEntryCount int
	Entries       []SrcEntry
}

// NewGetDmdSrcMsg returns an empty source list holding at most maxEntries entries
func NewGetDmdSrcMsg(maxEntries int) *GetDmdSrcMsg {
	return &GetDmdSrcMsg{
		MaxEntryCount: maxEntries,
		Entries:       make([]SrcEntry, 0, maxEntries),
	}
}

// Append adds e if the list is not full yet. It returns false once capacity is reached.
func (m *GetDmdSrcMsg) Append(e SrcEntry) bool {
	if len(m.Entries) >= m.MaxEntryCount {
		return false
	}

	m.Entries = append(m.Entries, e)
	return true
}

// PackRGB565 converts an 8 bit per channel color into RGB565
func PackRGB565(r, g, b uint8) uint16 {
	return uint16(r>>3)<<11 | uint16(g>>2)<<5 | uint16(b>>3)
}

// UnpackRGB565 expands an RGB565 color back to 8 bit per channel, replicating the
// high bits into the low ones so that full intensity maps to 255
func UnpackRGB565(p uint16) (r, g, b uint8) {
	r5 := uint8(p>>11) & 0x1f
	g6 := uint8(p>>5) & 0x3f
	b5 := uint8(p) & 0x1f

	return r5<<3 | r5>>2, g6<<2 | g6>>4, b5<<3 | b5>>2
}
