package colorize

import "dmdcolor/internal/dmd"

// Sources appends the outputs available for the selected DMD to m, 32-row first,
// then 64-row, then native. Entries beyond m's capacity are silently dropped.
func (s *Session) Sources(m *dmd.GetDmdSrcMsg) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.engine == nil || s.state == nil || !s.dmdSelected {
		return
	}

	for _, b := range []*frameBuffer{&s.state.variant32, &s.state.variant64, &s.state.native} {
		if !b.populated() {
			continue
		}

		if !m.Append(dmd.SrcEntry{DmdID: s.dmdID, Format: b.format, Width: b.width, Height: b.height}) {
			return
		}
	}
}
