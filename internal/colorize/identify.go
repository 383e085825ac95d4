package colorize

import (
	"log/slog"

	"dmdcolor/internal/dmd"
	"dmdcolor/internal/engine"
)

// Identify colorizes the raw frame carried by m if it is a new frame of the selected
// DMD. Anything else (other DMD, no frame, a frame id already seen) is ignored.
func (s *Session) Identify(m *dmd.GetDmdMsg) {
	s.lock.Lock()
	trigger := s.identify(m)
	onTrigger := s.topics.onTrigger
	s.lock.Unlock()

	s.broadcastTrigger(onTrigger, trigger)
}

// identify returns the lighting trigger of the identified frame, or engine.TriggerDisabled.
// Callers hold the lock.
func (s *Session) identify(m *dmd.GetDmdMsg) uint32 {
	if s.engine == nil || !s.dmdSelected || m.DmdID != s.dmdID {
		return engine.TriggerDisabled
	}

	if len(m.Frame) == 0 || m.FrameID == s.lastRawFrameID {
		return engine.TriggerDisabled
	}

	if m.Width <= 0 || m.Height <= 0 || len(m.Frame) < m.Width*m.Height {
		s.l.Debug("Ignoring raw frame with inconsistent size",
			slog.Int("width", m.Width), slog.Int("height", m.Height), slog.Int("len", len(m.Frame)))
		return engine.TriggerDisabled
	}

	firstRot := s.engine.Colorize(m.Frame[:m.Width*m.Height])
	s.lastRawFrameID = m.FrameID
	if firstRot == engine.NoFrame {
		return engine.TriggerDisabled
	}

	if s.state == nil || s.state.width != m.Width || s.state.height != m.Height {
		s.dropState()
		s.state = newColorizationState(m.Width, m.Height, s.engine.Mode(), s.frameVersion)

		s.l.Debug("New colorization state", slog.Int("width", m.Width), slog.Int("height", m.Height))
	}

	if firstRot != 0 {
		s.state.startAnimation(s.clock.Now(), firstRot)
	}

	s.refresher.identified(s.state, s.engine)

	return s.engine.TriggerID()
}
