package colorize

import (
	"time"

	"dmdcolor/internal/dmd"
	"dmdcolor/internal/engine"
	"dmdcolor/internal/msgbus"
)

// Render answers m with the latest colorized frame of the selected DMD. The first
// request at least minSelectWidth pixels wide selects its DMD.
//
// On success m.Frame, Width, Height, Format and FrameID are replaced. m.Frame is
// borrowed from the session and stays valid until the next request.
func (s *Session) Render(m *dmd.GetDmdMsg) {
	dmdID, getIdentify, ok := s.accept(m)
	if !ok {
		return
	}

	// pull the latest raw frame, we are excluded from our own broadcast
	raw := dmd.GetDmdMsg{DmdID: dmdID}
	s.bus.Broadcast(EndpointID, getIdentify, &raw)

	s.lock.Lock()
	trigger := s.identify(&raw)
	s.render(m)
	onTrigger := s.topics.onTrigger
	s.lock.Unlock()

	s.broadcastTrigger(onTrigger, trigger)
}

// accept applies DMD selection and filters requests this session must not answer. It
// returns the selected DMD and the topic to pull its raw frame from.
func (s *Session) accept(m *dmd.GetDmdMsg) (uint32, msgbus.TopicID, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.engine == nil {
		return 0, 0, false
	}

	if !s.dmdSelected {
		if m.Width < minSelectWidth {
			return 0, 0, false
		}
		s.dmdID = m.DmdID
		s.dmdSelected = true
	}

	if m.DmdID != s.dmdID {
		return 0, 0, false
	}

	// already answered by someone else
	if m.Frame != nil && m.Format != dmd.FormatLum8 {
		return 0, 0, false
	}

	return s.dmdID, s.topics.getIdentify, true
}

// render is called with the lock held
func (s *Session) render(m *dmd.GetDmdMsg) {
	if s.state == nil || s.engine == nil {
		return
	}

	s.catchUpAnimation()

	b := s.state.selectVariant(m)
	if b == nil {
		return
	}

	m.Frame = b.data
	m.Width = b.width
	m.Height = b.height
	m.Format = b.format
	m.FrameID = s.state.frameVersion
}

// catchUpAnimation runs every rotation step scheduled before now
func (s *Session) catchUpAnimation() {
	st := s.state
	if !st.hasAnimation {
		return
	}

	now := s.clock.Now()
	for st.animationNextTick.Before(now) {
		rot := s.engine.Rotate()
		delay := rot & engine.DelayMask
		if delay == 0 {
			st.hasAnimation = false
			break
		}

		st.animationTick = st.animationNextTick
		st.animationNextTick = st.animationNextTick.Add(time.Duration(delay) * time.Millisecond)
		s.refresher.rotated(st, s.engine, rot)
	}
}
