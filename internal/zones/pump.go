package zones

import "time"

// The position pump is a per-zone ticker that re-samples the player while
// the zone is playing. It backstops the player's own position events: when
// those flow the pump's samples carry the same position and are deduplicated
// in publishProgress, when they stall the pump keeps the record moving.
// The pump starts on the transition to playing and stops on any transition
// away from it.

func (s *Service) startPump() {
	s.pumpMu.Lock()
	defer s.pumpMu.Unlock()
	if s.pumpStop != nil {
		return
	}
	stop := make(chan struct{})
	s.pumpStop = stop
	go s.runPump(stop)
}

func (s *Service) stopPump() {
	s.pumpMu.Lock()
	defer s.pumpMu.Unlock()
	if s.pumpStop == nil {
		return
	}
	close(s.pumpStop)
	s.pumpStop = nil
}

func (s *Service) runPump(stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.pumpTick()
		}
	}
}

func (s *Service) pumpTick() {
	st := s.player.Status(s.index)
	if !st.IsPlaying || st.CurrentTrack == nil {
		return
	}
	s.handlePosition(st.CurrentTrack.PositionMs, st.CurrentTrack.Progress, st.CurrentTrack.DurationMs)
}
