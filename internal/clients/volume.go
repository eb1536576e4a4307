package clients

import (
	"context"
	"math"

	"github.com/snapdog/snapdog-go/internal/snapcast"
	"github.com/snapdog/snapdog-go/internal/state"
)

// ScaleZoneVolume applies a zone volume target to every client in the
// zone's Snapcast group, scaling each client proportionally so relative
// balance is preserved. A zone without a group, or a group without clients,
// is a successful no-op. Configured clients are written through SetVolume
// (record update plus notifications); unconfigured group members get the
// raw Snapcast write so the group still ends up balanced.
func (m *Manager) ScaleZoneVolume(ctx context.Context, zoneIndex, target int) error {
	if err := m.validZone(zoneIndex); err != nil {
		return err
	}
	target = state.ClampVolume(target)

	streamID := snapcast.StreamIDFromSink(m.zones[zoneIndex-1].Sink)
	group, ok := m.repo.GroupForStream(streamID)
	if !ok || len(group.Clients) == 0 {
		return nil
	}

	current := make([]int, len(group.Clients))
	for i, member := range group.Clients {
		current[i] = member.Config.Volume.Percent
		if idx, configured := m.indexByMAC[snapcast.CanonicalMAC(member.Host.MAC)]; configured {
			if s, found := m.store.Get(idx); found {
				current[i] = s.Volume
			}
		}
	}

	scaled := scaleVolumes(current, target)
	for i, member := range group.Clients {
		if idx, configured := m.indexByMAC[snapcast.CanonicalMAC(member.Host.MAC)]; configured {
			if err := m.SetVolume(ctx, idx, scaled[i]); err != nil {
				return err
			}
			continue
		}
		if err := m.control.SetClientVolume(ctx, member.ID, scaled[i], member.Config.Volume.Muted); err != nil {
			return err
		}
	}
	return nil
}

// scaleVolumes distributes the delta between the group mean and the target
// across the member volumes.
//
// With mean m and delta d = target - m, each client volume v moves to
// v - (|d|/m)*v when lowering and v + (d/(100-m))*(100-v) when raising,
// rounded and clamped to [0,100]. A group pinned at the boundary (mean 0
// raised, mean 100 lowered) jumps straight to the target.
func scaleVolumes(current []int, target int) []int {
	if len(current) == 0 {
		return nil
	}
	sum := 0
	for _, v := range current {
		sum += v
	}
	mean := float64(sum) / float64(len(current))
	delta := float64(target) - mean

	out := make([]int, len(current))
	switch {
	case delta == 0:
		copy(out, current)
	case mean <= 0 || mean >= 100:
		for i := range out {
			out[i] = target
		}
	default:
		for i, v := range current {
			vc := float64(v)
			var next float64
			if delta < 0 {
				next = vc - (-delta/mean)*vc
			} else {
				next = vc + (delta/(100-mean))*(100-vc)
			}
			out[i] = state.ClampVolume(int(math.Round(next)))
		}
	}
	return out
}
