package dmapwm

import "math"

// A slotEdge is what one ring slot should do: drive the masked pins to the
// active level or back to idle. Slots absent from an image are no-ops.
type slotEdge struct {
	mask   uint32
	active bool
}

// channelState is the scheduling view of one live channel.
type channelState struct {
	pin   uint
	duty  float64
	phase int
}

// channelSlots records where a channel's edges landed, -1 for an edge the
// duty cycle does not need.
type channelSlots struct {
	rise int
	fall int
}

// computeSchedule turns the live channels into a complete slot image for a
// ring of n slots. Each channel rises at its phase slot and falls
// round(duty/100 * n) slots later; channels sharing a slot are packed into
// one mask. Zero duty places no edges at all and full duty only the rising
// one, so those pins hold level without the ring touching them every cycle.
//
// A slot can write the set register or the clear register, not both, so a
// falling edge that lands on anyone's rise slot is nudged to a free
// neighbor. The returned placements parallel the input.
func computeSchedule(states []channelState, n int) (map[int]slotEdge, []channelSlots) {
	rises := make(map[int]uint32)
	for _, s := range states {
		if s.duty <= 0 {
			continue
		}
		rises[s.phase%n] |= 1 << s.pin
	}

	image := make(map[int]slotEdge, 2*len(states))
	for slot, mask := range rises {
		image[slot] = slotEdge{mask: mask, active: true}
	}

	placed := make([]channelSlots, len(states))
	for i, s := range states {
		placed[i] = channelSlots{rise: -1, fall: -1}
		if s.duty <= 0 {
			continue
		}
		placed[i].rise = s.phase % n
		if s.duty >= 100 {
			continue
		}
		fall := steerFall((s.phase+int(math.Round(s.duty/100*float64(n))))%n, s.duty, rises, n)
		if fall < 0 {
			continue
		}
		e := image[fall]
		e.mask |= 1 << s.pin
		image[fall] = e
		placed[i].fall = fall
	}
	return image, placed
}

// steerFall moves a falling edge off slots that host rising edges. Short
// pulses stretch (step later), long ones shrink (step earlier), keeping the
// error on the small side either way. In the degenerate case where every
// slot hosts a rise there is nowhere to fall and the edge is dropped.
func steerFall(slot int, duty float64, rises map[int]uint32, n int) int {
	step := 1
	if duty >= 50 {
		step = n - 1
	}
	for i := 0; i < n; i++ {
		if _, taken := rises[slot]; !taken {
			return slot
		}
		slot = (slot + step) % n
	}
	return -1
}
