package tracking

import "image"

// internal per-track state
type trackState struct {
	id        int
	last      Observation
	filter    *KalmanFilter
	hits      int
	misses    int
	matched   bool
	matchedTo int // index into the current frame's observations
}

// predictedBox shifts the last box so its center sits on the Kalman
// prediction. Association against the predicted box keeps identities stable
// when an object moves between frames.
func (t *trackState) predictedBox() image.Rectangle {
	px, py := t.filter.Predict()
	last := t.last.Box
	cx := float64(last.Min.X+last.Max.X) / 2
	cy := float64(last.Min.Y+last.Max.Y) / 2
	dx := int(px - cx)
	dy := int(py - cy)
	return last.Add(image.Pt(dx, dy))
}

// Tracker assigns persistent identities to per-frame observations using
// greedy IoU association against each active track's predicted position.
// It is not safe for concurrent use; the acquisition loop is its only caller.
type Tracker struct {
	// MinIoU is the minimum overlap for an observation to join a track.
	MinIoU float64
	// MaxMisses is how many consecutive unmatched frames a track survives.
	MaxMisses int
	// FrameDT is the nominal seconds between frames, fed to the per-track filters.
	FrameDT float64

	nextID int
	tracks []*trackState
}

// NewTracker creates a tracker with the standard association tuning for a
// stream at the given frame rate.
func NewTracker(fps int) *Tracker {
	dt := 1.0 / 30.0
	if fps > 0 {
		dt = 1.0 / float64(fps)
	}
	return &Tracker{
		MinIoU:    0.3,
		MaxMisses: 30,
		FrameDT:   dt,
		nextID:    1,
	}
}

// Update associates the frame's observations with active tracks and returns
// one Track per observation, in observation order. Observations that cannot
// be associated receive newly minted IDs. Tracks unmatched for more than
// MaxMisses frames are dropped; their IDs are never reused.
func (tr *Tracker) Update(obs []Observation) []Track {
	for _, t := range tr.tracks {
		t.matched = false
	}
	obsMatched := make([]int, len(obs)) // 0 = unmatched, else track id
	obsTrack := make([]*trackState, len(obs))

	// Greedy association: repeatedly take the best remaining (track, obs)
	// pair above the IoU floor.
	for {
		bestIoU := tr.MinIoU
		bestT := -1
		bestO := -1
		for ti, t := range tr.tracks {
			if t.matched {
				continue
			}
			pred := t.predictedBox()
			for oi, o := range obs {
				if obsMatched[oi] != 0 {
					continue
				}
				if v := IoU(pred, o.Box); v > bestIoU {
					bestIoU = v
					bestT = ti
					bestO = oi
				}
			}
		}
		if bestT < 0 {
			break
		}
		t := tr.tracks[bestT]
		t.matched = true
		t.matchedTo = bestO
		obsMatched[bestO] = t.id
		obsTrack[bestO] = t
	}

	// Advance matched tracks, age unmatched ones.
	survivors := tr.tracks[:0]
	for _, t := range tr.tracks {
		if t.matched {
			o := obs[t.matchedTo]
			cx := float64(o.Box.Min.X+o.Box.Max.X) / 2
			cy := float64(o.Box.Min.Y+o.Box.Max.Y) / 2
			t.filter.Update(cx, cy)
			t.last = o
			t.hits++
			t.misses = 0
			survivors = append(survivors, t)
		} else {
			t.misses++
			if t.misses <= tr.MaxMisses {
				survivors = append(survivors, t)
			}
		}
	}
	tr.tracks = survivors

	// Mint tracks for unmatched observations.
	out := make([]Track, len(obs))
	for oi, o := range obs {
		t := obsTrack[oi]
		if t == nil {
			t = &trackState{
				id:     tr.nextID,
				last:   o,
				filter: NewKalmanFilter(tr.FrameDT),
				hits:   1,
			}
			cx := float64(o.Box.Min.X+o.Box.Max.X) / 2
			cy := float64(o.Box.Min.Y+o.Box.Max.Y) / 2
			t.filter.Update(cx, cy)
			tr.nextID++
			tr.tracks = append(tr.tracks, t)
		}
		out[oi] = Track{
			ID:          t.id,
			Observation: o,
			Hits:        t.hits,
			Misses:      0,
		}
	}
	return out
}

// ActiveTracks returns the number of tracks currently alive, including ones
// coasting through missed frames.
func (tr *Tracker) ActiveTracks() int {
	return len(tr.tracks)
}
