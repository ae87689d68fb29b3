package engine

// OpponentView is the audit view of one opponent record.
type OpponentView struct {
	ID           string
	Observations int
	History      []string
	Estimates    map[int]map[string]float64
}

// Snapshot is a point-in-time audit view of a session. It is not used to
// resume sessions.
type Snapshot struct {
	PartyID     string
	SessionID   string
	Turn        int
	Parties     int
	Policy      string
	WelfareMode string
	Weighting   string
	SpaceMode   string
	SpaceSize   int
	LastMover   string
	LastBid     map[int]string
	Opponents   []OpponentView
}

func (p *Party) Snapshot() Snapshot {
	s := Snapshot{
		PartyID:     p.cfg.PartyID,
		SessionID:   p.sessionID,
		Turn:        p.turn,
		Parties:     p.Parties(),
		Policy:      p.policy.Name(),
		WelfareMode: string(p.search.Mode()),
		Weighting:   p.cfg.Weighting.String(),
		SpaceMode:   p.space.Mode().String(),
		SpaceSize:   p.space.Size(),
		LastMover:   p.lastMover,
	}
	if !p.lastBid.IsZero() {
		s.LastBid = make(map[int]string)
		for n, v := range p.lastBid.Values() {
			s.LastBid[n] = v.String()
		}
	}
	for _, r := range p.opps.Records() {
		view := OpponentView{
			ID:           r.ID(),
			Observations: r.Observations(),
			Estimates:    make(map[int]map[string]float64),
		}
		for _, a := range r.History() {
			view.History = append(view.History, a.String())
		}
		for n, vals := range r.Estimates() {
			m := make(map[string]float64, len(vals))
			for v, w := range vals {
				m[v.String()] = w
			}
			view.Estimates[n] = m
		}
		s.Opponents = append(s.Opponents, view)
	}
	return s
}
