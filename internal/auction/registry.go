package auction

// Registry tracks the participants of one auction. Budgets and rosters are
// not stored here; they are derived from the catalog on demand.
type Registry struct {
	participants []Participant
	index        map[string]int
	tokens       map[string]int
	adminID      string
}

func newRegistry() Registry {
	return Registry{index: make(map[string]int), tokens: make(map[string]int)}
}

func (r *Registry) get(id string) (*Participant, bool) {
	i, ok := r.index[id]
	if !ok {
		return nil, false
	}
	return &r.participants[i], true
}

func (r *Registry) byToken(token string) (*Participant, bool) {
	if token == "" {
		return nil, false
	}
	i, ok := r.tokens[token]
	if !ok {
		return nil, false
	}
	return &r.participants[i], true
}

// admin returns the admin of record, if one has joined.
func (r *Registry) admin() (*Participant, bool) {
	if r.adminID == "" {
		return nil, false
	}
	return r.get(r.adminID)
}

// find returns the participant with the given name and role.
func (r *Registry) find(name string, role Role) (*Participant, bool) {
	for i := range r.participants {
		p := &r.participants[i]
		if p.Role == role && p.Name == name {
			return p, true
		}
	}
	return nil, false
}

func (r *Registry) add(p Participant) {
	r.index[p.ID] = len(r.participants)
	if p.Token != "" {
		r.tokens[p.Token] = len(r.participants)
	}
	r.participants = append(r.participants, p)
	if p.Role == RoleAdmin && r.adminID == "" {
		r.adminID = p.ID
	}
}
