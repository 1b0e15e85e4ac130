package mesh

import (
	"encoding/json"
	"sort"

	"github.com/opencampus/liveclass/internal/models"
)

// membership turns full participant snapshots into joined/left deltas.
// Diffing is by identifier set only: a participant flipping its own
// audio/video/hand flags is neither a join nor a leave and must not
// re-trigger negotiation. The retained snapshot is always replaced, even
// when the caller is not ready to act on the deltas, so join notifications
// can never be delivered twice.
type membership struct {
	selfID  string
	current map[string]models.Participant
}

func newMembership(selfID string) *membership {
	return &membership{selfID: selfID, current: make(map[string]models.Participant)}
}

// apply ingests a snapshot and returns the identifiers that joined and left
// since the previous one, in stable order. The local participant is never
// reported.
func (m *membership) apply(docs map[string]json.RawMessage) (joined, left []string) {
	next := make(map[string]models.Participant, len(docs))
	for id, data := range docs {
		var p models.Participant
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		next[id] = p
	}

	for id := range next {
		if id == m.selfID {
			continue
		}
		if _, ok := m.current[id]; !ok {
			joined = append(joined, id)
		}
	}
	for id := range m.current {
		if id == m.selfID {
			continue
		}
		if _, ok := next[id]; !ok {
			left = append(left, id)
		}
	}
	m.current = next

	sort.Strings(joined)
	sort.Strings(left)
	return joined, left
}

// participant returns the last observed state for a remote identifier.
func (m *membership) participant(id string) (models.Participant, bool) {
	p, ok := m.current[id]
	return p, ok
}

func (m *membership) participants() []models.Participant {
	out := make([]models.Participant, 0, len(m.current))
	for _, p := range m.current {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
