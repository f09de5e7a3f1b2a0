package matching

import (
	"sort"
	"strings"

	"github.com/whisper/rendezvous/internal/bus"
	"github.com/whisper/rendezvous/internal/protocol"
)

// Scoring weights.
const (
	BaseScore     = 10
	AffinityBonus = 100
)

// Score rates cand as a partner for self.
func Score(self, cand protocol.WaitingParticipant) int {
	score := BaseScore
	if cand.Affinity == self.Affinity {
		score += AffinityBonus
	}
	return score
}

// Candidates returns the other participants in a waiting-room roster:
// self and observer entries are excluded, as are entries whose payload
// cannot be decoded.
func Candidates(selfID string, roster bus.Roster) []protocol.WaitingParticipant {
	var out []protocol.WaitingParticipant
	for _, key := range roster.Keys() {
		if key == selfID || strings.HasPrefix(key, protocol.MonitorKeyPrefix) {
			continue
		}
		payload, ok := roster.First(key)
		if !ok {
			continue
		}
		w, err := protocol.DecodeWaiting(key, payload)
		if err != nil {
			continue
		}
		out = append(out, w)
	}
	return out
}

// SelectCandidate picks the best partner for self from the roster: highest
// score, then earliest join time, then lowest id. The order is total, so
// every observer of the same roster agrees on the choice.
func SelectCandidate(self protocol.WaitingParticipant, roster bus.Roster) (protocol.WaitingParticipant, bool) {
	cands := Candidates(self.ID, roster)
	if len(cands) == 0 {
		return protocol.WaitingParticipant{}, false
	}
	sort.Slice(cands, func(i, j int) bool {
		si, sj := Score(self, cands[i]), Score(self, cands[j])
		if si != sj {
			return si > sj
		}
		if cands[i].JoinTime != cands[j].JoinTime {
			return cands[i].JoinTime < cands[j].JoinTime
		}
		return cands[i].ID < cands[j].ID
	})
	return cands[0], true
}

// prevails reports whether proposal a beats proposal b when the same pair
// proposed to each other concurrently: the lower proposer id wins.
func prevails(a, b protocol.MatchProposal) bool {
	if a.ProposerID != b.ProposerID {
		return a.ProposerID < b.ProposerID
	}
	return a.SessionID < b.SessionID
}
