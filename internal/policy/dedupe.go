package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"behaviorguard/internal/model"
)

// CalculateDedupeKey hashes the alert identity with the UTC hour bucket of
// createdAt. Scores and other content never enter the key.
func CalculateDedupeKey(studentID, kind, contextKey string, createdAt time.Time) string {
	bucket := createdAt.UTC().Truncate(time.Hour).Format(time.RFC3339)
	sum := sha256.Sum256([]byte(strings.Join([]string{studentID, kind, contextKey, bucket}, "|")))
	return hex.EncodeToString(sum[:16])
}

func dedupeKeyOf(a model.AlertEvent) string {
	if a.DedupeKey != "" {
		return a.DedupeKey
	}
	return CalculateDedupeKey(a.StudentID, a.Kind, a.ContextKey, a.CreatedAt)
}

// beats reports whether challenger should replace incumbent: higher
// severity wins, ties go to the most recent.
func beats(challenger, incumbent model.AlertEvent) bool {
	if cr, ir := challenger.Severity.Rank(), incumbent.Severity.Rank(); cr != ir {
		return cr > ir
	}
	return challenger.CreatedAt.After(incumbent.CreatedAt)
}

// DeduplicateAlerts collapses alerts sharing a dedupe key within window.
// Surfaced alerts keep the order of first appearance; the survivor of a
// collision carries HasDuplicates and is never marked Deduplicated.
func DeduplicateAlerts(alerts []model.AlertEvent, window time.Duration) (surfaced, absorbed []model.AlertEvent) {
	if window <= 0 {
		window = time.Hour
	}
	slot := make(map[string]int, len(alerts))
	for _, a := range alerts {
		a.DedupeKey = dedupeKeyOf(a)
		idx, ok := slot[a.DedupeKey]
		if ok {
			gap := a.CreatedAt.Sub(surfaced[idx].CreatedAt)
			if gap < 0 {
				gap = -gap
			}
			ok = gap <= window
		}
		if !ok {
			slot[a.DedupeKey] = len(surfaced)
			surfaced = append(surfaced, a)
			continue
		}
		winner, loser := surfaced[idx], a
		if beats(a, winner) {
			winner, loser = a, surfaced[idx]
		}
		ids := append([]string(nil), winner.Metadata.AbsorbedIDs...)
		ids = append(ids, loser.ID)
		winner.Metadata.AbsorbedIDs = append(ids, loser.Metadata.AbsorbedIDs...)
		loser.Metadata.AbsorbedIDs = nil

		g := winner.GovernanceOrZero().Merge(loser.GovernanceOrZero())
		g.HasDuplicates = true
		g.Deduplicated = false
		surfaced[idx] = winner.OverrideGovernance(g)

		lg := loser.GovernanceOrZero()
		lg.Deduplicated = true
		lg.HasDuplicates = false
		absorbed = append(absorbed, loser.OverrideGovernance(lg))
	}
	return surfaced, absorbed
}
