package matching

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/whisper/matchmaker/internal/account"
)

// MatchResult is the payload each paired user receives on match.found.<uid>.
type MatchResult struct {
	ChatID          string   `json:"chatId"`
	PartnerID       string   `json:"partnerId"`
	PartnerName     string   `json:"partnerName,omitempty"`
	SharedInterests []string `json:"sharedInterests,omitempty"`
}

// publishMatchFound tells both participants about their new session. Both
// sends are attempted even if the first fails.
func publishMatchFound(pub Publisher, session account.ChatSession, shared []string) error {
	var errs []error
	for i, uid := range session.Participants {
		partner := session.Participants[1-i]
		data, err := json.Marshal(MatchResult{
			ChatID:          session.ID,
			PartnerID:       partner,
			PartnerName:     session.ParticipantInfo[partner].Username,
			SharedInterests: shared,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("matching: marshal result for %s: %w", uid, err))
			continue
		}
		if err := pub.PublishMatchFound(uid, data); err != nil {
			errs = append(errs, fmt.Errorf("matching: publish match.found for %s: %w", uid, err))
		}
	}
	return errors.Join(errs...)
}
