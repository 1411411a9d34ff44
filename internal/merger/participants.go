package merger

import (
	"github.com/vdavid/mailsync/internal/models"
)

// participantSet is a thread's cumulative participant set: address to role.
type participantSet map[string]string

func newParticipantSet(participants []models.Participant) participantSet {
	set := make(participantSet, len(participants))
	for _, p := range participants {
		set[p.Address] = p.Role
	}
	return set
}

// diff applies one message's recipients to the set and returns the log
// entries it causes, numbered from nextSeq. To is processed before CC, so an
// address in both is recorded once as "to". A "cc" participant that shows up
// in To is promoted; a "to" participant in CC is left alone.
func (s participantSet) diff(externalID string, to, cc []string, nextSeq int) []models.ParticipantChange {
	var changes []models.ParticipantChange
	add := func(address, role, kind string) {
		s[address] = role
		changes = append(changes, models.ParticipantChange{
			Seq:       nextSeq,
			MessageID: externalID,
			Address:   address,
			Role:      role,
			Kind:      kind,
		})
		nextSeq++
	}

	for _, address := range to {
		switch s[address] {
		case "":
			add(address, models.RoleTo, models.ChangeAdded)
		case models.RoleCC:
			add(address, models.RoleTo, models.ChangeRoleChanged)
		}
	}
	for _, address := range cc {
		if _, ok := s[address]; !ok {
			add(address, models.RoleCC, models.ChangeAdded)
		}
	}
	return changes
}

// buildParticipantLog replays messages, already in thread order, into a
// complete log.
func buildParticipantLog(messages []*models.Message) []models.ParticipantChange {
	set := make(participantSet)
	var log []models.ParticipantChange
	for _, m := range messages {
		log = append(log, set.diff(m.ExternalID, m.ToAddresses, m.CCAddresses, len(log)+1)...)
	}
	return log
}
