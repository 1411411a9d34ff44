package merger

import (
	"slices"
	"strings"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/syncerr"
)

// compareMessages orders by timestamp, then by external id byte order.
func compareMessages(a, b *models.Message) int {
	if c := a.SentAt.Compare(b.SentAt); c != 0 {
		return c
	}
	return strings.Compare(a.ExternalID, b.ExternalID)
}

func sortMessages(messages []*models.Message) {
	slices.SortStableFunc(messages, compareMessages)
}

// checkReferenceChain reports every message, in thread order, that lists
// fewer ancestors than some earlier message.
func checkReferenceChain(messages []*models.Message) []*syncerr.MergeConflictError {
	var conflicts []*syncerr.MergeConflictError
	longest := 0
	for i, m := range messages {
		n := len(m.References)
		if i > 0 && n < longest {
			conflicts = append(conflicts, &syncerr.MergeConflictError{
				ThreadID:   m.SourceThreadID,
				ExternalID: m.ExternalID,
				Previous:   longest,
				Current:    n,
			})
		}
		longest = max(longest, n)
	}
	return conflicts
}
