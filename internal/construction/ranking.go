package construction

import (
	"math"
	"sort"
	"time"

	"colldialer/internal/models"
)

// Item is a candidate with everything ranking and diversion look at.
type Item struct {
	models.Candidate
	Signals models.RankingSignals
	Phones  []string
	Name    string
	VA      string
	Track   string
}

// RankDefault orders by days past due (oldest first), then balance.
func RankDefault(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.DPD != b.DPD {
			return a.DPD > b.DPD
		}
		if a.Outstanding != b.Outstanding {
			return a.Outstanding > b.Outstanding
		}
		return a.AccountPaymentID < b.AccountPaymentID
	})
}

// RankRecovery partitions by DPD value and ranks each partition by due date,
// recent contacts, broken promise and outstanding balance. Ties fall back to the
// account-payment id so the order is deterministic.
func RankRecovery(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.DPD != b.DPD {
			return a.DPD < b.DPD
		}
		if a.DueDate != b.DueDate {
			return a.DueDate < b.DueDate
		}
		if a.Signals.RecentContacts != b.Signals.RecentContacts {
			return a.Signals.RecentContacts > b.Signals.RecentContacts
		}
		if a.Signals.BrokenPromise != b.Signals.BrokenPromise {
			return a.Signals.BrokenPromise
		}
		if a.Outstanding != b.Outstanding {
			return a.Outstanding > b.Outstanding
		}
		return a.AccountPaymentID < b.AccountPaymentID
	})
}

// Cycle returns the distribution cycle key of asOf: the month of the most recent
// distribution day.
func Cycle(asOf time.Time, distributionDay int) string {
	if distributionDay < 1 {
		distributionDay = 1
	}
	first := time.Date(asOf.Year(), asOf.Month(), 1, 0, 0, 0, 0, asOf.Location())
	if asOf.Day() < distributionDay {
		first = first.AddDate(0, -1, 0)
	}
	return first.Format("2006-01")
}

// Divert assigns tracks to ranked items. Items with an existing assignment keep
// it; the lowest-ranked fraction of the rest goes to the vendor track. It returns
// the new assignments to persist.
func Divert(ranked []Item, existing map[int64]string, fraction float64) map[int64]string {
	fresh := make([]int, 0, len(ranked))
	for i := range ranked {
		if track, ok := existing[ranked[i].AccountID]; ok {
			ranked[i].Track = track
			continue
		}
		fresh = append(fresh, i)
	}

	assigned := make(map[int64]string, len(fresh))
	vendorCount := int(math.Floor(float64(len(fresh)) * fraction))
	cut := len(fresh) - vendorCount
	for n, i := range fresh {
		track := models.TrackInHouse
		if n >= cut {
			track = models.TrackVendor
		}
		ranked[i].Track = track
		assigned[ranked[i].AccountID] = track
	}
	return assigned
}
