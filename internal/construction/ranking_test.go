package construction

import (
	"testing"
	"time"

	"colldialer/internal/models"

	"github.com/stretchr/testify/assert"
)

func item(apID int64, dpd int, due string, outstanding int64, contacts int, broken bool) Item {
	return Item{
		Candidate: models.Candidate{AccountPaymentID: apID, AccountID: apID / 10, DPD: dpd, DueDate: due, Outstanding: outstanding},
		Signals:   models.RankingSignals{RecentContacts: contacts, BrokenPromise: broken},
	}
}

func order(items []Item) []int64 {
	out := make([]int64, 0, len(items))
	for _, it := range items {
		out = append(out, it.AccountPaymentID)
	}
	return out
}

func TestRankRecovery(t *testing.T) {
	items := []Item{
		item(10, 200, "2023-09-02", 500, 1, false),
		item(20, 190, "2023-09-12", 100, 0, false),
		item(30, 200, "2023-09-02", 900, 1, false),
		item(40, 200, "2023-09-02", 100, 1, true),
		item(50, 200, "2023-09-02", 100, 4, false),
		item(60, 200, "2023-09-02", 900, 1, false),
	}
	RankRecovery(items)
	// DPD 190 partition first; inside DPD 200 contacts, then broken promise, then balance, then id
	assert.Equal(t, []int64{20, 50, 40, 30, 60, 10}, order(items))
}

func TestRankRecoveryIsDeterministic(t *testing.T) {
	build := func() []Item {
		return []Item{
			item(30, 200, "2023-09-02", 100, 2, true),
			item(10, 200, "2023-09-02", 100, 2, true),
			item(20, 200, "2023-09-02", 100, 2, true),
		}
	}
	first := build()
	RankRecovery(first)
	second := build()
	second[0], second[2] = second[2], second[0]
	RankRecovery(second)

	assert.Equal(t, []int64{10, 20, 30}, order(first))
	assert.Equal(t, order(first), order(second))
}

func TestRankDefault(t *testing.T) {
	items := []Item{
		item(10, 3, "2024-03-17", 100, 0, false),
		item(20, 7, "2024-03-13", 100, 0, false),
		item(30, 3, "2024-03-17", 900, 0, false),
	}
	RankDefault(items)
	assert.Equal(t, []int64{20, 30, 10}, order(items))
}

func TestCycle(t *testing.T) {
	loc := time.UTC
	assert.Equal(t, "2024-03", Cycle(time.Date(2024, 3, 20, 0, 0, 0, 0, loc), 1))
	assert.Equal(t, "2024-03", Cycle(time.Date(2024, 3, 5, 0, 0, 0, 0, loc), 5))
	assert.Equal(t, "2024-02", Cycle(time.Date(2024, 3, 4, 0, 0, 0, 0, loc), 5))
	assert.Equal(t, "2023-12", Cycle(time.Date(2024, 1, 2, 0, 0, 0, 0, loc), 10))
	assert.Equal(t, "2024-01", Cycle(time.Date(2024, 1, 2, 0, 0, 0, 0, loc), 0))
}

func TestDivert(t *testing.T) {
	ranked := []Item{
		item(10, 200, "", 0, 0, false),
		item(20, 200, "", 0, 0, false),
		item(30, 200, "", 0, 0, false),
		item(40, 200, "", 0, 0, false),
		item(50, 200, "", 0, 0, false),
		item(60, 200, "", 0, 0, false),
	}
	existing := map[int64]string{1: models.TrackVendor}

	fresh := Divert(ranked, existing, 0.4)

	// five unassigned accounts, floor(5*0.4)=2 lowest ranked go to the vendor
	assert.Equal(t, map[int64]string{
		2: models.TrackInHouse,
		3: models.TrackInHouse,
		4: models.TrackInHouse,
		5: models.TrackVendor,
		6: models.TrackVendor,
	}, fresh)
	assert.Equal(t, models.TrackVendor, ranked[0].Track)
	assert.Equal(t, models.TrackInHouse, ranked[1].Track)
	assert.Equal(t, models.TrackVendor, ranked[5].Track)
}

func TestDivertZeroFraction(t *testing.T) {
	ranked := []Item{item(10, 200, "", 0, 0, false)}
	fresh := Divert(ranked, nil, 0)
	assert.Equal(t, map[int64]string{1: models.TrackInHouse}, fresh)
}
