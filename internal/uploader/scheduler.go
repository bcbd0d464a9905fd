package uploader

import (
	"time"

	"go.uber.org/zap"

	"cross-lister/internal/accounts"
	"cross-lister/internal/store"
)

// Scheduler spreads pending queue entries uniformly across the business
// window so uploads trickle out instead of bursting, honoring each
// account's daily upload limit.
type Scheduler struct {
	Store     *store.Store
	Platform  string
	Accounts  *accounts.Manager
	StartHour int
	EndHour   int
	Log       *zap.Logger
}

// NewScheduler builds a scheduler with the default window.
func NewScheduler(st *store.Store, platformName string, mgr *accounts.Manager, log *zap.Logger) *Scheduler {
	return &Scheduler{
		Store:     st,
		Platform:  platformName,
		Accounts:  mgr,
		StartHour: DefaultStartHour,
		EndHour:   DefaultEndHour,
		Log:       log,
	}
}

// SpreadTimes returns n times evenly spaced across the [startHour, endHour)
// window of day.
func SpreadTimes(day time.Time, startHour, endHour, n int) []time.Time {
	if n <= 0 || endHour <= startHour {
		return nil
	}
	windowStart := time.Date(day.Year(), day.Month(), day.Day(), startHour, 0, 0, 0, day.Location())
	window := time.Duration(endHour-startHour) * time.Hour
	step := window / time.Duration(n)

	out := make([]time.Time, n)
	for i := range out {
		out[i] = windowStart.Add(step * time.Duration(i))
	}
	return out
}

// Spread reschedules the platform's pending entries across day's business
// window. Entries beyond an account's daily limit spill into the following
// day. Returns the number of rescheduled entries.
func (s *Scheduler) Spread(day time.Time) (int, error) {
	entries, err := s.Store.PendingEntries(s.Platform)
	if err != nil {
		return 0, err
	}

	// Claim order is priority-first, so per-account truncation keeps the
	// highest-priority entries on today's schedule.
	byAccount := make(map[string][]store.QueueEntry)
	var accountOrder []string
	for _, e := range entries {
		if _, seen := byAccount[e.AccountID]; !seen {
			accountOrder = append(accountOrder, e.AccountID)
		}
		byAccount[e.AccountID] = append(byAccount[e.AccountID], e)
	}

	rescheduled := 0
	for _, accountID := range accountOrder {
		queue := byAccount[accountID]
		limit := s.dailyLimit(accountID)

		for dayOffset := 0; len(queue) > 0; dayOffset++ {
			batch := queue
			if limit > 0 && len(batch) > limit {
				batch = batch[:limit]
			}
			queue = queue[len(batch):]

			target := day.AddDate(0, 0, dayOffset)
			times := SpreadTimes(target, s.StartHour, s.EndHour, len(batch))
			for i, e := range batch {
				ts := times[i].UTC().Format(time.RFC3339)
				if err := s.Store.Reschedule(e.ID, ts); err != nil {
					return rescheduled, err
				}
				rescheduled++
			}
		}
	}
	if rescheduled > 0 {
		s.Log.Info("schedule spread",
			zap.String("platform", s.Platform), zap.Int("entries", rescheduled))
	}
	return rescheduled, nil
}

func (s *Scheduler) dailyLimit(accountID string) int {
	if s.Accounts == nil {
		return 0
	}
	acct, err := s.Accounts.Account(accountID)
	if err != nil {
		return 0
	}
	return acct.DailyUploadLimit
}
