// Package scoring computes a relevance score for fetched work items. The
// engine tags items with the score; acting on it is the caller's concern.
package scoring

import (
	"strings"
	"time"
)

// Score components. Due-date and recency bonuses only apply to items
// assigned to the viewing user; a mention in the description counts
// regardless of assignee.
const (
	assigneeBonus = 50
	overdueBonus  = 100
	dueSoonBonus  = 50
	recentBonus   = 50
	mentionBonus  = 30

	dueSoonWindow   = 7 * 24 * time.Hour
	recencyWindow   = 3 * 24 * time.Hour
	NotifyThreshold = 80
)

// Scorer scores items from the perspective of one user.
type Scorer struct {
	userID   int64
	userName string
	now      func() time.Time
}

// New creates a scorer for the given viewing user.
func New(userID int64, userName string) *Scorer {
	return &Scorer{userID: userID, userName: userName, now: time.Now}
}

// Score computes the relevance score for one decoded work item. Malformed
// fields never fail scoring; they simply contribute nothing.
func (s *Scorer) Score(item map[string]interface{}) int {
	score := 0

	if s.assignedToMe(item) {
		score += assigneeBonus

		if due, ok := parseDate(stringField(item, "dueDate")); ok {
			today := truncateToDay(s.now())
			switch {
			case due.Before(today):
				score += overdueBonus
			case due.Sub(today) <= dueSoonWindow:
				score += dueSoonBonus
			}
		}

		if updated, ok := parseDate(stringField(item, "updated")); ok {
			if s.now().Sub(updated) <= recencyWindow {
				score += recentBonus
			}
		}
	}

	if s.userName != "" && strings.Contains(stringField(item, "description"), s.userName) {
		score += mentionBonus
	}

	return score
}

// assignedToMe checks the item's assignee id against the viewing user.
func (s *Scorer) assignedToMe(item map[string]interface{}) bool {
	assignee, ok := item["assignee"].(map[string]interface{})
	if !ok {
		return false
	}
	id, ok := assignee["id"].(float64)
	if !ok {
		return false
	}
	return int64(id) == s.userID
}

func stringField(item map[string]interface{}, field string) string {
	v, _ := item[field].(string)
	return v
}

// parseDate accepts both RFC3339 timestamps and bare dates.
func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func truncateToDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
