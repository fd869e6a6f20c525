package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func testScorer() *Scorer {
	s := New(42, "tanaka")
	s.now = func() time.Time { return testNow }
	return s
}

func assigned(fields map[string]interface{}) map[string]interface{} {
	item := map[string]interface{}{
		"assignee": map[string]interface{}{"id": float64(42)},
	}
	for k, v := range fields {
		item[k] = v
	}
	return item
}

func TestScoreUnassignedItem(t *testing.T) {
	s := testScorer()
	assert.Equal(t, 0, s.Score(map[string]interface{}{"summary": "nothing to do with me"}))
}

func TestScoreAssignedBase(t *testing.T) {
	s := testScorer()
	assert.Equal(t, 50, s.Score(assigned(nil)))
}

func TestScoreAssignedToSomeoneElse(t *testing.T) {
	s := testScorer()
	item := map[string]interface{}{
		"assignee": map[string]interface{}{"id": float64(7)},
	}
	assert.Equal(t, 0, s.Score(item))
}

func TestScoreOverdue(t *testing.T) {
	s := testScorer()
	item := assigned(map[string]interface{}{"dueDate": "2025-06-10"})
	assert.Equal(t, 150, s.Score(item), "assignee 50 + overdue 100")
}

func TestScoreDueSoon(t *testing.T) {
	s := testScorer()
	item := assigned(map[string]interface{}{"dueDate": "2025-06-20"})
	assert.Equal(t, 100, s.Score(item), "assignee 50 + due within a week 50")
}

func TestScoreDueExactlySevenDaysOut(t *testing.T) {
	s := testScorer()
	item := assigned(map[string]interface{}{"dueDate": "2025-06-22"})
	assert.Equal(t, 100, s.Score(item), "the boundary day still counts as due soon")
}

func TestScoreDueFarOut(t *testing.T) {
	s := testScorer()
	item := assigned(map[string]interface{}{"dueDate": "2025-06-25"})
	assert.Equal(t, 50, s.Score(item), "ten days out earns no due bonus")
}

func TestScoreRecentlyUpdated(t *testing.T) {
	s := testScorer()
	item := assigned(map[string]interface{}{"updated": "2025-06-14T09:00:00Z"})
	assert.Equal(t, 100, s.Score(item), "assignee 50 + recent update 50")
}

func TestScoreUpdatedExactlyThreeDaysAgo(t *testing.T) {
	s := testScorer()
	item := assigned(map[string]interface{}{"updated": "2025-06-12T12:00:00Z"})
	assert.Equal(t, 100, s.Score(item))
}

func TestScoreUpdatedFourDaysAgo(t *testing.T) {
	s := testScorer()
	item := assigned(map[string]interface{}{"updated": "2025-06-11T12:00:00Z"})
	assert.Equal(t, 50, s.Score(item))
}

func TestScoreMentionWithoutAssignment(t *testing.T) {
	s := testScorer()
	item := map[string]interface{}{
		"description": "please ask tanaka about this",
	}
	assert.Equal(t, 30, s.Score(item))
}

func TestScoreAssignedAndMentioned(t *testing.T) {
	s := testScorer()
	item := assigned(map[string]interface{}{"description": "cc tanaka"})
	assert.Equal(t, 80, s.Score(item))
}

func TestScoreMaximum(t *testing.T) {
	s := testScorer()
	item := assigned(map[string]interface{}{
		"dueDate":     "2025-06-01",
		"updated":     "2025-06-15T08:00:00Z",
		"description": "tanaka must look at this",
	})
	// 50 + 100 + 50 + 30
	assert.Equal(t, 230, s.Score(item))
}

func TestScoreMalformedFieldsContributeNothing(t *testing.T) {
	s := testScorer()
	item := assigned(map[string]interface{}{
		"dueDate":     "not a date",
		"updated":     12345,
		"description": 99,
	})
	assert.Equal(t, 50, s.Score(item))
}

func TestScoreMalformedAssignee(t *testing.T) {
	s := testScorer()
	item := map[string]interface{}{
		"assignee": "not an object",
	}
	assert.Equal(t, 0, s.Score(item))

	item = map[string]interface{}{
		"assignee": map[string]interface{}{"id": "forty-two"},
	}
	assert.Equal(t, 0, s.Score(item))
}

func TestScoreAcceptsRFC3339DueDate(t *testing.T) {
	s := testScorer()
	item := assigned(map[string]interface{}{"dueDate": "2025-06-10T00:00:00Z"})
	assert.Equal(t, 150, s.Score(item))
}

func TestNotifyThreshold(t *testing.T) {
	s := testScorer()

	// Assignment plus a mention crosses the notification threshold;
	// assignment alone does not.
	assert.Greater(t, s.Score(assigned(map[string]interface{}{"description": "tanaka"})), NotifyThreshold-1)
	assert.Less(t, s.Score(assigned(nil)), NotifyThreshold)
}
