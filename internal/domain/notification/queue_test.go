package notification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(q holdingQueue, now time.Time) []string {
	var ids []string
	for {
		item, res := q.pop(now)
		if res != popReady {
			return ids
		}
		ids = append(ids, item.ID)
	}
}

func TestParseQueuePolicy(t *testing.T) {
	p, err := ParseQueuePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyDue, p)

	p, err = ParseQueuePolicy("fifo")
	require.NoError(t, err)
	assert.Equal(t, PolicyFIFO, p)

	_, err = ParseQueuePolicy("lifo")
	assert.Error(t, err)
}

func TestDueQueueOrdersByDueTimeThenArrival(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	q := newHoldingQueue(PolicyDue)

	q.push(queueItem{ID: "b", DueAt: now.Add(-time.Minute), seq: 2})
	q.push(queueItem{ID: "a", DueAt: now.Add(-time.Hour), seq: 1})
	q.push(queueItem{ID: "c", DueAt: now.Add(-time.Minute), seq: 3})
	q.push(queueItem{ID: "future", DueAt: now.Add(time.Hour), seq: 4})

	assert.Equal(t, []string{"a", "b", "c"}, drain(q, now))

	_, res := q.pop(now)
	assert.Equal(t, popNotDue, res)
	assert.Equal(t, 1, q.len(), "not-due head stays queued")

	assert.Equal(t, []string{"future"}, drain(q, now.Add(2*time.Hour)))
	_, res = q.pop(now)
	assert.Equal(t, popEmpty, res)
}

func TestDueQueueScheduledDoesNotBlockReady(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	q := newHoldingQueue(PolicyDue)

	q.push(queueItem{ID: "later", DueAt: now.Add(time.Hour), seq: 1})
	q.push(queueItem{ID: "now", DueAt: now, seq: 2})

	assert.Equal(t, []string{"now"}, drain(q, now))
}

func TestFIFOQueueHeadStalls(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	q := newHoldingQueue(PolicyFIFO)

	q.push(queueItem{ID: "later", DueAt: now.Add(time.Hour), seq: 1})
	q.push(queueItem{ID: "now", DueAt: now, seq: 2})

	_, res := q.pop(now)
	assert.Equal(t, popNotDue, res)
	assert.Equal(t, 2, q.len())

	// Once the head is due, strict arrival order resumes
	assert.Equal(t, []string{"later", "now"}, drain(q, now.Add(time.Hour)))
	_, res = q.pop(now)
	assert.Equal(t, popEmpty, res)
}
