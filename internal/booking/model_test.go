package booking

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidTimeSlot(t *testing.T) {
	assert.True(t, ValidTimeSlot("10:00"))
	assert.True(t, ValidTimeSlot("19:30"))

	assert.False(t, ValidTimeSlot("09:00"))
	assert.False(t, ValidTimeSlot("13:00"))
	assert.False(t, ValidTimeSlot("10:15"))
	assert.False(t, ValidTimeSlot(""))
}

func TestValidStatus(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled, StatusRescheduled} {
		assert.True(t, ValidStatus(s))
	}
	assert.False(t, ValidStatus(Status("archived")))
	assert.False(t, ValidStatus(Status("")))
}

func TestStatusBlocks(t *testing.T) {
	assert.True(t, StatusPending.Blocks())
	assert.True(t, StatusConfirmed.Blocks())

	assert.False(t, StatusCompleted.Blocks())
	assert.False(t, StatusCancelled.Blocks())
	assert.False(t, StatusRescheduled.Blocks())
}

func TestDateString(t *testing.T) {
	a := &Appointment{Date: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, "2026-09-01", a.DateString())
}

func TestNewIDIsTimeOrdered(t *testing.T) {
	ids := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		ids = append(ids, NewID().String())
	}

	assert.True(t, sort.StringsAreSorted(ids), "v7 ids generated in sequence must sort in generation order")
}
