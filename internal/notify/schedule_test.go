package notify

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowPermits(t *testing.T) {
	weekdays := Window{Days: []string{"Mon", "tue", "wed", "thursday", "fri"}, Start: "09:00", End: "17:00"}
	overnight := Window{Days: []string{"fri"}, Start: "22:00", End: "06:00"}
	kolkata := Window{Start: "09:00", End: "10:00", Timezone: "Asia/Kolkata"}

	tests := []struct {
		name   string
		window Window
		at     time.Time
		want   bool
	}{
		{"weekday inside", weekdays, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), true},
		{"weekday end is exclusive", weekdays, time.Date(2024, 5, 1, 17, 0, 0, 0, time.UTC), false},
		{"weekday after hours", weekdays, time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC), false},
		{"saturday", weekdays, time.Date(2024, 5, 4, 10, 0, 0, 0, time.UTC), false},
		{"overnight start day", overnight, time.Date(2024, 5, 3, 23, 0, 0, 0, time.UTC), true},
		{"overnight spills into saturday", overnight, time.Date(2024, 5, 4, 3, 0, 0, 0, time.UTC), true},
		{"overnight saturday evening", overnight, time.Date(2024, 5, 4, 23, 0, 0, 0, time.UTC), false},
		{"timezone", kolkata, time.Date(2024, 5, 1, 3, 45, 0, 0, time.UTC), true},
		{"timezone outside", kolkata, time.Date(2024, 5, 1, 9, 15, 0, 0, time.UTC), false},
		{"open end means midnight", Window{Start: "20:00"}, time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC), true},
		{"empty window", Window{Start: "08:00", End: "08:00"}, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.window.Permits(tt.at)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWindowRejectsMalformedValues(t *testing.T) {
	for _, w := range []Window{
		{Start: "9am"},
		{Start: "25:00"},
		{End: "10:61"},
		{Days: []string{"someday"}},
		{Timezone: "Mars/Olympus"},
	} {
		_, err := w.Permits(time.Now())
		assert.Error(t, err, "%+v", w)
	}
}

func TestPermitsSchedule(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, Permits(nil, at), "no schedule is always on")
	assert.False(t, Permits([]Window{{Start: "bad"}}, at))
	assert.True(t, Permits([]Window{{Start: "00:00", End: "01:00"}, {Start: "11:00", End: "13:00"}}, at))
}
