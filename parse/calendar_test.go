package parse

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardpi/transit/model"
	"github.com/boardpi/transit/storage"
)

func TestParseCalendar(t *testing.T) {
	for _, tc := range []struct {
		name      string
		content   string
		err       bool
		services  map[string]bool
		minDate   string
		maxDate   string
		calendars []*model.Calendar
	}{
		{
			"weekdays and weekends",
			`
service_id,start_date,end_date,monday,tuesday,wednesday,thursday,friday,saturday,sunday
weekday,20200101,20201231,1,1,1,1,1,0,0
weekend,20200201,20201130,0,0,0,0,0,1,1`,
			false,
			map[string]bool{"weekday": true, "weekend": true},
			"20200101",
			"20201231",
			[]*model.Calendar{
				{
					ServiceID: "weekday",
					StartDate: "20200101",
					EndDate:   "20201231",
					Weekday: 1<<time.Monday | 1<<time.Tuesday | 1<<time.Wednesday |
						1<<time.Thursday | 1<<time.Friday,
				},
				{
					ServiceID: "weekend",
					StartDate: "20200201",
					EndDate:   "20201130",
					Weekday:   1<<time.Saturday | 1<<time.Sunday,
				},
			},
		},

		{
			"empty calendar",
			`service_id,start_date,end_date,monday,tuesday,wednesday,thursday,friday,saturday,sunday`,
			false,
			map[string]bool{},
			"",
			"",
			[]*model.Calendar{},
		},

		{
			"repeated service_id",
			`
service_id,start_date,end_date,monday,tuesday,wednesday,thursday,friday,saturday,sunday
s,20200101,20201231,1,1,1,1,1,0,0
s,20200101,20201231,0,0,0,0,0,1,1`,
			true, nil, "", "", nil,
		},

		{
			"bad weekday flag",
			`
service_id,start_date,end_date,monday,tuesday,wednesday,thursday,friday,saturday,sunday
s,20200101,20201231,2,0,0,0,0,0,0`,
			true, nil, "", "", nil,
		},

		{
			"bad date",
			`
service_id,start_date,end_date,monday,tuesday,wednesday,thursday,friday,saturday,sunday
s,2020-01-01,20201231,1,0,0,0,0,0,0`,
			true, nil, "", "", nil,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := storage.NewMemoryStorage()
			writer, err := s.GetWriter("test")
			require.NoError(t, err)

			services, minDate, maxDate, err := ParseCalendar(writer, bytes.NewBufferString(tc.content))
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			assert.Equal(t, tc.services, services)
			assert.Equal(t, tc.minDate, minDate)
			assert.Equal(t, tc.maxDate, maxDate)

			reader, err := s.GetReader("test")
			require.NoError(t, err)
			calendars, err := reader.Calendars()
			require.NoError(t, err)
			assert.ElementsMatch(t, tc.calendars, calendars)
		})
	}
}
