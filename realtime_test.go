package transit_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	proto "google.golang.org/protobuf/proto"

	"github.com/boardpi/transit"
	"github.com/boardpi/transit/model"
	"github.com/boardpi/transit/testutil"
)

// Helpers for building gtfs-realtime feeds
type StopUpdate struct {
	ArrivalSet     bool
	ArrivalDelay   int32
	ArrivalTime    time.Time
	DepartureSet   bool
	DepartureDelay int32
	DepartureTime  time.Time
	StopID         string
	StopSequence   uint32
	SchedRel       string
}

type TripUpdate struct {
	TripID       string
	VehicleLabel string
	StopUpdates  []StopUpdate
	Canceled     bool
}

func buildFeed(t *testing.T, tripUpdates []TripUpdate) [][]byte {
	at := time.Date(2020, 1, 15, 23, 0, 0, 0, time.UTC)
	return [][]byte{buildFeedAt(t, at, tripUpdates)}
}

func buildFeedAt(t *testing.T, at time.Time, tripUpdates []TripUpdate) []byte {
	entity := make([]*gtfsproto.FeedEntity, 0, len(tripUpdates))

	for _, tripUpdate := range tripUpdates {
		stopTimeUpdate := make([]*gtfsproto.TripUpdate_StopTimeUpdate, 0, len(tripUpdate.StopUpdates))

		for _, stopUpdate := range tripUpdate.StopUpdates {
			var scheduleRelationship gtfsproto.TripUpdate_StopTimeUpdate_ScheduleRelationship
			switch stopUpdate.SchedRel {
			case "SKIPPED":
				scheduleRelationship = gtfsproto.TripUpdate_StopTimeUpdate_SKIPPED
			case "NO_DATA":
				scheduleRelationship = gtfsproto.TripUpdate_StopTimeUpdate_NO_DATA
			case "":
				fallthrough
			case "SCHEDULED":
				scheduleRelationship = gtfsproto.TripUpdate_StopTimeUpdate_SCHEDULED
			default:
				t.Fatal(fmt.Sprintf("bad SchedRel: %s", stopUpdate.SchedRel))
			}

			stup := &gtfsproto.TripUpdate_StopTimeUpdate{
				ScheduleRelationship: &scheduleRelationship,
				StopSequence:         proto.Uint32(stopUpdate.StopSequence),
				StopId:               proto.String(stopUpdate.StopID),
			}
			if stopUpdate.DepartureSet {
				departureTime := int64(0)
				if !stopUpdate.DepartureTime.IsZero() {
					departureTime = stopUpdate.DepartureTime.Unix()
				}
				stup.Departure = &gtfsproto.TripUpdate_StopTimeEvent{
					Delay: proto.Int32(stopUpdate.DepartureDelay),
					Time:  proto.Int64(departureTime),
				}
			}
			if stopUpdate.ArrivalSet {
				arrivalTime := int64(0)
				if !stopUpdate.ArrivalTime.IsZero() {
					arrivalTime = stopUpdate.ArrivalTime.Unix()
				}
				stup.Arrival = &gtfsproto.TripUpdate_StopTimeEvent{
					Delay: proto.Int32(stopUpdate.ArrivalDelay),
					Time:  proto.Int64(arrivalTime),
				}
			}

			stopTimeUpdate = append(stopTimeUpdate, stup)
		}

		tripScheduleRelationship := gtfsproto.TripDescriptor_SCHEDULED
		if tripUpdate.Canceled {
			tripScheduleRelationship = gtfsproto.TripDescriptor_CANCELED
		}
		update := &gtfsproto.TripUpdate{
			Trip: &gtfsproto.TripDescriptor{
				TripId:               proto.String(tripUpdate.TripID),
				ScheduleRelationship: &tripScheduleRelationship,
			},
			StopTimeUpdate: stopTimeUpdate,
		}
		if tripUpdate.VehicleLabel != "" {
			update.Vehicle = &gtfsproto.VehicleDescriptor{
				Label: proto.String(tripUpdate.VehicleLabel),
			}
		}
		entity = append(entity, &gtfsproto.FeedEntity{
			Id:         proto.String(tripUpdate.TripID),
			TripUpdate: update,
		})
	}

	incrementality := gtfsproto.FeedHeader_FULL_DATASET
	header := &gtfsproto.FeedHeader{
		GtfsRealtimeVersion: proto.String("2.0"),
		Incrementality:      &incrementality,
		Timestamp:           proto.Uint64(uint64(at.Unix())),
	}

	feed := &gtfsproto.FeedMessage{Header: header, Entity: entity}

	data, err := proto.Marshal(feed)
	require.NoError(t, err)

	return data
}

// A simple schedule fixture. Trips t1 and t2 cover the same four
// stops s1-s4. Trip t3 covers z1-z3. Full service all days of 2020.
func simpleScheduleFixture(t *testing.T) *transit.Schedule {
	return testutil.BuildSchedule(t, "sqlite", map[string][]string{
		"calendar.txt": {
			"service_id,start_date,end_date,monday,tuesday,wednesday,thursday,friday,saturday,sunday",
			"everyday,20200101,20210101,1,1,1,1,1,1,1",
		},
		"routes.txt": {
			"route_id,route_short_name,route_type",
			"R1,R_1,1",
			"R2,R_2,1",
		},
		"stops.txt": {
			"stop_id,stop_name,stop_lat,stop_lon",
			"s1,S1,1,1",
			"s2,S2,2,3",
			"s3,S3,4,5",
			"s4,S4,6,7",
			"z1,Z1,8,9",
			"z2,Z2,10,11",
			"z3,Z3,12,13",
		},
		"trips.txt": {
			"service_id,trip_id,route_id",
			"everyday,t1,R1",
			"everyday,t2,R1",
			"everyday,t3,R2",
		},
		"stop_times.txt": {
			"trip_id,stop_id,stop_sequence,departure_time,arrival_time",
			"t1,s1,1,23:0:0,23:0:0",
			"t1,s2,2,23:1:0,23:1:0",
			"t1,s3,3,23:2:0,23:2:0",
			"t1,s4,4,23:3:0,23:3:0",
			"t2,s1,1,23:10:0,23:10:0",
			"t2,s2,2,23:11:0,23:11:0",
			"t2,s3,3,23:12:0,23:12:0",
			"t2,s4,4,23:13:0,23:13:0",
			"t3,z1,1,23:5:0,23:5:0",
			"t3,z2,2,23:6:0,23:6:0",
			"t3,z3,3,23:7:0,23:7:0",
		},
	})
}

// Realtime data where updates all have 0 delay.
func TestOverlayNoChanges(t *testing.T) {
	// Updates for stops on trip t1, but none of them modify the
	// departure time from what's already scheduled.
	feed := buildFeed(t, []TripUpdate{
		{
			TripID: "t1",
			StopUpdates: []StopUpdate{
				{
					StopID:         "s2", // identify by stop_id
					DepartureSet:   true,
					DepartureDelay: 0,
				},
				{
					StopSequence:  3, // identify by stop_sequence
					DepartureSet:  true,
					DepartureTime: time.Date(2020, 1, 15, 23, 2, 0, 0, time.UTC),
				},
			},
		},
	})
	schedule := simpleScheduleFixture(t)
	o, err := transit.NewOverlay(context.Background(), schedule, feed)
	require.NoError(t, err)
	assert.Equal(t, uint64(time.Date(2020, 1, 15, 23, 0, 0, 0, time.UTC).Unix()), o.Timestamp)
	assert.Equal(t, 2, o.MatchedUpdates)
	assert.Equal(t, 0, o.DroppedUpdates)

	// s1 has no update, so the schedule applies to both trips
	departures, err := o.Departures([]string{"s1"}, time.Date(2020, 1, 15, 23, 0, 0, 0, time.UTC), 15*time.Minute, -1, "", -1, nil)
	assert.NoError(t, err)
	require.Equal(t, 2, len(departures))
	assert.Equal(t, "t1", departures[0].TripID)
	assert.False(t, departures[0].Realtime)
	assert.Equal(t, time.Date(2020, 1, 15, 23, 0, 0, 0, time.UTC), departures[0].Expected)
	assert.Equal(t, "t2", departures[1].TripID)
	assert.False(t, departures[1].Realtime)

	// s2 and s3 have updates for t1. Times are unchanged, but the
	// prediction is now realtime data.
	departures, err = o.Departures([]string{"s2"}, time.Date(2020, 1, 15, 23, 0, 0, 0, time.UTC), 20*time.Minute, -1, "", -1, nil)
	assert.NoError(t, err)
	require.Equal(t, 2, len(departures))
	assert.Equal(t, "t1", departures[0].TripID)
	assert.True(t, departures[0].Realtime)
	assert.Equal(t, time.Duration(0), departures[0].Delay)
	assert.Equal(t, time.Date(2020, 1, 15, 23, 1, 0, 0, time.UTC), departures[0].Expected)
	assert.Equal(t, "t2", departures[1].TripID)
	assert.False(t, departures[1].Realtime)

	departures, err = o.Departures([]string{"s3"}, time.Date(2020, 1, 15, 23, 0, 0, 0, time.UTC), 20*time.Minute, -1, "", -1, nil)
	assert.NoError(t, err)
	require.Equal(t, 2, len(departures))
	assert.Equal(t, "t1", departures[0].TripID)
	assert.True(t, departures[0].Realtime)
	assert.Equal(t, time.Date(2020, 1, 15, 23, 2, 0, 0, time.UTC), departures[0].Expected)

	// No departures from s4 since it's the final stop
	departures, err = o.Departures([]string{"s4"}, time.Date(2020, 1, 15, 23, 0, 0, 0, time.UTC), 30*time.Minute, -1, "", -1, nil)
	assert.NoError(t, err)
	assert.Equal(t, []model.Departure{}, departures)

	// And z1 for good measure. This one definitely shouldn't have
	// changed.
	departures, err = o.Departures([]string{"z1"}, time.Date(2020, 1, 15, 23, 0, 0, 0, time.UTC), 20*time.Minute, -1, "", -1, nil)
	assert.NoError(t, err)
	require.Equal(t, 1, len(departures))
	assert.Equal(t, "t3", departures[0].TripID)
	assert.False(t, departures[0].Realtime)
}

// A delay on a single stop, with and without later updates along the
// trip.
func TestOverlayDelayWithPropagation(t *testing.T) {
	// Delays on s2. For trip t1 there are no updates for s3, so
	// the s2 delay should propagate. For trip t2, the train is
	// expected to catch up fully before s3.
	feed := buildFeed(t, []TripUpdate{
		{
			TripID:       "t1",
			VehicleLabel: "train 7",
			StopUpdates: []StopUpdate{
				{
					StopID:         "s2",
					DepartureSet:   true,
					DepartureDelay: 180,
				},
			},
		},
		{
			TripID: "t2",
			StopUpdates: []StopUpdate{
				{
					SchedRel:      "SCHEDULED",
					StopSequence:  2,
					DepartureSet:  true,
					DepartureTime: time.Date(2020, 1, 15, 23, 11, 45, 0, time.UTC), // 45s delay
				},
				{
					StopID:       "s3", // back on schedule
					DepartureSet: true,
				},
			},
		},
	})
	schedule := simpleScheduleFixture(t)
	o, err := transit.NewOverlay(context.Background(), schedule, feed)
	require.NoError(t, err)

	// s2: t1 is 3 minutes late, t2 is 45 seconds late
	now := time.Date(2020, 1, 15, 23, 0, 0, 0, time.UTC)
	departures, err := o.Departures([]string{"s2"}, now, 20*time.Minute, -1, "", -1, nil)
	assert.NoError(t, err)
	require.Equal(t, 2, len(departures))

	assert.Equal(t, "t1", departures[0].TripID)
	assert.Equal(t, time.Date(2020, 1, 15, 23, 1, 0, 0, time.UTC), departures[0].Scheduled)
	assert.Equal(t, time.Date(2020, 1, 15, 23, 4, 0, 0, time.UTC), departures[0].Expected)
	assert.Equal(t, 3*time.Minute, departures[0].Delay)
	assert.True(t, departures[0].Realtime)
	assert.Equal(t, "train 7", departures[0].VehicleID)
	assert.Equal(t, 4, departures[0].MinutesUntil(now))

	assert.Equal(t, "t2", departures[1].TripID)
	assert.Equal(t, time.Date(2020, 1, 15, 23, 11, 45, 0, time.UTC), departures[1].Expected)
	assert.Equal(t, 45*time.Second, departures[1].Delay)

	// s3: t1's delay propagates, t2 is back on schedule
	departures, err = o.Departures([]string{"s3"}, now, 20*time.Minute, -1, "", -1, nil)
	assert.NoError(t, err)
	require.Equal(t, 2, len(departures))

	assert.Equal(t, "t1", departures[0].TripID)
	assert.Equal(t, time.Date(2020, 1, 15, 23, 5, 0, 0, time.UTC), departures[0].Expected)
	assert.Equal(t, 3*time.Minute, departures[0].Delay)
	assert.True(t, departures[0].Realtime)

	assert.Equal(t, "t2", departures[1].TripID)
	assert.Equal(t, time.Date(2020, 1, 15, 23, 12, 0, 0, time.UTC), departures[1].Expected)
	assert.Equal(t, time.Duration(0), departures[1].Delay)
}

// A delay can push a departure out of the queried window, or into it.
func TestOverlayDelayAcrossWindowBoundary(t *testing.T) {
	feed := buildFeed(t, []TripUpdate{
		{
			TripID: "t1",
			StopUpdates: []StopUpdate{
				{
					StopID:         "s1",
					DepartureSet:   true,
					DepartureDelay: 540, // 9 minutes
				},
			},
		},
	})
	schedule := simpleScheduleFixture(t)
	o, err := transit.NewOverlay(context.Background(), schedule, feed)
	require.NoError(t, err)

	// t1 was scheduled to leave s1 at 23:00, but is now expected
	// at 23:09. A 22:55-23:05 window no longer covers it.
	departures, err := o.Departures([]string{"s1"}, time.Date(2020, 1, 15, 22, 55, 0, 0, time.UTC), 10*time.Minute, -1, "", -1, nil)
	assert.NoError(t, err)
	assert.Equal(t, []model.Departure{}, departures)

	// A window covering the expected time does, even though the
	// scheduled time falls before it.
	departures, err = o.Departures([]string{"s1"}, time.Date(2020, 1, 15, 23, 5, 0, 0, time.UTC), 10*time.Minute, -1, "", -1, nil)
	assert.NoError(t, err)
	require.Equal(t, 2, len(departures))
	assert.Equal(t, "t1", departures[0].TripID)
	assert.Equal(t, time.Date(2020, 1, 15, 23, 0, 0, 0, time.UTC), departures[0].Scheduled)
	assert.Equal(t, time.Date(2020, 1, 15, 23, 9, 0, 0, time.UTC), departures[0].Expected)
	assert.Equal(t, "t2", departures[1].TripID)
}

// The query window is half-open: a departure expected exactly at the
// window end is excluded, matching the schedule store.
func TestOverlayWindowEndExclusive(t *testing.T) {
	feed := buildFeed(t, []TripUpdate{
		{
			TripID: "t1",
			StopUpdates: []StopUpdate{
				{StopID: "s1", DepartureSet: true, DepartureDelay: 0},
			},
		},
	})
	schedule := simpleScheduleFixture(t)
	o, err := transit.NewOverlay(context.Background(), schedule, feed)
	require.NoError(t, err)

	// t1 leaves s1 at 23:00, t2 at 23:10. A 23:00-23:10 window
	// holds only t1.
	departures, err := o.Departures([]string{"s1"}, time.Date(2020, 1, 15, 23, 0, 0, 0, time.UTC), 10*time.Minute, -1, "", -1, nil)
	assert.NoError(t, err)
	require.Equal(t, 1, len(departures))
	assert.Equal(t, "t1", departures[0].TripID)

	// And a 22:50-23:00 window holds neither.
	departures, err = o.Departures([]string{"s1"}, time.Date(2020, 1, 15, 22, 50, 0, 0, time.UTC), 10*time.Minute, -1, "", -1, nil)
	assert.NoError(t, err)
	assert.Equal(t, []model.Departure{}, departures)
}

func TestOverlaySkippedStop(t *testing.T) {
	// t1 skips s2. The delay from s1 propagates past the skipped
	// stop to s3.
	feed := buildFeed(t, []TripUpdate{
		{
			TripID: "t1",
			StopUpdates: []StopUpdate{
				{
					StopID:         "s1",
					DepartureSet:   true,
					DepartureDelay: 60,
				},
				{
					StopID:   "s2",
					SchedRel: "SKIPPED",
				},
			},
		},
	})
	schedule := simpleScheduleFixture(t)
	o, err := transit.NewOverlay(context.Background(), schedule, feed)
	require.NoError(t, err)

	now := time.Date(2020, 1, 15, 23, 0, 0, 0, time.UTC)

	// t1 does not depart from s2
	departures, err := o.Departures([]string{"s2"}, now, 20*time.Minute, -1, "", -1, nil)
	assert.NoError(t, err)
	require.Equal(t, 1, len(departures))
	assert.Equal(t, "t2", departures[0].TripID)

	// But it does depart from s3, with the s1 delay applied
	departures, err = o.Departures([]string{"s3"}, now, 20*time.Minute, -1, "", -1, nil)
	assert.NoError(t, err)
	require.Equal(t, 2, len(departures))
	assert.Equal(t, "t1", departures[0].TripID)
	assert.Equal(t, time.Date(2020, 1, 15, 23, 3, 0, 0, time.UTC), departures[0].Expected)
	assert.Equal(t, time.Minute, departures[0].Delay)
}

func TestOverlayCanceledTrip(t *testing.T) {
	feed := buildFeed(t, []TripUpdate{
		{
			TripID:   "t1",
			Canceled: true,
		},
	})
	schedule := simpleScheduleFixture(t)
	o, err := transit.NewOverlay(context.Background(), schedule, feed)
	require.NoError(t, err)
	assert.Equal(t, 1, o.SkippedTripCount())

	// t1 is gone from all of its stops. t2 remains.
	for _, stopID := range []string{"s1", "s2", "s3"} {
		departures, err := o.Departures([]string{stopID}, time.Date(2020, 1, 15, 23, 0, 0, 0, time.UTC), 20*time.Minute, -1, "", -1, nil)
		assert.NoError(t, err)
		require.Equal(t, 1, len(departures), "stop %s", stopID)
		assert.Equal(t, "t2", departures[0].TripID)
	}
}

func TestOverlayNoData(t *testing.T) {
	// A NO_DATA update for s2 stops the s1 delay from
	// propagating.
	feed := buildFeed(t, []TripUpdate{
		{
			TripID: "t1",
			StopUpdates: []StopUpdate{
				{
					StopID:         "s1",
					DepartureSet:   true,
					DepartureDelay: 300,
				},
				{
					StopID:   "s2",
					SchedRel: "NO_DATA",
				},
			},
		},
	})
	schedule := simpleScheduleFixture(t)
	o, err := transit.NewOverlay(context.Background(), schedule, feed)
	require.NoError(t, err)

	now := time.Date(2020, 1, 15, 23, 0, 0, 0, time.UTC)

	// s1 is 5 minutes late
	departures, err := o.Departures([]string{"s1"}, now, 20*time.Minute, -1, "", -1, nil)
	assert.NoError(t, err)
	require.Equal(t, 2, len(departures))
	assert.Equal(t, "t1", departures[0].TripID)
	assert.Equal(t, time.Date(2020, 1, 15, 23, 5, 0, 0, time.UTC), departures[0].Expected)

	// s2 and s3 fall back to the static schedule
	departures, err = o.Departures([]string{"s2"}, now, 20*time.Minute, -1, "", -1, nil)
	assert.NoError(t, err)
	require.Equal(t, 2, len(departures))
	assert.Equal(t, "t1", departures[0].TripID)
	assert.Equal(t, time.Date(2020, 1, 15, 23, 1, 0, 0, time.UTC), departures[0].Expected)
	assert.False(t, departures[0].Realtime)

	departures, err = o.Departures([]string{"s3"}, now, 20*time.Minute, -1, "", -1, nil)
	assert.NoError(t, err)
	require.Equal(t, 2, len(departures))
	assert.Equal(t, "t1", departures[0].TripID)
	assert.Equal(t, time.Date(2020, 1, 15, 23, 2, 0, 0, time.UTC), departures[0].Expected)
	assert.False(t, departures[0].Realtime)
}

// Arrival delay stands in for departure delay when the feed provides
// only the former. An early arrival is read as a return to schedule.
func TestOverlayArrivalDelayOnly(t *testing.T) {
	feed := buildFeed(t, []TripUpdate{
		{
			TripID: "t1",
			StopUpdates: []StopUpdate{
				{
					StopID:       "s2",
					ArrivalSet:   true,
					ArrivalDelay: 120,
				},
			},
		},
		{
			TripID: "t2",
			StopUpdates: []StopUpdate{
				{
					StopID:       "s2",
					ArrivalSet:   true,
					ArrivalDelay: -60, // early
				},
			},
		},
	})
	schedule := simpleScheduleFixture(t)
	o, err := transit.NewOverlay(context.Background(), schedule, feed)
	require.NoError(t, err)

	now := time.Date(2020, 1, 15, 23, 0, 0, 0, time.UTC)
	departures, err := o.Departures([]string{"s2"}, now, 20*time.Minute, -1, "", -1, nil)
	assert.NoError(t, err)
	require.Equal(t, 2, len(departures))

	assert.Equal(t, "t1", departures[0].TripID)
	assert.Equal(t, time.Date(2020, 1, 15, 23, 3, 0, 0, time.UTC), departures[0].Expected)
	assert.Equal(t, 2*time.Minute, departures[0].Delay)

	assert.Equal(t, "t2", departures[1].TripID)
	assert.Equal(t, time.Date(2020, 1, 15, 23, 11, 0, 0, time.UTC), departures[1].Expected)
	assert.Equal(t, time.Duration(0), departures[1].Delay)
}

// Updates for trips the schedule doesn't know are counted and
// otherwise ignored.
func TestOverlayUnknownTrip(t *testing.T) {
	feed := buildFeed(t, []TripUpdate{
		{
			TripID: "ghost",
			StopUpdates: []StopUpdate{
				{
					StopID:         "s1",
					DepartureSet:   true,
					DepartureDelay: 60,
				},
				{
					StopID:         "s2",
					DepartureSet:   true,
					DepartureDelay: 60,
				},
			},
		},
		{
			TripID: "t1",
			StopUpdates: []StopUpdate{
				{
					StopID:         "s1",
					DepartureSet:   true,
					DepartureDelay: 60,
				},
			},
		},
	})
	schedule := simpleScheduleFixture(t)
	o, err := transit.NewOverlay(context.Background(), schedule, feed)
	require.NoError(t, err)

	assert.Equal(t, 1, o.MatchedUpdates)
	assert.Equal(t, 2, o.DroppedUpdates)

	departures, err := o.Departures([]string{"s1"}, time.Date(2020, 1, 15, 23, 0, 0, 0, time.UTC), 20*time.Minute, -1, "", -1, nil)
	assert.NoError(t, err)
	require.Equal(t, 2, len(departures))
	assert.Equal(t, time.Date(2020, 1, 15, 23, 1, 0, 0, time.UTC), departures[0].Expected)
}
