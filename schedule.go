package transit

import (
	"fmt"
	"sort"
	"time"

	"github.com/boardpi/transit/model"
	"github.com/boardpi/transit/storage"
)

// Schedule answers departure queries against a single published
// generation of static data. It is immutable once built: refreshes
// construct a new Schedule and swap it in.
type Schedule struct {
	Generation *storage.Generation
	Reader     storage.GenerationReader

	minMaxStopSeqByTripID map[string][2]uint32
	location              *time.Location
	maxDeparture          time.Duration
}

func NewSchedule(reader storage.GenerationReader, gen *storage.Generation) (*Schedule, error) {
	location, err := time.LoadLocation(gen.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone: %w", err)
	}

	minMaxStopSeqByTripID, err := reader.MinMaxStopSeq()
	if err != nil {
		return nil, fmt.Errorf("getting min/max stop seq by trip: %w", err)
	}

	return &Schedule{
		Generation:            gen,
		Reader:                reader,
		minMaxStopSeqByTripID: minMaxStopSeqByTripID,
		location:              location,
		maxDeparture:          time.Duration(gen.MaxDepartureSec) * time.Second,
	}, nil
}

// Returns stops ordered by distance from lat,lon.
//
// If limit is >0, at most limit stops are returned.
//
// If types is provided, then only stops along routes of at least one
// of the types is returned.
//
// Only stations (location_type=1) and stops (location_type=0)
// _without_ parent station are returned.
func (s *Schedule) NearbyStops(lat float64, lon float64, limit int, types []model.RouteType) ([]model.Stop, error) {
	stops, err := s.Reader.NearbyStops(lat, lon, limit, types)
	if err != nil {
		return nil, fmt.Errorf("getting nearby stops: %w", err)
	}
	return stops, nil
}

// A service day's slice of a query window, as seconds since that
// day's start. Start and End of -1 leave the bound open.
type span struct {
	Date  string
	Start int
	End   int
}

func spanSeconds(offset time.Duration) int {
	return int(offset / time.Second)
}

// Computes the list of (service day, time range) pairs that must be
// inspected to cover a time window. Trips running past midnight
// appear under the previous day's date with times of 86400 and
// beyond, so the previous day has to be considered whenever its
// longest trip could reach into the window.
func rangePerDate(start time.Time, window time.Duration, maxTrip time.Duration) []span {
	end := start.Add(window)

	spans := []span{}

	date := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())

	for today := date.AddDate(0, 0, -1); today.Before(end); today = today.AddDate(0, 0, 1) {
		// Noon minus 12h gives the day's start even across DST
		// switches.
		noon := time.Date(today.Year(), today.Month(), today.Day(), 12, 0, 0, 0, today.Location())
		tomorrow := today.AddDate(0, 0, 1)

		span := span{Date: today.Format("20060102"), Start: -1, End: -1}

		if start.Before(today) {
			// window starts before this day
		} else if start.Before(tomorrow) {
			// window starts on this day
			span.Start = spanSeconds(start.Sub(noon) + 12*time.Hour)
		} else {
			// window starts after this day
			x := start.Sub(noon) + 12*time.Hour
			if x <= maxTrip {
				// potentially during today's overflow trips
				span.Start = spanSeconds(x)
			} else {
				// definitely not during today's overflow trips
				continue
			}
		}

		if end.Before(tomorrow) {
			// window ends on this day
			span.End = spanSeconds(end.Sub(noon) + 12*time.Hour)
		} else {
			// window ends in the future, possibly during
			// today's overflow trips
			x := end.Sub(noon) + 12*time.Hour
			if x <= maxTrip {
				span.End = spanSeconds(x)
			}
		}

		spans = append(spans, span)
	}

	return spans
}

// Returns scheduled departures from a set of stops in a time window.
//
// - numDepartures (if >= 0) limits the number of results
// - routeID (if != "") limits results to a route
// - directionID (if >= 0) limits results to a directionID
func (s *Schedule) Departures(
	stopIDs []string,
	windowStart time.Time,
	windowLength time.Duration,
	numDepartures int,
	routeID string,
	directionID int8,
	routeTypes []model.RouteType,
) ([]model.Departure, error) {

	departures := []model.Departure{}

	if numDepartures == 0 {
		return departures, nil
	}

	// All computations are done in the feed's timezone, but
	// departure times are returned in the timezone used by
	// caller.
	origTz := windowStart.Location()
	startTime := windowStart.In(s.location)
	endTime := startTime.Add(windowLength)

	// Query for departures for each day in the window
	for _, span := range rangePerDate(startTime, windowLength, s.maxDeparture) {

		// Get active services for this day
		serviceIDs, err := s.Reader.ActiveServices(span.Date)
		if err != nil {
			return nil, err
		}
		if len(serviceIDs) == 0 {
			continue
		}

		// stop time events for the day's span
		events, err := s.Reader.StopTimeEvents(storage.StopTimeEventFilter{
			StopIDs:        stopIDs,
			DirectionID:    int(directionID),
			ServiceIDs:     serviceIDs,
			RouteID:        routeID,
			RouteTypes:     routeTypes,
			DepartureStart: span.Start,
			DepartureEnd:   span.End,
		})
		if err != nil {
			return nil, err
		}

		sort.SliceStable(events, func(i, j int) bool {
			return events[i].StopTime.Departure < events[j].StopTime.Departure
		})

		for _, event := range events {

			// Compute the departure time in original timezone
			date, _ := time.ParseInLocation("20060102", span.Date, s.location)
			dateNoon := time.Date(date.Year(), date.Month(), date.Day(), 12, 0, 0, 0, s.location)
			departureTime := dateNoon.Add(-12 * time.Hour).Add(event.StopTime.DepartureTime()).In(origTz)
			if departureTime.After(endTime) {
				break
			}

			// Ignore the last stop on a trip, since it's not a
			// boardable departure.
			minMaxSeq := s.minMaxStopSeqByTripID[event.Trip.ID]
			if event.StopTime.StopSequence >= uint32(minMaxSeq[1]) {
				continue
			}

			headsign := event.StopTime.Headsign
			if headsign == "" {
				headsign = event.Trip.Headsign
			}

			if !startTime.After(departureTime) {
				departures = append(departures, model.Departure{
					StopID:       event.Stop.ID,
					RouteID:      event.Trip.RouteID,
					TripID:       event.Trip.ID,
					StopSequence: event.StopTime.StopSequence,
					DirectionID:  event.Trip.DirectionID,
					Scheduled:    departureTime,
					Expected:     departureTime,
					Headsign:     headsign,
				})
			}
		}
	}

	// Sort by departure time
	sort.SliceStable(departures, func(i, j int) bool {
		return departures[i].Expected.Before(departures[j].Expected)
	})

	if numDepartures >= 0 && len(departures) > numDepartures {
		departures = departures[:numDepartures]
	}

	return departures, nil
}
