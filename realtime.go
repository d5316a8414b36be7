package transit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/boardpi/transit/model"
	"github.com/boardpi/transit/parse"
	"github.com/boardpi/transit/storage"
)

// The realtime side of the engine. Covers cancelled trips, skipped
// stops and delays, merged onto the scheduled departures of a single
// Schedule.
//
// Added trips are not handled, nor are any of the realtime
// extensions. There's also bound to be various quirks and edge cases
// specific to certain transit agencies that will have to be tackled
// as they come up.

type Overlay struct {
	// Timestamp of the feed the overlay was built from. Zero when
	// the feed carried none.
	Timestamp uint64

	// Counts of stop time updates matched to the schedule, and
	// of updates dropped because their trip is unknown.
	MatchedUpdates int
	DroppedUpdates int

	schedule *Schedule

	updatesByTrip map[string][]*OverlayUpdate
	skippedTrips  map[string]bool
	vehicleByTrip map[string]string

	// These are used to expand the time window when querying
	// static departures, to make sure delayed (and early) stops
	// are retrieved (and then updated).
	minDelay time.Duration
	maxDelay time.Duration
}

// Similar to parse.StopTimeUpdate, but trimmed down to what's
// necessary to serve realtime predictions.
type OverlayUpdate struct {
	StopSequence   uint32
	ArrivalDelay   time.Duration
	DepartureDelay time.Duration
	Type           parse.StopTimeUpdateScheduleRelationship
}

// Builds an overlay from raw GTFS Realtime feeds. Updates for trips
// unknown to the schedule are dropped.
func NewOverlay(ctx context.Context, schedule *Schedule, feeds [][]byte) (*Overlay, error) {
	o := &Overlay{
		schedule:      schedule,
		updatesByTrip: map[string][]*OverlayUpdate{},
		vehicleByTrip: map[string]string{},
	}

	realtime, err := parse.ParseRealtime(ctx, feeds)
	if err != nil {
		return nil, fmt.Errorf("parsing feeds: %w", err)
	}

	o.Timestamp = realtime.Timestamp
	o.skippedTrips = realtime.SkippedTrips

	// Retrieve static stop time events for all trips in the
	// realtime feed
	trips := map[string]bool{}
	for _, update := range realtime.Updates {
		trips[update.TripID] = true
	}
	tripIDs := []string{}
	for tripID := range trips {
		tripIDs = append(tripIDs, tripID)
	}

	events, err := schedule.Reader.StopTimeEvents(storage.StopTimeEventFilter{
		DirectionID:    -1,
		DepartureStart: -1,
		DepartureEnd:   -1,
		TripIDs:        tripIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("loading stop time events: %w", err)
	}

	// Infer missing stop_id/stop_sequence from static data
	resolveStopReferences(realtime.Updates, events)

	// Construct OverlayUpdate objects from the parsed
	// StopTimeUpdates.
	o.buildOverlayUpdates(schedule.location, realtime.Updates, events)

	return o, nil
}

func (o *Overlay) SkippedTripCount() int {
	return len(o.skippedTrips)
}

// Returns departures with realtime updates applied. Same signature
// and semantics as Schedule.Departures.
func (o *Overlay) Departures(
	stopIDs []string,
	windowStart time.Time,
	windowLength time.Duration,
	numDepartures int,
	routeID string,
	directionID int8,
	routeTypes []model.RouteType) ([]model.Departure, error) {

	// Get the scheduled departures. Extend the window so that
	// delayed (or early) departures are included.
	scheduled, err := o.schedule.Departures(
		stopIDs,
		windowStart.Add(-o.maxDelay),
		windowLength-o.minDelay+o.maxDelay,
		-1,
		routeID,
		directionID,
		routeTypes,
	)
	if err != nil {
		return nil, fmt.Errorf("getting scheduled departures: %w", err)
	}

	// Process each scheduled departure, applying realtime updates
	departures := []model.Departure{}
	for _, dep := range scheduled {

		// If trip is cancelled, then the departure is too
		if o.skippedTrips[dep.TripID] {
			continue
		}

		// Get all updates for this trip
		updates, found := o.updatesByTrip[dep.TripID]
		if !found || len(updates) == 0 {
			// None provided, so schedule applies
			departures = append(departures, dep)
			continue
		}

		dep.VehicleID = o.vehicleByTrip[dep.TripID]

		// In GTFS-rt, when no other data is provided,
		// previous delays along a trip have to be propagated
		// to later stops. This searches for the first update
		// that applies to a _later_ stop.
		idx := sort.Search(len(updates), func(i int) bool {
			return updates[i].StopSequence > dep.StopSequence
		})

		// And this places index to the update (if any) that
		// applies to this stop.
		idx--

		// If none is available, the static schedule applies
		if idx < 0 {
			departures = append(departures, dep)
			continue
		}

		if updates[idx].Type == parse.StopTimeUpdateSkipped {
			// If this specific stop is skipped, then
			// the departure should be ignored
			if updates[idx].StopSequence == dep.StopSequence {
				continue
			}

			// If the skipped stop was earlier on the
			// trip, then keep searching for the first
			// non-skipped stop
			for idx >= 0 && updates[idx].Type == parse.StopTimeUpdateSkipped {
				idx--
			}

			// Again, if no (non-skipped) update exists,
			// then the static schedule applies
			if idx < 0 {
				departures = append(departures, dep)
				continue
			}
		}

		// The idx now points to the update that applies. This
		// may be for a prior stop, where the delay should be
		// propagated forward.

		switch updates[idx].Type {
		case parse.StopTimeUpdateNoData:
			// NO_DATA => rely on the static schedule
			departures = append(departures, dep)
		case parse.StopTimeUpdateScheduled:
			// SCHEDULED => update to static schedule
			dep.Expected = dep.Scheduled.Add(updates[idx].DepartureDelay)
			dep.Delay = updates[idx].DepartureDelay
			dep.Realtime = true
			departures = append(departures, dep)
		}
	}

	// Filter out departures outside of the requested time
	// window. The window is half-open, like the store's: a
	// departure expected exactly at the end is excluded. Sort by
	// expected time. Done.
	windowEnd := windowStart.Add(windowLength)
	result := []model.Departure{}
	for _, dep := range departures {
		if dep.Expected.Before(windowStart) || !dep.Expected.Before(windowEnd) {
			continue
		}
		result = append(result, dep)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Expected.Before(result[j].Expected)
	})

	if numDepartures >= 0 && len(result) > numDepartures {
		result = result[:numDepartures]
	}

	return result, nil
}

// Updates all updates to have both stop_id and stop_sequence set.
//
// GTFS-rt's StopTimeUpdates can reference stops using stop_id,
// stop_sequence, or both. We absolutely need stop_sequence to handle
// propagation of delay, and it seems likely we'll need stop_id as
// well to handle added stops/trips in the future.
//
// This function takes StopTimeUpdates from a realtime feed, along
// with all static StopTimeEvents for the associated trips, and
// updates the updates so that stop_id and stop_sequence is set on
// all.
func resolveStopReferences(updates []*parse.StopTimeUpdate, events []*storage.StopTimeEvent) {
	// Map to resolve stop_id from stop_sequence
	type tripAndSeq struct {
		tripID string
		seq    uint32
	}
	stopIDByTripAndSeq := map[tripAndSeq]string{}
	for _, event := range events {
		stopIDByTripAndSeq[tripAndSeq{event.Trip.ID, event.StopTime.StopSequence}] = event.Stop.ID
	}

	// Map to resolve stop_sequence from stop_id
	type tripAndStopID struct {
		tripID string
		stopID string
	}
	stopSeqByTripAndStopID := map[tripAndStopID]uint32{}
	for _, event := range events {
		stopSeqByTripAndStopID[tripAndStopID{event.Trip.ID, event.Stop.ID}] = event.StopTime.StopSequence
	}

	for _, update := range updates {
		if update.StopID != "" {
			// Got stop_id. StopSequence 0 could be legit, or it
			// could be unspecified. At last attempt to
			// resolve in this case.
			if update.StopSequence == 0 {
				stopSeq, ok := stopSeqByTripAndStopID[tripAndStopID{update.TripID, update.StopID}]
				if ok {
					update.StopSequence = stopSeq
				}
			}
			continue
		}

		// No stop_id. Must be inferred from stop_sequence.
		stopID, ok := stopIDByTripAndSeq[tripAndSeq{update.TripID, update.StopSequence}]
		if ok {
			update.StopID = stopID
		}
	}
}

// Construct OverlayUpdates from StopTimeUpdates and
// StopTimeEvents. Groups them by trip and stop.
func (o *Overlay) buildOverlayUpdates(
	timezone *time.Location,
	stups []*parse.StopTimeUpdate,
	events []*storage.StopTimeEvent,
) {

	// Group static events by trip, and sort by stop_sequence
	eventsByTrip := map[string][]*storage.StopTimeEvent{}
	for _, event := range events {
		eventsByTrip[event.Trip.ID] = append(eventsByTrip[event.Trip.ID], event)
	}
	for _, events := range eventsByTrip {
		sort.Slice(events, func(i, j int) bool {
			return events[i].StopTime.StopSequence < events[j].StopTime.StopSequence
		})
	}

	// Group updates in the same manner
	updatesByTrip := map[string][]*parse.StopTimeUpdate{}
	for _, update := range stups {
		updatesByTrip[update.TripID] = append(updatesByTrip[update.TripID], update)
		if update.VehicleID != "" {
			o.vehicleByTrip[update.TripID] = update.VehicleID
		}
	}
	for _, updates := range updatesByTrip {
		sort.Slice(updates, func(i, j int) bool {
			return updates[i].StopSequence < updates[j].StopSequence
		})
	}

	// Computes delay of an update, given the corresponding time
	// from static schedule.
	updateDelay := func(eventOffset time.Duration, updateTime time.Time) time.Duration {
		upTime := updateTime.In(timezone)
		upNoon := time.Date(upTime.Year(), upTime.Month(), upTime.Day(), 12, 0, 0, 0, timezone)

		// Static schedule can have time exceeding 24h, in
		// which case we need this adjustment to take
		// potential DST switch into account.
		if eventOffset >= 24*time.Hour {
			upNoon = upNoon.AddDate(0, 0, -1)
		}
		eventTime := upNoon.Add(-12 * time.Hour).Add(eventOffset)

		return upTime.Sub(eventTime)
	}

	// Combine static schedule and realtime updates
	for tripID, tripUpdates := range updatesByTrip {
		events, found := eventsByTrip[tripID]
		if !found {
			// Trip unknown to the schedule. Drop it.
			o.DroppedUpdates += len(tripUpdates)
			continue
		}

		ei := 0
		for _, u := range tripUpdates {
			// Find event matching this update's stop_sequence
			for ; ei < len(events); ei++ {
				if events[ei].StopTime.StopSequence == u.StopSequence {
					break
				}
			}
			if ei >= len(events) {
				break
			}

			// A NO_DATA update means we should fall back
			// to static schedule. In this model, that
			// means delays of 0s. A SKIPPED update means
			// the stop should be skipped. No need to
			// attach delays information.
			if u.Type == parse.StopTimeUpdateNoData || u.Type == parse.StopTimeUpdateSkipped {
				up := &OverlayUpdate{
					StopSequence: u.StopSequence,
					Type:         u.Type,
				}
				o.updatesByTrip[tripID] = append(o.updatesByTrip[tripID], up)
				o.MatchedUpdates++
				continue
			}

			// Type is SCHEDULED. Compute delays.
			up := &OverlayUpdate{
				StopSequence: u.StopSequence,
				Type:         u.Type,
			}

			if u.ArrivalIsSet {
				// Feeds can use the timestamp to communicate delays
				up.ArrivalDelay = u.ArrivalDelay
				if !u.ArrivalTime.IsZero() && u.ArrivalDelay == 0 {
					up.ArrivalDelay = updateDelay(
						events[ei].StopTime.ArrivalTime(),
						u.ArrivalTime,
					)
				}
			}
			if u.DepartureIsSet {
				// Same thing here
				up.DepartureDelay = u.DepartureDelay
				if !u.DepartureTime.IsZero() {
					up.DepartureDelay = updateDelay(
						events[ei].StopTime.DepartureTime(),
						u.DepartureTime,
					)
				}
			} else {
				// Lacking Departure data, assume
				// arrival delay applies to
				// departure. If the arrival is early,
				// interpret it as a return to regular
				// schedule.
				up.DepartureDelay = max(u.ArrivalDelay, 0)
			}
			if !u.ArrivalIsSet {
				// Lacking Arrival data, assume
				// departure delay applies to arrival
				up.ArrivalDelay = u.DepartureDelay
			}

			// Track the min and max delays observed. This
			// is used to expand the time window when
			// searching the static schedule.
			if up.ArrivalDelay < o.minDelay {
				o.minDelay = up.ArrivalDelay
			}
			if up.ArrivalDelay > o.maxDelay {
				o.maxDelay = up.ArrivalDelay
			}
			if up.DepartureDelay < o.minDelay {
				o.minDelay = up.DepartureDelay
			}
			if up.DepartureDelay > o.maxDelay {
				o.maxDelay = up.DepartureDelay
			}

			o.updatesByTrip[tripID] = append(o.updatesByTrip[tripID], up)
			o.MatchedUpdates++

		}
	}
}
