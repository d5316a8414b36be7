package storage

import (
	"fmt"
	"sort"
	"time"

	"github.com/boardpi/transit/model"
)

// In memory implementation of Storage below

type memoryGenerationKey struct {
	URL  string
	Hash string
}

type MemoryStorage struct {
	datasets    map[string]*MemoryGeneration
	Generations map[memoryGenerationKey]*Generation
	FetchStates map[string]*FetchState
	Groups      map[string]*model.StopGroup
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		datasets:    map[string]*MemoryGeneration{},
		Generations: map[memoryGenerationKey]*Generation{},
		FetchStates: map[string]*FetchState{},
		Groups:      map[string]*model.StopGroup{},
	}
}

func (s *MemoryStorage) ListGenerations(filter ListGenerationsFilter) ([]*Generation, error) {
	gens := []*Generation{}
	for _, gen := range s.Generations {
		if filter.URL != "" && gen.URL != filter.URL {
			continue
		}
		if filter.Hash != "" && gen.Hash != filter.Hash {
			continue
		}
		gens = append(gens, gen)
	}
	sort.Slice(gens, func(i, j int) bool {
		return gens[i].RetrievedAt.After(gens[j].RetrievedAt)
	})
	return gens, nil
}

func (s *MemoryStorage) WriteGeneration(gen *Generation) error {
	s.Generations[memoryGenerationKey{gen.URL, gen.Hash}] = gen
	return nil
}

func (s *MemoryStorage) DeleteGeneration(hash string) error {
	for key := range s.Generations {
		if key.Hash == hash {
			delete(s.Generations, key)
		}
	}
	delete(s.datasets, hash)
	return nil
}

func (s *MemoryStorage) FetchState(url string) (*FetchState, error) {
	return s.FetchStates[url], nil
}

func (s *MemoryStorage) WriteFetchState(state *FetchState) error {
	s.FetchStates[state.URL] = state
	return nil
}

func (s *MemoryStorage) StopGroups() ([]*model.StopGroup, error) {
	groups := []*model.StopGroup{}
	for _, g := range s.Groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].ID < groups[j].ID
	})
	return groups, nil
}

func (s *MemoryStorage) WriteStopGroup(group *model.StopGroup) error {
	if len(group.StopIDs) == 0 {
		return fmt.Errorf("stop group '%s' has no members", group.ID)
	}

	members := map[string]bool{}
	for _, stopID := range group.StopIDs {
		members[stopID] = true
	}

	// A stop belongs to at most one group. Pull the new group's
	// members out of any other group, and drop groups left empty.
	for id, other := range s.Groups {
		if id == group.ID {
			continue
		}
		kept := []string{}
		for _, stopID := range other.StopIDs {
			if !members[stopID] {
				kept = append(kept, stopID)
			}
		}
		if len(kept) == 0 {
			delete(s.Groups, id)
		} else {
			other.StopIDs = kept
		}
	}

	s.Groups[group.ID] = group

	return nil
}

func (s *MemoryStorage) DeleteStopGroup(id string) error {
	delete(s.Groups, id)
	return nil
}

func (s *MemoryStorage) ReplaceAutoGroups(groups []*model.StopGroup) error {
	pinnedStops := map[string]bool{}
	for id, g := range s.Groups {
		if g.Pinned {
			for _, stopID := range g.StopIDs {
				pinnedStops[stopID] = true
			}
		} else {
			delete(s.Groups, id)
		}
	}

	for _, group := range groups {
		members := []string{}
		for _, stopID := range group.StopIDs {
			if !pinnedStops[stopID] {
				members = append(members, stopID)
			}
		}
		if len(members) == 0 {
			continue
		}

		trimmed := *group
		trimmed.StopIDs = members
		trimmed.Pinned = false
		if err := s.WriteStopGroup(&trimmed); err != nil {
			return err
		}
	}

	return nil
}

func (s *MemoryStorage) GetReader(genID string) (GenerationReader, error) {
	f, ok := s.datasets[genID]
	if !ok {
		return nil, fmt.Errorf("generation %s does not exist", genID)
	}
	return f, nil
}

func (s *MemoryStorage) GetWriter(genID string) (GenerationWriter, error) {
	f := &MemoryGeneration{
		calendar:        map[string]*model.Calendar{},
		calendarDate:    map[string][]*model.CalendarDate{},
		routes:          map[string]*model.Route{},
		agency:          map[string]*model.Agency{},
		stops:           map[string]*model.Stop{},
		stopsByParent:   map[string][]*model.Stop{},
		trips:           map[string]*model.Trip{},
		stopTimesByTrip: map[string][]*model.StopTime{},
		stopTimesByStop: map[string][]*model.StopTime{},
		minMaxStopSeq:   map[string][2]uint32{},
	}

	s.datasets[genID] = f

	return f, nil
}

type MemoryGeneration struct {
	calendar         map[string]*model.Calendar
	calendarDate     map[string][]*model.CalendarDate
	routes           map[string]*model.Route
	agency           map[string]*model.Agency
	stops            map[string]*model.Stop
	stopsByParent    map[string][]*model.Stop
	trips            map[string]*model.Trip
	stopTimesByTrip  map[string][]*model.StopTime
	stopTimesByStop  map[string][]*model.StopTime
	minMaxStopSeq    map[string][2]uint32
	routeTypesByStop map[string][]model.RouteType
}

func (f *MemoryGeneration) WriteAgency(agency *model.Agency) error {
	f.agency[agency.ID] = agency
	return nil
}

func (f *MemoryGeneration) WriteStop(stop *model.Stop) error {
	f.stops[stop.ID] = stop
	if stop.ParentStation != "" {
		f.stopsByParent[stop.ParentStation] = append(f.stopsByParent[stop.ParentStation], stop)
	}
	return nil
}

func (f *MemoryGeneration) WriteRoute(route *model.Route) error {
	f.routes[route.ID] = route
	return nil
}

func (f *MemoryGeneration) BeginTrips() error {
	return nil
}

func (f *MemoryGeneration) WriteTrip(trip *model.Trip) error {
	f.trips[trip.ID] = trip
	return nil
}

func (f *MemoryGeneration) EndTrips() error {
	return nil
}

func (f *MemoryGeneration) BeginStopTimes() error {
	return nil
}

func (f *MemoryGeneration) WriteStopTime(stopTime *model.StopTime) error {
	f.stopTimesByTrip[stopTime.TripID] = append(f.stopTimesByTrip[stopTime.TripID], stopTime)
	f.stopTimesByStop[stopTime.StopID] = append(f.stopTimesByStop[stopTime.StopID], stopTime)

	mms, found := f.minMaxStopSeq[stopTime.TripID]
	if !found {
		f.minMaxStopSeq[stopTime.TripID] = [2]uint32{stopTime.StopSequence, stopTime.StopSequence}
	} else {
		if stopTime.StopSequence < mms[0] {
			mms[0] = stopTime.StopSequence
		}
		if stopTime.StopSequence > mms[1] {
			mms[1] = stopTime.StopSequence
		}
		f.minMaxStopSeq[stopTime.TripID] = mms
	}

	return nil
}

func (f *MemoryGeneration) EndStopTimes() error {
	return nil
}

func (f *MemoryGeneration) WriteCalendar(row *model.Calendar) error {
	f.calendar[row.ServiceID] = row
	return nil
}

func (f *MemoryGeneration) WriteCalendarDate(row *model.CalendarDate) error {
	f.calendarDate[row.ServiceID] = append(f.calendarDate[row.ServiceID], row)
	return nil
}

// Close builds the stop to route type index. Trips are written after
// stop times, so this can't happen in EndStopTimes.
func (f *MemoryGeneration) Close() error {
	f.routeTypesByStop = map[string][]model.RouteType{}

	for _, stop := range f.stops {
		rts := map[model.RouteType]bool{}
		for _, st := range f.stopTimesByStop[stop.ID] {
			trip := f.trips[st.TripID]
			if trip == nil {
				continue
			}
			route := f.routes[trip.RouteID]
			if route == nil {
				continue
			}
			rts[route.Type] = true
		}
		for rt := range rts {
			f.routeTypesByStop[stop.ID] = append(f.routeTypesByStop[stop.ID], rt)
		}
	}

	return nil
}

func (f *MemoryGeneration) Agencies() ([]*model.Agency, error) {
	agencies := []*model.Agency{}
	for _, v := range f.agency {
		agencies = append(agencies, v)
	}
	return agencies, nil
}

func (f *MemoryGeneration) Stops() ([]*model.Stop, error) {
	stops := []*model.Stop{}
	for _, v := range f.stops {
		stops = append(stops, v)
	}
	return stops, nil
}

func (f *MemoryGeneration) Stop(id string) (*model.Stop, error) {
	return f.stops[id], nil
}

func (f *MemoryGeneration) Routes() ([]*model.Route, error) {
	routes := []*model.Route{}
	for _, v := range f.routes {
		routes = append(routes, v)
	}
	return routes, nil
}

func (f *MemoryGeneration) Trips() ([]*model.Trip, error) {
	trips := []*model.Trip{}
	for _, v := range f.trips {
		trips = append(trips, v)
	}
	return trips, nil
}

func (f *MemoryGeneration) StopTimes() ([]*model.StopTime, error) {
	stoptimes := []*model.StopTime{}
	for _, v := range f.stopTimesByTrip {
		stoptimes = append(stoptimes, v...)
	}
	return stoptimes, nil
}

func (f *MemoryGeneration) Calendars() ([]*model.Calendar, error) {
	cals := []*model.Calendar{}
	for _, v := range f.calendar {
		cals = append(cals, v)
	}
	return cals, nil
}

func (f *MemoryGeneration) CalendarDates() ([]*model.CalendarDate, error) {
	cds := []*model.CalendarDate{}
	for _, v := range f.calendarDate {
		cds = append(cds, v...)
	}
	return cds, nil
}

func (f *MemoryGeneration) ActiveServices(date string) ([]string, error) {
	services := map[string]bool{}

	parsedDate, err := time.Parse("20060102", date)
	if err != nil {
		return nil, fmt.Errorf("invalid date: %s", date)
	}

	for _, calendar := range f.calendar {
		if calendar.Weekday&(1<<parsedDate.Weekday()) == 0 {
			continue
		}
		if calendar.StartDate > date {
			continue
		}
		if calendar.EndDate < date {
			continue
		}
		services[calendar.ServiceID] = true
	}

	for _, cds := range f.calendarDate {
		for _, cd := range cds {
			if cd.Date == date {
				if cd.ExceptionType == model.ExceptionAdded {
					services[cd.ServiceID] = true
				} else if cd.ExceptionType == model.ExceptionRemoved {
					services[cd.ServiceID] = false
				}
			}
		}
	}

	activeServices := []string{}
	for serviceID, active := range services {
		if active {
			activeServices = append(activeServices, serviceID)
		}
	}

	return activeServices, nil
}

func (f *MemoryGeneration) MinMaxStopSeq() (map[string][2]uint32, error) {
	return f.minMaxStopSeq, nil
}

func (f *MemoryGeneration) StopTimeEvents(filter StopTimeEventFilter) ([]*StopTimeEvent, error) {
	var stopTimes []*model.StopTime

	if len(filter.StopIDs) > 0 {
		// Stop filters must also apply to parent stations, in
		// case caller is referring to a Station holding
		// (potentially) multiple Stops.
		for _, stopID := range filter.StopIDs {
			stop, found := f.stops[stopID]
			if !found {
				continue
			}

			if stop.LocationType == model.LocationTypeStation {
				for _, s := range f.stopsByParent[stopID] {
					stopTimes = append(stopTimes, f.stopTimesByStop[s.ID]...)
				}
			} else {
				stopTimes = append(stopTimes, f.stopTimesByStop[stopID]...)
			}
		}
	} else {
		stopTimes = []*model.StopTime{}
		for _, v := range f.stopTimesByTrip {
			stopTimes = append(stopTimes, v...)
		}
	}

	routeTypes := map[model.RouteType]bool{}
	for _, rt := range filter.RouteTypes {
		routeTypes[rt] = true
	}

	serviceIDs := map[string]bool{}
	for _, sid := range filter.ServiceIDs {
		serviceIDs[sid] = true
	}

	tripIDs := map[string]bool{}
	for _, tid := range filter.TripIDs {
		tripIDs[tid] = true
	}

	events := []*StopTimeEvent{}

	for _, st := range stopTimes {
		// Filters on StopTime
		if filter.DepartureStart > -1 && st.Departure < filter.DepartureStart {
			continue
		}
		if filter.DepartureEnd > -1 && st.Departure >= filter.DepartureEnd {
			continue
		}

		// Filters on Trip
		trip := f.trips[st.TripID]
		if filter.RouteID != "" && trip.RouteID != filter.RouteID {
			continue
		}
		if filter.DirectionID != -1 && int(trip.DirectionID) != filter.DirectionID {
			continue
		}
		if len(serviceIDs) > 0 && !serviceIDs[trip.ServiceID] {
			continue
		}
		if len(tripIDs) > 0 && !tripIDs[trip.ID] {
			continue
		}

		// Filters on Route
		route := f.routes[trip.RouteID]
		if len(routeTypes) > 0 && !routeTypes[route.Type] {
			continue
		}

		events = append(events, &StopTimeEvent{
			StopTime: st,
			Trip:     trip,
			Route:    route,
			Stop:     f.stops[st.StopID],
		})
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].StopTime.Departure < events[j].StopTime.Departure
	})

	return events, nil
}

func (f *MemoryGeneration) NearbyStops(lat float64, lng float64, limit int, routeTypes []model.RouteType) ([]model.Stop, error) {
	stops := []*model.Stop{}

	if len(routeTypes) == 0 {
		for _, s := range f.stops {
			if !(s.LocationType == model.LocationTypeStation || s.LocationType == model.LocationTypeStop && s.ParentStation == "") {
				continue
			}
			stops = append(stops, s)
		}
	} else {
		typeSet := map[model.RouteType]bool{}
		for _, rt := range routeTypes {
			typeSet[rt] = true
		}
		for _, s := range f.stops {
			if !(s.LocationType == model.LocationTypeStation || s.LocationType == model.LocationTypeStop && s.ParentStation == "") {
				continue
			}
			for _, rt := range f.routeTypesByStop[s.ID] {
				if typeSet[rt] {
					stops = append(stops, s)
					break
				}
			}
		}
	}

	sort.Slice(stops, func(i, j int) bool {
		di := HaversineMeters(lat, lng, stops[i].Lat, stops[i].Lon)
		dj := HaversineMeters(lat, lng, stops[j].Lat, stops[j].Lon)
		return di < dj
	})

	if limit > 0 && len(stops) > limit {
		stops = stops[:limit]
	}

	res := []model.Stop{}
	for _, s := range stops {
		res = append(res, *s)
	}

	return res, nil
}
