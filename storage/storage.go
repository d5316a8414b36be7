package storage

import (
	"time"

	"github.com/boardpi/transit/model"
)

// Storage persists schedule generations, fetch state and stop
// groups. Generations are immutable once written: an importer run
// builds a complete new generation and only then records it in the
// generation table, so readers never observe a half-written schedule.
type Storage interface {
	// Retrieves all generation records matching the given filter,
	// most recently retrieved first.
	ListGenerations(filter ListGenerationsFilter) ([]*Generation, error)

	// Writes a Generation record. If a record with the same URL
	// and hash exists, it is updated.
	WriteGeneration(gen *Generation) error

	// Deletes a generation record and its data.
	DeleteGeneration(hash string) error

	// Conditional-fetch bookkeeping per static feed URL.
	FetchState(url string) (*FetchState, error)
	WriteFetchState(state *FetchState) error

	// All stop groups, pinned and automatic.
	StopGroups() ([]*model.StopGroup, error)

	// Writes a stop group. Member stops are removed from any other
	// group they belong to; groups left empty are deleted.
	WriteStopGroup(group *model.StopGroup) error

	DeleteStopGroup(id string) error

	// Replaces all non-pinned groups in one step. Stops that are
	// members of a pinned group are silently dropped from the new
	// groups; pinned groups are never modified.
	ReplaceAutoGroups(groups []*model.StopGroup) error

	// Gets a reader for the generation with the given hash.
	GetReader(gen string) (GenerationReader, error)

	// Gets a writer for the generation with the given hash.
	GetWriter(gen string) (GenerationWriter, error)
}

type ListGenerationsFilter struct {
	// If set, only include generations imported from the given URL.
	URL string

	// If set, only include generations with the given hash.
	Hash string
}

// Metadata for an imported schedule generation. The parsed data is
// accessed through a GenerationReader.
type Generation struct {
	Hash              string
	URL               string
	RetrievedAt       time.Time
	Timezone          string
	CalendarStartDate string
	CalendarEndDate   string

	// Largest departure_time seconds value in the generation.
	// Bounds how far back a service day can reach past midnight.
	MaxDepartureSec int
}

// Conditional re-fetch state for a static feed URL. Hash is the
// content hash of the archive last imported from the URL, used to
// short-circuit imports of unchanged data.
type FetchState struct {
	URL          string
	ETag         string
	LastModified string
	Hash         string
	RefreshedAt  time.Time
}

// Writes GTFS records for a single generation.
//
// As stop_times.txt tends to be very large, BeginStopTimes() and
// EndStopTimes() are called before and after all calls to
// WriteStopTime(), allowing transactions/batching/whathaveyou.
type GenerationWriter interface {
	WriteAgency(agency *model.Agency) error
	WriteStop(stop *model.Stop) error
	WriteRoute(route *model.Route) error
	BeginTrips() error
	WriteTrip(trip *model.Trip) error
	EndTrips() error
	WriteCalendar(cal *model.Calendar) error
	WriteCalendarDate(caldate *model.CalendarDate) error
	BeginStopTimes() error
	WriteStopTime(stopTime *model.StopTime) error
	EndStopTimes() error
	Close() error
}

type GenerationReader interface {
	Agencies() ([]*model.Agency, error)
	Stops() ([]*model.Stop, error)
	Routes() ([]*model.Route, error)
	Trips() ([]*model.Trip, error)
	StopTimes() ([]*model.StopTime, error)
	Calendars() ([]*model.Calendar, error)
	CalendarDates() ([]*model.CalendarDate, error)

	// A single stop by ID. Returns nil (and no error) when the
	// stop is unknown.
	Stop(id string) (*model.Stop, error)

	// Service IDs for all services active on the given date,
	// applying calendar_dates exceptions on top of the base
	// calendar. Date is given as YYYYMMDD.
	ActiveServices(date string) ([]string, error)

	// Map from trip_id to [min, max] stop_sequence for that trip,
	// as per stop_times. This is useful for filtering out first
	// or last stops of a trip.
	MinMaxStopSeq() (map[string][2]uint32, error)

	// List of stop_times and associated data matching the
	// provided filter.
	StopTimeEvents(filter StopTimeEventFilter) ([]*StopTimeEvent, error)

	// List of stops near given lat/lng, ordered by distance. At
	// most limit results (pass 0 for no limit.) Optionally
	// filtered to only include stops with routes of the given
	// type passing through.
	NearbyStops(lat float64, lng float64, limit int, routeTypes []model.RouteType) ([]model.Stop, error)
}

// Filter for StopTimeEvents()
type StopTimeEventFilter struct {
	// Limit results to events at the given stops. A stop ID can
	// reference a parent station, in which case all sub-stops are
	// included.
	StopIDs []string

	// Limit results to a set of services, a specific route,
	// a set of route types and/or a set of trips.
	ServiceIDs []string
	RouteID    string
	RouteTypes []model.RouteType
	TripIDs    []string

	// Limit results to a direction. Pass -1 to include all
	// directions.
	DirectionID int

	// Limit results to stop_times with departure seconds in
	// [DepartureStart, DepartureEnd). Pass -1 to leave either
	// side unbounded.
	DepartureStart int
	DepartureEnd   int
}

// Holds information about a stop_time record, along with the
// associated trip, route and stop.
type StopTimeEvent struct {
	StopTime *model.StopTime
	Trip     *model.Trip
	Route    *model.Route
	Stop     *model.Stop
}
