package model

import (
	"fmt"
	"time"
)

// Holds all external facing types and constants.

type LocationType int

const (
	LocationTypeStop LocationType = iota
	LocationTypeStation
	LocationTypeEntranceExit
	LocationTypeGenericNode
	LocationTypeBoardingArea
)

type RouteType int

const (
	RouteTypeTram       RouteType = 0
	RouteTypeSubway     RouteType = 1
	RouteTypeRail       RouteType = 2
	RouteTypeBus        RouteType = 3
	RouteTypeFerry      RouteType = 4
	RouteTypeCable      RouteType = 5
	RouteTypeAerial     RouteType = 6
	RouteTypeFunicular  RouteType = 7
	RouteTypeTrolleybus RouteType = 11
	RouteTypeMonorail   RouteType = 12
)

type ExceptionType int8

const (
	ExceptionAdded   ExceptionType = 1
	ExceptionRemoved ExceptionType = 2
)

type Agency struct {
	ID       string
	Name     string
	URL      string
	Timezone string
}

type Calendar struct {
	ServiceID string
	StartDate string
	EndDate   string
	Weekday   int8
}

type CalendarDate struct {
	ServiceID     string
	Date          string
	ExceptionType ExceptionType
}

type Stop struct {
	ID            string
	Code          string
	Name          string
	Lat           float64
	Lon           float64
	LocationType  LocationType
	ParentStation string
	PlatformCode  string
}

// Headsign is always populated: when trips.txt carries no
// trip_headsign, the importer fills in the name of the trip's final
// stop.
type Trip struct {
	ID          string
	RouteID     string
	ServiceID   string
	Headsign    string
	ShortName   string
	DirectionID int8
}

type Route struct {
	ID        string
	AgencyID  string
	ShortName string
	LongName  string
	Type      RouteType
	Color     string
	TextColor string
}

// Arrival and Departure are seconds since the start of the service
// day. Values of 86400 and above are legal and place the stop after
// midnight on the following calendar day. This is the only time
// representation used after import; clock strings are never
// re-parsed.
type StopTime struct {
	TripID       string
	StopID       string
	Headsign     string
	StopSequence uint32
	Arrival      int
	Departure    int
}

func (st *StopTime) ArrivalTime() time.Duration {
	return time.Duration(st.Arrival) * time.Second
}

func (st *StopTime) DepartureTime() time.Duration {
	return time.Duration(st.Departure) * time.Second
}

// A set of stops treated as a single location for departure display.
// Pinned groups were created by hand and are never touched by the
// automatic duplicate detector.
type StopGroup struct {
	ID      string
	Name    string
	StopIDs []string
	Pinned  bool
}

// A vehicle departing from a stop.
type Departure struct {
	StopID       string
	RouteID      string
	TripID       string
	StopSequence uint32
	DirectionID  int8
	Scheduled    time.Time
	Expected     time.Time
	Delay        time.Duration
	Headsign     string
	VehicleID    string
	Realtime     bool
}

// Whole minutes from now until the expected departure, clamped to 0
// for vehicles that are already due.
func (d *Departure) MinutesUntil(now time.Time) int {
	m := int(d.Expected.Sub(now).Minutes())
	if m < 0 {
		return 0
	}
	return m
}

// Formats seconds-since-service-day-start in the familiar HH:MM:SS
// form, with hours exceeding 23 for past-midnight stop times.
func FormatSeconds(sec int) string {
	return fmt.Sprintf("%02d:%02d:%02d", sec/3600, sec%3600/60, sec%60)
}
