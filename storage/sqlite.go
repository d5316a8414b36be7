package storage

import (
	"database/sql"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/boardpi/transit/model"
)

type SQLiteConfig struct {
	OnDisk    bool
	Directory string
}

type SQLiteStorage struct {
	SQLiteConfig

	metaDB      *sql.DB
	generations map[string]*sql.DB
}

type SQLiteGenerationWriter struct {
	db *sql.DB

	tripInsertQuery *sql.Stmt
	tripInsertTx    *sql.Tx

	stopTimeInsertQuery *sql.Stmt
	stopTimeInsertTx    *sql.Tx
}

type SQLiteGenerationReader struct {
	db *sql.DB
}

func NewSQLiteStorage(cfg ...SQLiteConfig) (*SQLiteStorage, error) {
	onDisk := false
	directory := ""
	if len(cfg) > 0 {
		onDisk = cfg[0].OnDisk
		directory = cfg[0].Directory
	}

	sourceName := ":memory:"
	if onDisk {
		sourceName = directory + "/transit.db"
	}

	db, err := sql.Open("sqlite3", sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS generation (
    hash TEXT,
    url TEXT NOT NULL,
    retrieved_at TIMESTAMP NOT NULL,
    calendar_start TEXT NOT NULL,
    calendar_end TEXT NOT NULL,
    timezone TEXT NOT NULL,
    max_departure INTEGER NOT NULL,
PRIMARY KEY (hash, url)
);

CREATE TABLE IF NOT EXISTS fetch_state (
    url TEXT NOT NULL,
    etag TEXT NOT NULL,
    last_modified TEXT NOT NULL,
    hash TEXT NOT NULL,
    refreshed_at TIMESTAMP NOT NULL,
PRIMARY KEY (url)
);

CREATE TABLE IF NOT EXISTS stop_group (
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    pinned INTEGER NOT NULL,
PRIMARY KEY (id)
);

CREATE TABLE IF NOT EXISTS stop_group_member (
    group_id TEXT NOT NULL,
    stop_id TEXT NOT NULL,
PRIMARY KEY (group_id, stop_id)
);
CREATE INDEX IF NOT EXISTS stop_group_member_stop ON stop_group_member (stop_id);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating meta tables: %w", err)
	}

	return &SQLiteStorage{
		SQLiteConfig: SQLiteConfig{
			OnDisk:    onDisk,
			Directory: directory,
		},
		metaDB:      db,
		generations: map[string]*sql.DB{},
	}, nil
}

func (s *SQLiteStorage) ListGenerations(filter ListGenerationsFilter) ([]*Generation, error) {
	query := `
SELECT
    hash,
    url,
    retrieved_at,
    calendar_start,
    calendar_end,
    timezone,
    max_departure
FROM generation`

	conditions := []string{}
	params := []interface{}{}
	if filter.URL != "" {
		conditions = append(conditions, "url = ?")
		params = append(params, filter.URL)
	}
	if filter.Hash != "" {
		conditions = append(conditions, "hash = ?")
		params = append(params, filter.Hash)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY retrieved_at DESC"

	rows, err := s.metaDB.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("listing generations: %w", err)
	}
	defer rows.Close()

	var gens []*Generation
	for rows.Next() {
		var gen Generation
		err := rows.Scan(
			&gen.Hash,
			&gen.URL,
			&gen.RetrievedAt,
			&gen.CalendarStartDate,
			&gen.CalendarEndDate,
			&gen.Timezone,
			&gen.MaxDepartureSec,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning generation: %w", err)
		}
		gens = append(gens, &gen)
	}

	return gens, nil
}

func (s *SQLiteStorage) WriteGeneration(gen *Generation) error {
	_, err := s.metaDB.Exec(`
INSERT INTO generation (
    hash,
    url,
    retrieved_at,
    calendar_start,
    calendar_end,
    timezone,
    max_departure
)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (hash, url) DO UPDATE SET
    retrieved_at = excluded.retrieved_at,
    calendar_start = excluded.calendar_start,
    calendar_end = excluded.calendar_end,
    timezone = excluded.timezone,
    max_departure = excluded.max_departure
`,
		gen.Hash,
		gen.URL,
		gen.RetrievedAt,
		gen.CalendarStartDate,
		gen.CalendarEndDate,
		gen.Timezone,
		gen.MaxDepartureSec,
	)
	if err != nil {
		return fmt.Errorf("writing generation: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteGeneration(hash string) error {
	_, err := s.metaDB.Exec(`DELETE FROM generation WHERE hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("deleting generation: %w", err)
	}

	if db, found := s.generations[hash]; found {
		db.Close()
		delete(s.generations, hash)
	}
	if s.OnDisk {
		path := s.Directory + "/" + hash + ".db"
		if _, err := os.Stat(path); err == nil {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("removing generation database: %w", err)
			}
		}
	}

	return nil
}

func (s *SQLiteStorage) FetchState(url string) (*FetchState, error) {
	row := s.metaDB.QueryRow(`
SELECT url, etag, last_modified, hash, refreshed_at
FROM fetch_state
WHERE url = ?`, url)

	var state FetchState
	err := row.Scan(&state.URL, &state.ETag, &state.LastModified, &state.Hash, &state.RefreshedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning fetch state: %w", err)
	}

	return &state, nil
}

func (s *SQLiteStorage) WriteFetchState(state *FetchState) error {
	_, err := s.metaDB.Exec(`
INSERT INTO fetch_state (url, etag, last_modified, hash, refreshed_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (url) DO UPDATE SET
    etag = excluded.etag,
    last_modified = excluded.last_modified,
    hash = excluded.hash,
    refreshed_at = excluded.refreshed_at
`,
		state.URL,
		state.ETag,
		state.LastModified,
		state.Hash,
		state.RefreshedAt,
	)
	if err != nil {
		return fmt.Errorf("writing fetch state: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) StopGroups() ([]*model.StopGroup, error) {
	rows, err := s.metaDB.Query(`
SELECT grp.id, grp.name, grp.pinned, mem.stop_id
FROM stop_group grp
LEFT JOIN stop_group_member mem ON grp.id = mem.group_id
ORDER BY grp.id, mem.stop_id`)
	if err != nil {
		return nil, fmt.Errorf("listing stop groups: %w", err)
	}
	defer rows.Close()

	byID := map[string]*model.StopGroup{}
	order := []string{}
	for rows.Next() {
		var id, name string
		var pinned bool
		var stopID sql.NullString
		err := rows.Scan(&id, &name, &pinned, &stopID)
		if err != nil {
			return nil, fmt.Errorf("scanning stop group: %w", err)
		}

		group, found := byID[id]
		if !found {
			group = &model.StopGroup{ID: id, Name: name, Pinned: pinned}
			byID[id] = group
			order = append(order, id)
		}
		if stopID.Valid {
			group.StopIDs = append(group.StopIDs, stopID.String)
		}
	}

	groups := []*model.StopGroup{}
	for _, id := range order {
		groups = append(groups, byID[id])
	}

	return groups, nil
}

func (s *SQLiteStorage) WriteStopGroup(group *model.StopGroup) error {
	if len(group.StopIDs) == 0 {
		return fmt.Errorf("stop group '%s' has no members", group.ID)
	}

	tx, err := s.metaDB.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}

	err = writeStopGroupTx(tx, group)
	if err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Writes a group inside an open transaction, pulling its member
// stops out of any other group and dropping groups left empty. Each
// stop belongs to at most one group.
func writeStopGroupTx(tx *sql.Tx, group *model.StopGroup) error {
	placeholders := []string{}
	params := []interface{}{}
	for _, stopID := range group.StopIDs {
		placeholders = append(placeholders, "?")
		params = append(params, stopID)
	}

	_, err := tx.Exec(`
DELETE FROM stop_group_member
WHERE stop_id IN (`+strings.Join(placeholders, ", ")+`)`, params...)
	if err != nil {
		return fmt.Errorf("removing stops from prior groups: %w", err)
	}

	_, err = tx.Exec(`
DELETE FROM stop_group
WHERE id NOT IN (SELECT DISTINCT group_id FROM stop_group_member)`)
	if err != nil {
		return fmt.Errorf("dropping empty groups: %w", err)
	}

	pinned := 0
	if group.Pinned {
		pinned = 1
	}
	_, err = tx.Exec(`
INSERT INTO stop_group (id, name, pinned)
VALUES (?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    pinned = excluded.pinned`,
		group.ID, group.Name, pinned)
	if err != nil {
		return fmt.Errorf("inserting stop group: %w", err)
	}

	_, err = tx.Exec(`DELETE FROM stop_group_member WHERE group_id = ?`, group.ID)
	if err != nil {
		return fmt.Errorf("clearing group members: %w", err)
	}

	for _, stopID := range group.StopIDs {
		_, err = tx.Exec(`
INSERT INTO stop_group_member (group_id, stop_id)
VALUES (?, ?)`, group.ID, stopID)
		if err != nil {
			return fmt.Errorf("inserting group member: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStorage) DeleteStopGroup(id string) error {
	tx, err := s.metaDB.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}

	_, err = tx.Exec(`DELETE FROM stop_group_member WHERE group_id = ?`, id)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting group members: %w", err)
	}
	_, err = tx.Exec(`DELETE FROM stop_group WHERE id = ?`, id)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting group: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ReplaceAutoGroups(groups []*model.StopGroup) error {
	tx, err := s.metaDB.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}

	// Stops in pinned groups are off limits to the detector.
	rows, err := tx.Query(`
SELECT mem.stop_id
FROM stop_group_member mem
INNER JOIN stop_group grp ON grp.id = mem.group_id
WHERE grp.pinned = 1`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("listing pinned stops: %w", err)
	}
	pinnedStops := map[string]bool{}
	for rows.Next() {
		var stopID string
		if err := rows.Scan(&stopID); err != nil {
			rows.Close()
			tx.Rollback()
			return fmt.Errorf("scanning pinned stop: %w", err)
		}
		pinnedStops[stopID] = true
	}
	rows.Close()

	_, err = tx.Exec(`
DELETE FROM stop_group_member
WHERE group_id IN (SELECT id FROM stop_group WHERE pinned = 0)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing auto group members: %w", err)
	}
	_, err = tx.Exec(`DELETE FROM stop_group WHERE pinned = 0`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing auto groups: %w", err)
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
		if err := writeStopGroupTx(tx, &trimmed); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetReader(genID string) (GenerationReader, error) {
	db, found := s.generations[genID]
	if found {
		return &SQLiteGenerationReader{db: db}, nil
	}
	if !s.OnDisk {
		return nil, fmt.Errorf("generation %s does not exist", genID)
	}

	sourceName := s.Directory + "/" + genID + ".db"
	if _, err := os.Stat(sourceName); os.IsNotExist(err) {
		return nil, fmt.Errorf("generation %s does not exist at %s", genID, sourceName)
	}

	db, err := sql.Open("sqlite3", sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s.generations[genID] = db

	return &SQLiteGenerationReader{db: db}, nil
}

func (s *SQLiteStorage) GetWriter(genID string) (GenerationWriter, error) {
	sourceName := ":memory:"
	if s.OnDisk {
		sourceName = s.Directory + "/" + genID + ".db"
		// delete file if it exists
		if _, err := os.Stat(sourceName); err == nil {
			err := os.Remove(sourceName)
			if err != nil {
				return nil, fmt.Errorf("removing existing database: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	for name, query := range map[string]string{
		"agency": `
CREATE TABLE agency (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    url TEXT NOT NULL,
    timezone TEXT NOT NULL
);`,
		"stops": `
CREATE TABLE stops (
    id TEXT PRIMARY KEY,
    code TEXT,
    name TEXT NOT NULL,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    location_type INTEGER NOT NULL,
    parent_station TEXT,
    platform_code TEXT
);
CREATE INDEX stops_parent_station ON stops (parent_station);
`,
		"routes": `
CREATE TABLE routes (
    id TEXT PRIMARY KEY,
    agency_id TEXT,
    short_name TEXT,
    long_name TEXT NOT NULL,
    type INTEGER NOT NULL,
    color TEXT,
    text_color TEXT
);`,
		"trips": `
CREATE TABLE trips (
    id TEXT PRIMARY KEY,
    route_id TEXT NOT NULL,
    service_id TEXT NOT NULL,
    headsign TEXT,
    short_name TEXT,
    direction_id INTEGER
);
CREATE INDEX trips_route_id ON trips (route_id);
CREATE INDEX trips_service_id ON trips (service_id);
`,
		"stop_times": `
CREATE TABLE stop_times (
    trip_id TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    stop_sequence INTEGER NOT NULL,
    arrival_time INTEGER NOT NULL,
    departure_time INTEGER NOT NULL,
    headsign TEXT
);
CREATE INDEX stop_times_trip_id ON stop_times (trip_id);
CREATE INDEX stop_times_stop_id ON stop_times (stop_id);
CREATE INDEX stop_times_stop_departure ON stop_times (stop_id, departure_time);
`,
		"calendar": `
CREATE TABLE calendar (
    service_id TEXT PRIMARY KEY,
    start_date TEXT NOT NULL,
    end_date TEXT NOT NULL,
    monday INTEGER NOT NULL,
    tuesday INTEGER NOT NULL,
    wednesday INTEGER NOT NULL,
    thursday INTEGER NOT NULL,
    friday INTEGER NOT NULL,
    saturday INTEGER NOT NULL,
    sunday INTEGER NOT NULL
);`,
		"calendar_dates": `
CREATE TABLE calendar_dates (
    service_id TEXT NOT NULL,
    date TEXT NOT NULL,
    exception_type INTEGER NOT NULL
);
CREATE INDEX calendar_dates_date ON calendar_dates (date);
`,
	} {
		_, err = db.Exec(query)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("creating %s table: %s", name, err)
		}
	}

	s.generations[genID] = db

	return &SQLiteGenerationWriter{db: db}, nil
}

func (w *SQLiteGenerationWriter) WriteAgency(a *model.Agency) error {
	_, err := w.db.Exec(`
INSERT INTO agency (id, name, url, timezone)
VALUES (?, ?, ?, ?)`,
		a.ID,
		a.Name,
		a.URL,
		a.Timezone,
	)
	if err != nil {
		return fmt.Errorf("inserting agency: %w", err)
	}
	return nil
}

func (w *SQLiteGenerationWriter) WriteStop(stop *model.Stop) error {
	_, err := w.db.Exec(`
INSERT INTO stops (id, code, name, lat, lon, location_type, parent_station, platform_code)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stop.ID,
		stop.Code,
		stop.Name,
		stop.Lat,
		stop.Lon,
		stop.LocationType,
		stop.ParentStation,
		stop.PlatformCode,
	)
	if err != nil {
		return fmt.Errorf("inserting stop: %w", err)
	}
	return nil
}

func (w *SQLiteGenerationWriter) WriteRoute(route *model.Route) error {
	_, err := w.db.Exec(`
INSERT INTO routes (id, agency_id, short_name, long_name, type, color, text_color)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		route.ID,
		route.AgencyID,
		route.ShortName,
		route.LongName,
		route.Type,
		route.Color,
		route.TextColor,
	)
	if err != nil {
		return fmt.Errorf("inserting route: %w", err)
	}
	return nil
}

func (w *SQLiteGenerationWriter) BeginTrips() error {
	var err error
	w.tripInsertTx, err = w.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning trip insert transaction: %w", err)
	}

	w.tripInsertQuery, err = w.tripInsertTx.Prepare(`
INSERT INTO trips (id, route_id, service_id, headsign, short_name, direction_id)
VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		w.tripInsertTx.Rollback()
		w.tripInsertTx = nil
		return fmt.Errorf("preparing trip insert: %w", err)
	}

	return nil
}

func (w *SQLiteGenerationWriter) WriteTrip(trip *model.Trip) error {
	_, err := w.tripInsertQuery.Exec(
		trip.ID,
		trip.RouteID,
		trip.ServiceID,
		trip.Headsign,
		trip.ShortName,
		trip.DirectionID,
	)
	if err != nil {
		w.tripInsertQuery.Close()
		w.tripInsertTx.Rollback()
		w.tripInsertTx = nil
		w.tripInsertQuery = nil
		return fmt.Errorf("inserting trip: %w", err)
	}
	return nil
}

func (w *SQLiteGenerationWriter) EndTrips() error {
	w.tripInsertQuery.Close()
	err := w.tripInsertTx.Commit()
	if err != nil {
		return fmt.Errorf("committing trip insert transaction: %w", err)
	}
	w.tripInsertTx = nil
	w.tripInsertQuery = nil

	return nil
}

func (w *SQLiteGenerationWriter) BeginStopTimes() error {
	// transaction with prepared statement.
	var err error
	w.stopTimeInsertTx, err = w.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning stop_time insert transaction: %w", err)
	}

	w.stopTimeInsertQuery, err = w.stopTimeInsertTx.Prepare(`
INSERT INTO stop_times (trip_id, stop_id, stop_sequence, arrival_time, departure_time, headsign)
VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		w.stopTimeInsertTx.Rollback()
		w.stopTimeInsertTx = nil
		return fmt.Errorf("preparing stop_time insert: %w", err)
	}

	return nil
}

func (w *SQLiteGenerationWriter) WriteStopTime(stopTime *model.StopTime) error {
	_, err := w.stopTimeInsertQuery.Exec(
		stopTime.TripID,
		stopTime.StopID,
		stopTime.StopSequence,
		stopTime.Arrival,
		stopTime.Departure,
		stopTime.Headsign,
	)
	if err != nil {
		w.stopTimeInsertQuery.Close()
		w.stopTimeInsertTx.Rollback()
		w.stopTimeInsertTx = nil
		w.stopTimeInsertQuery = nil
		return fmt.Errorf("inserting stop_time: %w", err)
	}

	return nil
}

func (w *SQLiteGenerationWriter) EndStopTimes() error {
	// commit transaction and clean up
	w.stopTimeInsertQuery.Close()
	err := w.stopTimeInsertTx.Commit()
	if err != nil {
		return fmt.Errorf("committing stop_time insert transaction: %w", err)
	}
	w.stopTimeInsertTx = nil
	w.stopTimeInsertQuery = nil

	return nil
}

func (w *SQLiteGenerationWriter) WriteCalendar(cal *model.Calendar) error {
	mon, tue, wed, thu, fri, sat, sun := 0, 0, 0, 0, 0, 0, 0
	if cal.Weekday&(1<<time.Monday) != 0 {
		mon = 1
	}
	if cal.Weekday&(1<<time.Tuesday) != 0 {
		tue = 1
	}
	if cal.Weekday&(1<<time.Wednesday) != 0 {
		wed = 1
	}
	if cal.Weekday&(1<<time.Thursday) != 0 {
		thu = 1
	}
	if cal.Weekday&(1<<time.Friday) != 0 {
		fri = 1
	}
	if cal.Weekday&(1<<time.Saturday) != 0 {
		sat = 1
	}
	if cal.Weekday&(1<<time.Sunday) != 0 {
		sun = 1
	}

	_, err := w.db.Exec(`
INSERT INTO calendar (service_id, start_date, end_date, monday, tuesday, wednesday, thursday, friday, saturday, sunday)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cal.ServiceID,
		cal.StartDate,
		cal.EndDate,
		mon, tue, wed, thu, fri, sat, sun,
	)
	if err != nil {
		return fmt.Errorf("inserting calendar: %w", err)
	}

	return nil
}

func (w *SQLiteGenerationWriter) WriteCalendarDate(cd *model.CalendarDate) error {
	_, err := w.db.Exec(`
INSERT INTO calendar_dates (service_id, date, exception_type)
VALUES (?, ?, ?)`,
		cd.ServiceID,
		cd.Date,
		cd.ExceptionType,
	)
	if err != nil {
		return fmt.Errorf("inserting calendar date: %w", err)
	}

	return nil
}

func (w *SQLiteGenerationWriter) Close() error {
	_, err := w.db.Exec(`ANALYZE;`)
	if err != nil {
		w.db.Close()
		return fmt.Errorf("analyzing database: %s", err)
	}

	return nil
}

func (r *SQLiteGenerationReader) ActiveServices(date string) ([]string, error) {
	parsedDate, err := time.Parse("20060102", date)
	if err != nil {
		return nil, fmt.Errorf("invalid date: %s", date)
	}

	var weekday string
	switch parsedDate.Weekday() {
	case time.Monday:
		weekday = "monday"
	case time.Tuesday:
		weekday = "tuesday"
	case time.Wednesday:
		weekday = "wednesday"
	case time.Thursday:
		weekday = "thursday"
	case time.Friday:
		weekday = "friday"
	case time.Saturday:
		weekday = "saturday"
	case time.Sunday:
		weekday = "sunday"
	}

	rows, err := r.db.Query(`
WITH
Exceptions AS (
	SELECT service_id, exception_type
	FROM calendar_dates
	WHERE date = ?
),
Regular AS (
	SELECT service_id
	FROM calendar
	WHERE `+weekday+` = 1 AND
	      start_date <= ? AND
	      end_date >= ?
)
SELECT service_id
FROM Regular
WHERE service_id NOT IN (
	SELECT service_id FROM Exceptions WHERE exception_type = 2
)
UNION
SELECT service_id
FROM Exceptions
WHERE exception_type = 1
`, date, date, date)
	if err != nil {
		return nil, fmt.Errorf("querying for active services: %w", err)
	}
	defer rows.Close()

	activeServices := []string{}
	for rows.Next() {
		var serviceID string
		err = rows.Scan(&serviceID)
		if err != nil {
			return nil, fmt.Errorf("scanning active services: %w", err)
		}
		activeServices = append(activeServices, serviceID)
	}

	return activeServices, nil
}

func (r *SQLiteGenerationReader) Agencies() ([]*model.Agency, error) {
	rows, err := r.db.Query(`
SELECT id, name, url, timezone
FROM agency`)
	if err != nil {
		return nil, fmt.Errorf("querying agencies: %w", err)
	}
	defer rows.Close()

	agencies := []*model.Agency{}
	for rows.Next() {
		a := &model.Agency{}
		err := rows.Scan(&a.ID, &a.Name, &a.URL, &a.Timezone)
		if err != nil {
			return nil, fmt.Errorf("scanning agency: %w", err)
		}
		agencies = append(agencies, a)
	}

	return agencies, nil
}

func (r *SQLiteGenerationReader) Stops() ([]*model.Stop, error) {
	rows, err := r.db.Query(`
SELECT id, code, name, lat, lon, location_type, parent_station, platform_code
FROM stops`)
	if err != nil {
		return nil, fmt.Errorf("querying stops: %w", err)
	}
	defer rows.Close()

	stops := []*model.Stop{}
	for rows.Next() {
		s := &model.Stop{}
		err := rows.Scan(
			&s.ID,
			&s.Code,
			&s.Name,
			&s.Lat,
			&s.Lon,
			&s.LocationType,
			&s.ParentStation,
			&s.PlatformCode,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop: %w", err)
		}
		stops = append(stops, s)
	}

	return stops, nil
}

func (r *SQLiteGenerationReader) Stop(id string) (*model.Stop, error) {
	row := r.db.QueryRow(`
SELECT id, code, name, lat, lon, location_type, parent_station, platform_code
FROM stops
WHERE id = ?`, id)

	s := &model.Stop{}
	err := row.Scan(
		&s.ID,
		&s.Code,
		&s.Name,
		&s.Lat,
		&s.Lon,
		&s.LocationType,
		&s.ParentStation,
		&s.PlatformCode,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning stop: %w", err)
	}

	return s, nil
}

func (r *SQLiteGenerationReader) Routes() ([]*model.Route, error) {
	rows, err := r.db.Query(`
SELECT id, agency_id, short_name, long_name, type, color, text_color
FROM routes`)
	if err != nil {
		return nil, fmt.Errorf("querying routes: %w", err)
	}
	defer rows.Close()

	routes := []*model.Route{}
	for rows.Next() {
		rt := &model.Route{}
		err := rows.Scan(
			&rt.ID,
			&rt.AgencyID,
			&rt.ShortName,
			&rt.LongName,
			&rt.Type,
			&rt.Color,
			&rt.TextColor,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning route: %w", err)
		}
		routes = append(routes, rt)
	}

	return routes, nil
}

func (r *SQLiteGenerationReader) Trips() ([]*model.Trip, error) {
	rows, err := r.db.Query(`
SELECT id, route_id, service_id, headsign, short_name, direction_id
FROM trips`)
	if err != nil {
		return nil, fmt.Errorf("querying trips: %w", err)
	}
	defer rows.Close()

	trips := []*model.Trip{}
	for rows.Next() {
		t := &model.Trip{}
		err := rows.Scan(
			&t.ID,
			&t.RouteID,
			&t.ServiceID,
			&t.Headsign,
			&t.ShortName,
			&t.DirectionID,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning trip: %w", err)
		}
		trips = append(trips, t)
	}

	return trips, nil
}

func (r *SQLiteGenerationReader) StopTimes() ([]*model.StopTime, error) {
	rows, err := r.db.Query(`
SELECT trip_id, stop_id, headsign, stop_sequence, arrival_time, departure_time
FROM stop_times`)
	if err != nil {
		return nil, fmt.Errorf("querying stop times: %w", err)
	}
	defer rows.Close()

	stopTimes := []*model.StopTime{}
	for rows.Next() {
		st := &model.StopTime{}
		err := rows.Scan(
			&st.TripID,
			&st.StopID,
			&st.Headsign,
			&st.StopSequence,
			&st.Arrival,
			&st.Departure,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop time: %w", err)
		}
		stopTimes = append(stopTimes, st)
	}

	return stopTimes, nil
}

func (r *SQLiteGenerationReader) Calendars() ([]*model.Calendar, error) {
	rows, err := r.db.Query(`
SELECT service_id, start_date, end_date, monday, tuesday, wednesday, thursday, friday, saturday, sunday
FROM calendar`)
	if err != nil {
		return nil, fmt.Errorf("querying calendar: %w", err)
	}
	defer rows.Close()

	calendars := []*model.Calendar{}
	for rows.Next() {
		var serviceID, startDate, endDate string
		var monday, tuesday, wednesday, thursday, friday, saturday, sunday bool
		err := rows.Scan(
			&serviceID,
			&startDate,
			&endDate,
			&monday,
			&tuesday,
			&wednesday,
			&thursday,
			&friday,
			&saturday,
			&sunday,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning calendar: %w", err)
		}
		weekday := int8(0)
		if monday {
			weekday |= 1 << time.Monday
		}
		if tuesday {
			weekday |= 1 << time.Tuesday
		}
		if wednesday {
			weekday |= 1 << time.Wednesday
		}
		if thursday {
			weekday |= 1 << time.Thursday
		}
		if friday {
			weekday |= 1 << time.Friday
		}
		if saturday {
			weekday |= 1 << time.Saturday
		}
		if sunday {
			weekday |= 1 << time.Sunday
		}
		calendars = append(calendars, &model.Calendar{
			ServiceID: serviceID,
			StartDate: startDate,
			EndDate:   endDate,
			Weekday:   weekday,
		})
	}

	return calendars, nil
}

func (r *SQLiteGenerationReader) CalendarDates() ([]*model.CalendarDate, error) {
	rows, err := r.db.Query(`
SELECT service_id, date, exception_type
FROM calendar_dates`)
	if err != nil {
		return nil, fmt.Errorf("querying calendar dates: %w", err)
	}
	defer rows.Close()

	calendarDates := []*model.CalendarDate{}
	for rows.Next() {
		cd := &model.CalendarDate{}
		err := rows.Scan(
			&cd.ServiceID,
			&cd.Date,
			&cd.ExceptionType,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning calendar date: %w", err)
		}
		calendarDates = append(calendarDates, cd)
	}

	return calendarDates, nil
}

func (r *SQLiteGenerationReader) MinMaxStopSeq() (map[string][2]uint32, error) {
	rows, err := r.db.Query(`
SELECT
    trip_id,
    MIN(stop_sequence),
    MAX(stop_sequence)
FROM stop_times
GROUP BY trip_id`)
	if err != nil {
		return nil, fmt.Errorf("querying min/max stop sequence: %w", err)
	}
	defer rows.Close()

	res := map[string][2]uint32{}
	for rows.Next() {
		var tripID string
		var min, max uint32
		err := rows.Scan(&tripID, &min, &max)
		if err != nil {
			return nil, fmt.Errorf("scanning min/max stop sequence: %w", err)
		}
		res[tripID] = [2]uint32{min, max}
	}

	return res, nil
}

func (r *SQLiteGenerationReader) StopTimeEvents(filter StopTimeEventFilter) ([]*StopTimeEvent, error) {
	baseQuery := `
SELECT
    stops.id,
    stops.code,
    stops.name,
    stops.lat,
    stops.lon,
    stops.location_type,
    stops.parent_station,
    stops.platform_code,
    stop_times.trip_id,
    stop_times.stop_id,
    stop_times.stop_sequence,
    stop_times.arrival_time,
    stop_times.departure_time,
    stop_times.headsign,
    trips.id,
    trips.route_id,
    trips.service_id,
    trips.headsign,
    trips.short_name,
    trips.direction_id,
    routes.id,
    routes.agency_id,
    routes.short_name,
    routes.long_name,
    routes.type,
    routes.color,
    routes.text_color
FROM stop_times
INNER JOIN stops ON stop_times.stop_id = stops.id
INNER JOIN trips ON stop_times.trip_id = trips.id
INNER JOIN routes ON trips.route_id = routes.id
`

	// Apply filters to query
	fParams := []string{}
	fVals := []interface{}{}

	if len(filter.StopIDs) > 0 {
		placeholders := []string{}
		for _, stopID := range filter.StopIDs {
			placeholders = append(placeholders, "?")
			fVals = append(fVals, stopID)
		}
		ph := strings.Join(placeholders, ", ")
		fParams = append(fParams, "(stops.id IN ("+ph+") OR stops.parent_station IN ("+ph+"))")
		for _, stopID := range filter.StopIDs {
			fVals = append(fVals, stopID)
		}
	}

	if filter.RouteID != "" {
		fParams = append(fParams, "routes.id = ?")
		fVals = append(fVals, filter.RouteID)
	}

	if len(filter.TripIDs) > 0 {
		placeholders := []string{}
		for _, tripID := range filter.TripIDs {
			placeholders = append(placeholders, "?")
			fVals = append(fVals, tripID)
		}
		fParams = append(fParams, "trips.id IN ("+strings.Join(placeholders, ", ")+")")
	}

	if len(filter.ServiceIDs) > 0 {
		placeholders := []string{}
		for _, serviceID := range filter.ServiceIDs {
			placeholders = append(placeholders, "?")
			fVals = append(fVals, serviceID)
		}
		fParams = append(fParams, "trips.service_id IN ("+strings.Join(placeholders, ", ")+")")
	}

	if filter.DirectionID > -1 {
		fParams = append(fParams, "trips.direction_id = ?")
		fVals = append(fVals, filter.DirectionID)
	}

	if filter.DepartureStart > -1 {
		fParams = append(fParams, "stop_times.departure_time >= ?")
		fVals = append(fVals, filter.DepartureStart)
	}

	if filter.DepartureEnd > -1 {
		fParams = append(fParams, "stop_times.departure_time < ?")
		fVals = append(fVals, filter.DepartureEnd)
	}

	if len(filter.RouteTypes) > 0 {
		placeholders := []string{}
		for _, rt := range filter.RouteTypes {
			placeholders = append(placeholders, "?")
			fVals = append(fVals, int(rt))
		}
		fParams = append(fParams, "routes.type IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := baseQuery
	if len(fParams) > 0 {
		query += " WHERE " + strings.Join(fParams, " AND ")
	}

	rows, err := r.db.Query(query, fVals...)
	if err != nil {
		return nil, fmt.Errorf("querying for stop time events: %w", err)
	}
	defer rows.Close()

	events := []*StopTimeEvent{}
	for rows.Next() {
		stop := &model.Stop{}
		stopTime := &model.StopTime{}
		trip := &model.Trip{}
		route := &model.Route{}

		err = rows.Scan(
			&stop.ID,
			&stop.Code,
			&stop.Name,
			&stop.Lat,
			&stop.Lon,
			&stop.LocationType,
			&stop.ParentStation,
			&stop.PlatformCode,
			&stopTime.TripID,
			&stopTime.StopID,
			&stopTime.StopSequence,
			&stopTime.Arrival,
			&stopTime.Departure,
			&stopTime.Headsign,
			&trip.ID,
			&trip.RouteID,
			&trip.ServiceID,
			&trip.Headsign,
			&trip.ShortName,
			&trip.DirectionID,
			&route.ID,
			&route.AgencyID,
			&route.ShortName,
			&route.LongName,
			&route.Type,
			&route.Color,
			&route.TextColor,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop time event: %w", err)
		}

		events = append(events, &StopTimeEvent{
			Stop:     stop,
			StopTime: stopTime,
			Trip:     trip,
			Route:    route,
		})
	}

	return events, nil
}

func (r *SQLiteGenerationReader) NearbyStops(lat float64, lng float64, limit int, routeTypes []model.RouteType) ([]model.Stop, error) {
	var stops []*model.Stop
	var err error

	if len(routeTypes) == 0 {
		stops, err = r.getStops()
		if err != nil {
			return nil, fmt.Errorf("getting all stops: %w", err)
		}
	} else {
		// NOTE: With this query, only stops that have an
		// actual trip of the correct route type passing
		// through will be included in the result.
		stops, err = r.getStopsByRouteType(routeTypes)
		if err != nil {
			return nil, fmt.Errorf("getting stops by route type: %w", err)
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

func (r *SQLiteGenerationReader) getStops() ([]*model.Stop, error) {
	rows, err := r.db.Query(`
SELECT id, code, name, lat, lon, location_type, parent_station, platform_code
FROM stops
WHERE stops.location_type = 0 AND parent_station = "" OR stops.location_type = 1`)
	if err != nil {
		return nil, fmt.Errorf("querying for stops: %w", err)
	}
	defer rows.Close()

	stops := []*model.Stop{}
	for rows.Next() {
		stop := &model.Stop{}
		err = rows.Scan(
			&stop.ID,
			&stop.Code,
			&stop.Name,
			&stop.Lat,
			&stop.Lon,
			&stop.LocationType,
			&stop.ParentStation,
			&stop.PlatformCode,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop: %w", err)
		}

		stops = append(stops, stop)
	}

	return stops, nil
}

func (r *SQLiteGenerationReader) getStopsByRouteType(routeTypes []model.RouteType) ([]*model.Stop, error) {
	queryValues := []interface{}{}
	placeholders := []string{}
	for _, rt := range routeTypes {
		queryValues = append(queryValues, int(rt))
		placeholders = append(placeholders, "?")
	}

	rows, err := r.db.Query(`
SELECT DISTINCT
    stops.id,
    stops.code,
    stops.name,
    stops.lat,
    stops.lon,
    stops.location_type,
    stops.parent_station,
    stops.platform_code
FROM stop_times
INNER JOIN trips ON stop_times.trip_id = trips.id
INNER JOIN routes ON trips.route_id = routes.id
INNER JOIN stops ON stop_times.stop_id = stops.id
WHERE
    stops.location_type = 0 AND
    routes.type IN (`+strings.Join(placeholders, ", ")+`)
`, queryValues...)
	if err != nil {
		return nil, fmt.Errorf("querying for stops by route type: %w", err)
	}
	defer rows.Close()

	stops := []*model.Stop{}
	for rows.Next() {
		s := &model.Stop{}
		err := rows.Scan(
			&s.ID,
			&s.Code,
			&s.Name,
			&s.Lat,
			&s.Lon,
			&s.LocationType,
			&s.ParentStation,
			&s.PlatformCode,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop: %w", err)
		}
		stops = append(stops, s)
	}

	return stops, nil
}
