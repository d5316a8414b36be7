package testutil

// Helpers and configuration for tests.

import (
	"archive/zip"
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/boardpi/transit"
	"github.com/boardpi/transit/parse"
	"github.com/boardpi/transit/storage"
)

func BuildStorage(t testing.TB, backend string) storage.Storage {
	var s storage.Storage
	var err error
	if backend == "sqlite" {
		s, err = storage.NewSQLiteStorage()
		require.NoError(t, err)
	} else if backend == "memory" {
		s = storage.NewMemoryStorage()
	}
	require.NotEqual(t, nil, s, "unknown backend %q", backend)

	return s
}

func LoadSchedule(t testing.TB, backend string, buf []byte) *transit.Schedule {
	s := BuildStorage(t, backend)

	// Parse buf into storage
	writer, err := s.GetWriter("test")
	require.NoError(t, err)

	gen, err := parse.ParseStatic(writer, buf)
	require.NoError(t, err)
	gen.Hash = "test"

	require.NoError(t, writer.Close())

	// Create Schedule
	reader, err := s.GetReader("test")
	require.NoError(t, err)

	schedule, err := transit.NewSchedule(reader, gen)
	require.NoError(t, err)

	return schedule
}

func LoadScheduleFile(t testing.TB, backend string, filename string) *transit.Schedule {
	buf, err := os.ReadFile(filename)
	require.NoError(t, err)

	return LoadSchedule(t, backend, buf)
}

func BuildSchedule(
	t testing.TB,
	backend string,
	files map[string][]string,
) *transit.Schedule {

	// Fill in missing files with (mostly blank) dummy data.
	if files["agency.txt"] == nil {
		files["agency.txt"] = []string{"agency_timezone,agency_name,agency_url", "UTC,FooAgency,http://example.com"}
	}
	if files["calendar.txt"] == nil && files["calendar_dates.txt"] == nil {
		files["calendar.txt"] = []string{"service_id"}
	}
	if files["routes.txt"] == nil {
		files["routes.txt"] = []string{"route_id"}
	}
	if files["trips.txt"] == nil {
		files["trips.txt"] = []string{"trip_id"}
	}
	if files["stops.txt"] == nil {
		files["stops.txt"] = []string{"stop_id"}
	}
	if files["stop_times.txt"] == nil {
		files["stop_times.txt"] = []string{"stop_id"}
	}

	buf := BuildZip(t, files)

	return LoadSchedule(t, backend, buf)
}

func BuildZip(
	t testing.TB,
	files map[string][]string,
) []byte {

	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	for filename, content := range files {
		f, err := w.Create(filename)
		require.NoError(t, err)
		_, err = f.Write([]byte(strings.Join(content, "\n")))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	return buf.Bytes()
}
