package dedup_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardpi/transit/dedup"
	"github.com/boardpi/transit/model"
)

func TestNormalizeName(t *testing.T) {
	for _, tc := range []struct {
		Input    string
		Expected string
	}{
		{"14 St-Union Sq", "14 st union sq"},
		{"14 St - Union Sq", "14 st union sq"},
		{"Gare de l'Est (Quai A)", "gare de l est quai a"},
		{"Malmö C", "malmo c"},
		{"  WEIRD   spacing\t", "weird spacing"},
		{"Ångström/Épée", "angstrom epee"},
		{"!!!", ""},
		{"", ""},
	} {
		assert.Equal(t, tc.Expected, dedup.NormalizeName(tc.Input), "input %q", tc.Input)
	}
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, dedup.Similarity("main st", "main st"))
	assert.Equal(t, 1.0, dedup.Similarity("", ""))
	assert.Equal(t, 0.0, dedup.Similarity("main st", ""))
	assert.Equal(t, 0.0, dedup.Similarity("", "main st"))

	// Two edits against a 9 rune name.
	assert.InDelta(t, 1.0-2.0/9.0, dedup.Similarity("main st", "main st n"), 1e-9)

	// Nothing in common.
	assert.Equal(t, 0.0, dedup.Similarity("abc", "xyz"))
}

// Platforms with the same rider facing name a few meters apart are one
// group, and chains of such pairs merge even when the endpoints are
// farther apart than the distance threshold.
func TestDetectGroupsNearbyNamesakes(t *testing.T) {
	stops := []*model.Stop{
		// At latitude 40, 0.0003 degrees is roughly 33 meters.
		{ID: "n1", Name: "14 St-Union Sq", Lat: 40.0, Lon: -74.0},
		{ID: "n2", Name: "14 St - Union Sq", Lat: 40.0003, Lon: -74.0},
		{ID: "n3", Name: "14 ST UNION SQ", Lat: 40.0006, Lon: -74.0},

		// Same name, but 1km away.
		{ID: "far", Name: "14 St-Union Sq", Lat: 40.01, Lon: -74.0},

		// Close by, but the name isn't similar enough.
		{ID: "other", Name: "Broadway Junction", Lat: 40.0001, Lon: -74.0},

		// No namesake anywhere.
		{ID: "lone", Name: "City Hall", Lat: 41.0, Lon: -74.0},
	}

	groups := dedup.Detect(stops, dedup.Options{})

	require.Len(t, groups, 1)
	assert.Equal(t, "group:n1", groups[0].ID)
	assert.Equal(t, "14 St-Union Sq", groups[0].Name)
	// n1 and n3 are 67m apart, but both are within 50m of n2.
	assert.Equal(t, []string{"n1", "n2", "n3"}, groups[0].StopIDs)
}

func TestDetectIgnoresNonBoardableLocations(t *testing.T) {
	stops := []*model.Stop{
		{ID: "p1", Name: "Central", Lat: 40.0, Lon: -74.0},
		{ID: "p2", Name: "Central", Lat: 40.0001, Lon: -74.0},
		{
			ID:           "station",
			Name:         "Central",
			Lat:          40.00005,
			Lon:          -74.0,
			LocationType: model.LocationTypeStation,
		},
		{
			ID:           "gate",
			Name:         "Central",
			Lat:          40.00005,
			Lon:          -74.0,
			LocationType: model.LocationTypeEntranceExit,
		},
	}

	groups := dedup.Detect(stops, dedup.Options{})

	require.Len(t, groups, 1)
	assert.Equal(t, []string{"p1", "p2"}, groups[0].StopIDs)
}

func TestDetectThresholds(t *testing.T) {
	// "14 st" vs "14th st" is 2 edits over 7 runes, similarity 0.714.
	stops := []*model.Stop{
		{ID: "a", Name: "14 St", Lat: 40.0, Lon: -74.0},
		{ID: "b", Name: "14th St", Lat: 40.0001, Lon: -74.0},
	}

	// Below the default 0.8 similarity cutoff.
	assert.Empty(t, dedup.Detect(stops, dedup.Options{}))

	// A laxer cutoff accepts the pair.
	groups := dedup.Detect(stops, dedup.Options{MinNameSimilarity: 0.7})
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"a", "b"}, groups[0].StopIDs)

	// Identical names 111m apart need a larger distance cutoff.
	stops = []*model.Stop{
		{ID: "a", Name: "14 St", Lat: 40.0, Lon: -74.0},
		{ID: "b", Name: "14 St", Lat: 40.001, Lon: -74.0},
	}

	assert.Empty(t, dedup.Detect(stops, dedup.Options{}))

	groups = dedup.Detect(stops, dedup.Options{MaxDistanceMeters: 150})
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"a", "b"}, groups[0].StopIDs)
}

func TestDetectMultipleGroupsSorted(t *testing.T) {
	stops := []*model.Stop{
		{ID: "z1", Name: "Harbor", Lat: 40.1, Lon: -74.0},
		{ID: "z2", Name: "Harbor", Lat: 40.1001, Lon: -74.0},
		{ID: "a1", Name: "Airport", Lat: 40.2, Lon: -74.0},
		{ID: "a2", Name: "Airport", Lat: 40.2001, Lon: -74.0},
	}

	groups := dedup.Detect(stops, dedup.Options{})

	require.Len(t, groups, 2)
	assert.Equal(t, "group:a1", groups[0].ID)
	assert.Equal(t, []string{"a1", "a2"}, groups[0].StopIDs)
	assert.Equal(t, "group:z1", groups[1].ID)
	assert.Equal(t, []string{"z1", "z2"}, groups[1].StopIDs)
}
