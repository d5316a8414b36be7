// Package dedup finds groups of stops that riders think of as one
// stop: platforms and poles with near-identical names placed within a
// few dozen meters of each other.
package dedup

import (
	"sort"

	"github.com/boardpi/transit/model"
	"github.com/boardpi/transit/storage"
)

const (
	DefaultMaxDistanceMeters = 50.0
	DefaultMinNameSimilarity = 0.8
)

type Options struct {
	// Max distance in meters between two stops for them to be
	// considered duplicates.
	MaxDistanceMeters float64

	// Min normalized name similarity, in [0, 1].
	MinNameSimilarity float64
}

// Partitions stops into duplicate groups. Two stops end up in the
// same group if they are close enough and their names are similar
// enough, either directly or through a chain of such pairs. Stops
// without a nearby namesake are left out of the result entirely.
func Detect(stops []*model.Stop, opts Options) []*model.StopGroup {
	if opts.MaxDistanceMeters == 0 {
		opts.MaxDistanceMeters = DefaultMaxDistanceMeters
	}
	if opts.MinNameSimilarity == 0 {
		opts.MinNameSimilarity = DefaultMinNameSimilarity
	}

	// Only boardable locations can be duplicates of each other.
	candidates := []*model.Stop{}
	for _, s := range stops {
		if s.LocationType != model.LocationTypeStop {
			continue
		}
		candidates = append(candidates, s)
	}

	normalized := make([]string, len(candidates))
	for i, s := range candidates {
		normalized[i] = NormalizeName(s.Name)
	}

	uf := newUnionFind(len(candidates))
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			a, b := candidates[i], candidates[j]
			dist := storage.HaversineMeters(a.Lat, a.Lon, b.Lat, b.Lon)
			if dist > opts.MaxDistanceMeters {
				continue
			}
			if Similarity(normalized[i], normalized[j]) < opts.MinNameSimilarity {
				continue
			}
			uf.union(i, j)
		}
	}

	members := map[int][]*model.Stop{}
	for i := range candidates {
		root := uf.find(i)
		members[root] = append(members[root], candidates[i])
	}

	groups := []*model.StopGroup{}
	for _, stops := range members {
		if len(stops) < 2 {
			continue
		}

		sort.Slice(stops, func(i, j int) bool {
			return stops[i].ID < stops[j].ID
		})

		group := &model.StopGroup{
			ID:   "group:" + stops[0].ID,
			Name: stops[0].Name,
		}
		for _, s := range stops {
			group.StopIDs = append(group.StopIDs, s.ID)
		}
		groups = append(groups, group)
	}

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].ID < groups[j].ID
	})

	return groups
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{
		parent: make([]int, n),
		rank:   make([]int, n),
	}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(i int) int {
	for uf.parent[i] != i {
		uf.parent[i] = uf.parent[uf.parent[i]]
		i = uf.parent[i]
	}
	return i
}

func (uf *unionFind) union(i, j int) {
	ri, rj := uf.find(i), uf.find(j)
	if ri == rj {
		return
	}
	if uf.rank[ri] < uf.rank[rj] {
		ri, rj = rj, ri
	}
	uf.parent[rj] = ri
	if uf.rank[ri] == uf.rank[rj] {
		uf.rank[ri]++
	}
}
