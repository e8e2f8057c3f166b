// Package stationhash computes the stable station identity hash used
// throughout clustercore as the primary key for detector stations.
package stationhash

import "github.com/cespare/xxhash/v2"

// Hash is the stable 64-bit identity of a station, derived from its
// site id: `hash = stable_hash(site_id)`. It must be deterministic and
// stable across processes so that a station keeps its identity across
// restarts and across every consumer of the pub/sub stream.
type Hash uint64

// SiteID returns the `username ⧺ station_id` concatenation that
// identifies a site, from which the station Hash is derived.
func SiteID(username, stationID string) string {
	return username + stationID
}

// Of computes the stable hash of a site id. xxhash.Sum64String is a
// pure function of its input with no process-local seed, so the
// result is reproducible across restarts and across every process
// that ingests the same topic.
func Of(siteID string) Hash {
	return Hash(xxhash.Sum64String(siteID))
}

// OfUserStation is a convenience wrapper combining SiteID and Of.
func OfUserStation(username, stationID string) Hash {
	return Of(SiteID(username, stationID))
}
