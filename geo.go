package main

import "math"

// earthRadiusMiles is the mean Earth radius used by the search-radius
// settings, which are expressed in miles.
const earthRadiusMiles = 3958.8

// distanceMiles computes the great-circle distance between two coordinates
// using the haversine formula. It is symmetric in its arguments and zero
// for identical points.
func distanceMiles(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * (math.Pi / 180)
	dLon := (lon2 - lon1) * (math.Pi / 180)
	lat1 = lat1 * (math.Pi / 180)
	lat2 = lat2 * (math.Pi / 180)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLon/2)*math.Sin(dLon/2)*math.Cos(lat1)*math.Cos(lat2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMiles * c
}
