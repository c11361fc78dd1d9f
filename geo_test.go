package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceMilesZeroAtIdentity(t *testing.T) {
	points := [][2]float64{
		{0, 0},
		{30.2672, -97.7431},  // Austin
		{-33.8688, 151.2093}, // Sydney
		{89.9, 179.9},
	}
	for _, p := range points {
		assert.InDelta(t, 0, distanceMiles(p[0], p[1], p[0], p[1]), 1e-9)
	}
}

func TestDistanceMilesSymmetric(t *testing.T) {
	pairs := [][4]float64{
		{30.2672, -97.7431, 29.7604, -95.3698}, // Austin <-> Houston
		{40.7128, -74.0060, 34.0522, -118.2437},
		{0, 0, 0.001, 0.001},
		{-45, 170, 45, -170},
	}
	for _, p := range pairs {
		ab := distanceMiles(p[0], p[1], p[2], p[3])
		ba := distanceMiles(p[2], p[3], p[0], p[1])
		assert.InDelta(t, ab, ba, 1e-9)
	}
}

func TestDistanceMilesKnownValues(t *testing.T) {
	// Austin -> Houston is roughly 146 miles as the crow flies.
	d := distanceMiles(30.2672, -97.7431, 29.7604, -95.3698)
	assert.InDelta(t, 146, d, 5)

	// One degree of latitude is about 69 miles.
	d = distanceMiles(0, 0, 1, 0)
	assert.InDelta(t, 69.1, d, 0.5)
}
