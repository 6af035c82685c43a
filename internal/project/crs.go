package project

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// CRS describes the world coordinate system of a chunk well enough to build
// a local tangent frame at any world point.
type CRS interface {
	Name() string
	// LocalFrame returns the 4x4 transform from world coordinates to the
	// east-north-up frame anchored at p.
	LocalFrame(p r3.Vec) *mat.Dense
}

// Local is a local engineering system that is already east-north-up.
type Local struct{}

func (Local) Name() string { return "local" }

func (Local) LocalFrame(r3.Vec) *mat.Dense { return Identity() }

// Geocentric is an earth-centred, earth-fixed WGS84 system.
type Geocentric struct{}

func (Geocentric) Name() string { return "geocentric" }

const (
	wgs84A  = 6378137.0
	wgs84F  = 1 / 298.257223563
	wgs84B  = wgs84A * (1 - wgs84F)
	wgs84E2 = wgs84F * (2 - wgs84F)
)

func (Geocentric) LocalFrame(p r3.Vec) *mat.Dense {
	lat, lon := geodetic(p)
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)

	east := r3.Vec{X: -sinLon, Y: cosLon, Z: 0}
	north := r3.Vec{X: -sinLat * cosLon, Y: -sinLat * sinLon, Z: cosLat}
	up := r3.Vec{X: cosLat * cosLon, Y: cosLat * sinLon, Z: sinLat}

	m := Identity()
	for i, axis := range []r3.Vec{east, north, up} {
		m.Set(i, 0, axis.X)
		m.Set(i, 1, axis.Y)
		m.Set(i, 2, axis.Z)
		m.Set(i, 3, -r3.Dot(axis, p))
	}
	return m
}

// geodetic converts ECEF coordinates to geodetic latitude and longitude in
// radians using Bowring's approximation.
func geodetic(p r3.Vec) (lat, lon float64) {
	lon = math.Atan2(p.Y, p.X)
	rho := math.Hypot(p.X, p.Y)
	if rho == 0 {
		if p.Z < 0 {
			return -math.Pi / 2, lon
		}
		return math.Pi / 2, lon
	}
	ep2 := (wgs84A*wgs84A - wgs84B*wgs84B) / (wgs84B * wgs84B)
	theta := math.Atan2(p.Z*wgs84A, rho*wgs84B)
	sinT, cosT := math.Sincos(theta)
	lat = math.Atan2(p.Z+ep2*wgs84B*sinT*sinT*sinT, rho-wgs84E2*wgs84A*cosT*cosT*cosT)
	return lat, lon
}

// CRSByName resolves the names used on the engine wire. Unknown names fall
// back to Local.
func CRSByName(name string) CRS {
	switch name {
	case "geocentric", "ecef", "EPSG:4978":
		return Geocentric{}
	default:
		return Local{}
	}
}
