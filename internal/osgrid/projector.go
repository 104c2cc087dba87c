// Package osgrid projects OSGB36 national grid references to WGS84
// geographic coordinates.
//
// The conversion is the standard Ordnance Survey formulation: an
// inverse transverse Mercator projection onto the Airy 1830 ellipsoid
// followed by a seven-parameter Helmert datum shift to WGS84. The
// Helmert parameters are the published EPSG:27700 TOWGS84 set, good to
// roughly five metres, which is far below the positional accuracy of
// the reference data being projected.
package osgrid

import "math"

// Airy 1830 ellipsoid and the national grid projection constants.
const (
	airyA = 6377563.396
	airyB = 6356256.909

	scale0     = 0.9996012717
	latOrigin  = 49.0 * math.Pi / 180
	lonOrigin  = -2.0 * math.Pi / 180
	northOrig0 = -100000.0
	eastOrig0  = 400000.0
)

// WGS84 ellipsoid.
const (
	wgsA = 6378137.0
	wgsB = 6356752.3142
)

// Helmert parameters, OSGB36 to WGS84.
const (
	shiftX = 446.448  // metres
	shiftY = -125.157 // metres
	shiftZ = 542.06   // metres
	rotX   = 0.15     // arc seconds
	rotY   = 0.247    // arc seconds
	rotZ   = 0.842    // arc seconds
	scale  = -20.489  // ppm
)

// Project converts an OSGB36 national grid easting/northing pair to a
// WGS84 latitude/longitude pair in decimal degrees.
func Project(easting, northing float64) (lat, lon float64) {
	phi, lam := gridToGeodetic(easting, northing)
	return helmertToWGS84(phi, lam)
}

// gridToGeodetic runs the inverse transverse Mercator projection,
// yielding latitude/longitude in radians on the Airy 1830 ellipsoid.
func gridToGeodetic(e, n float64) (float64, float64) {
	a, b := airyA, airyB
	ecc2 := (a*a - b*b) / (a * a)
	flat := (a - b) / (a + b)

	// Iterate the meridional arc until it converges on the northing.
	phi := latOrigin
	m := 0.0
	for {
		phi = (n-northOrig0-m)/(a*scale0) + phi
		m = meridionalArc(flat, phi)
		if math.Abs(n-northOrig0-m) < 1e-5 {
			break
		}
	}

	sinPhi := math.Sin(phi)
	nu := a * scale0 / math.Sqrt(1-ecc2*sinPhi*sinPhi)
	rho := a * scale0 * (1 - ecc2) / math.Pow(1-ecc2*sinPhi*sinPhi, 1.5)
	eta2 := nu/rho - 1

	tanPhi := math.Tan(phi)
	tan2 := tanPhi * tanPhi
	tan4 := tan2 * tan2
	secPhi := 1 / math.Cos(phi)
	nu3 := nu * nu * nu
	nu5 := nu3 * nu * nu
	nu7 := nu5 * nu * nu

	vii := tanPhi / (2 * rho * nu)
	viii := tanPhi / (24 * rho * nu3) * (5 + 3*tan2 + eta2 - 9*tan2*eta2)
	ix := tanPhi / (720 * rho * nu5) * (61 + 90*tan2 + 45*tan4)
	x := secPhi / nu
	xi := secPhi / (6 * nu3) * (nu/rho + 2*tan2)
	xii := secPhi / (120 * nu5) * (5 + 28*tan2 + 24*tan4)
	xiia := secPhi / (5040 * nu7) * (61 + 662*tan2 + 1320*tan4 + 720*tan4*tan2)

	de := e - eastOrig0
	de2 := de * de
	phiOut := phi - vii*de2 + viii*de2*de2 - ix*de2*de2*de2
	lamOut := lonOrigin + x*de - xi*de*de2 + xii*de*de2*de2 - xiia*de*de2*de2*de2
	return phiOut, lamOut
}

// meridionalArc computes the developed meridional arc length from the
// latitude of origin to phi.
func meridionalArc(flat, phi float64) float64 {
	f2 := flat * flat
	f3 := f2 * flat
	dPhi := phi - latOrigin
	sPhi := phi + latOrigin
	return airyB * scale0 * ((1+flat+1.25*f2+1.25*f3)*dPhi -
		(3*flat+3*f2+2.625*f3)*math.Sin(dPhi)*math.Cos(sPhi) +
		(1.875*f2+1.875*f3)*math.Sin(2*dPhi)*math.Cos(2*sPhi) -
		35.0/24.0*f3*math.Sin(3*dPhi)*math.Cos(3*sPhi))
}

// helmertToWGS84 shifts Airy 1830 geodetic coordinates (radians) onto
// the WGS84 datum and returns decimal degrees.
func helmertToWGS84(phi, lam float64) (float64, float64) {
	// Geodetic to cartesian on Airy 1830.
	a, b := airyA, airyB
	ecc2 := (a*a - b*b) / (a * a)
	sinPhi, cosPhi := math.Sin(phi), math.Cos(phi)
	nu := a / math.Sqrt(1-ecc2*sinPhi*sinPhi)
	x1 := nu * cosPhi * math.Cos(lam)
	y1 := nu * cosPhi * math.Sin(lam)
	z1 := (1 - ecc2) * nu * sinPhi

	// Position-vector Helmert transform.
	const arcsec = math.Pi / (180 * 3600)
	rx := rotX * arcsec
	ry := rotY * arcsec
	rz := rotZ * arcsec
	s := 1 + scale*1e-6
	x2 := shiftX + s*x1 - rz*y1 + ry*z1
	y2 := shiftY + rz*x1 + s*y1 - rx*z1
	z2 := shiftZ - ry*x1 + rx*y1 + s*z1

	// Cartesian back to geodetic on WGS84.
	a, b = wgsA, wgsB
	ecc2 = (a*a - b*b) / (a * a)
	p := math.Hypot(x2, y2)
	phi2 := math.Atan2(z2, p*(1-ecc2))
	for i := 0; i < 10; i++ {
		sin2 := math.Sin(phi2)
		nu2 := a / math.Sqrt(1-ecc2*sin2*sin2)
		phi2 = math.Atan2(z2+ecc2*nu2*sin2, p)
	}
	lam2 := math.Atan2(y2, x2)
	return phi2 * 180 / math.Pi, lam2 * 180 / math.Pi
}
