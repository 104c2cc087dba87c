package osgrid

import "testing"

func TestProjectCentralLondon(t *testing.T) {
	// A known central-London grid reference near Charing Cross.
	lat, lon := Project(529090, 179645)

	if lat < 51.50 || lat > 51.51 {
		t.Errorf("latitude = %f, want within [51.50, 51.51]", lat)
	}
	if lon < -0.13 || lon > -0.12 {
		t.Errorf("longitude = %f, want within [-0.13, -0.12]", lon)
	}
}

func TestProjectEdinburghWaverley(t *testing.T) {
	// Edinburgh Waverley, NT 25872 73876 -> 325872, 673876.
	lat, lon := Project(325872, 673876)

	if lat < 55.94 || lat > 55.96 {
		t.Errorf("latitude = %f, want ~55.95", lat)
	}
	if lon < -3.20 || lon > -3.17 {
		t.Errorf("longitude = %f, want ~-3.19", lon)
	}
}

func TestProjectGridOrigin(t *testing.T) {
	// The true origin of the grid (E 400000, N -100000) is at 49N 2W
	// on OSGB36; after the datum shift WGS84 differs by well under a
	// hundredth of a degree.
	lat, lon := Project(400000, -100000)

	if lat < 48.99 || lat > 49.01 {
		t.Errorf("latitude = %f, want ~49.0", lat)
	}
	if lon < -2.01 || lon > -1.99 {
		t.Errorf("longitude = %f, want ~-2.0", lon)
	}
}
