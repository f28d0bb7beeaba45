// Package geo holds the projection math shared by the acquisition sources:
// WebMercator tile addressing for XYZ services and the MODIS sinusoidal grid
// used to turn tile identifiers into WGS84 footprints.
package geo

import (
	"math"
	"strconv"
	"strings"

	"github.com/glorpus-work/planetile/pkg/errors"
)

// WebMercator constants.
const (
	OriginShift = 20037508.342789244
	MaxLatitude = 85.05112878
)

// MODIS sinusoidal grid constants.
const (
	SinusoidalEarthRadius = 6_371_007.181
	SinusoidalTileSize    = 1_111_950.5196666666
	SinusoidalHTiles      = 36
	SinusoidalVTiles      = 18
)

// BBox is a geographic extent in min_lon, min_lat, max_lon, max_lat order.
type BBox struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// Tile addresses one XYZ tile.
type Tile struct {
	Z int
	X int
	Y int
}

// TileRange is an inclusive rectangle of tile indices at one zoom level.
type TileRange struct {
	MinX int
	MaxX int
	MinY int
	MaxY int
}

// Count returns the number of tiles covered by the range.
func (r TileRange) Count() int {
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// LonToTile returns the fractional X tile coordinate of a longitude.
func LonToTile(lon float64, zoom int) float64 {
	n := float64(int(1) << zoom)
	return (lon + 180.0) / 360.0 * n
}

// LatToTile returns the fractional Y tile coordinate of a latitude,
// clamped to the WebMercator latitude limit.
func LatToTile(lat float64, zoom int) float64 {
	lat = clamp(lat, -MaxLatitude, MaxLatitude)
	latRad := lat * math.Pi / 180.0
	n := float64(int(1) << zoom)
	return (1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n
}

// TilesForBBox returns the inclusive tile range covering a bbox at a zoom
// level. The upper-edge epsilon keeps bboxes that end exactly on a tile
// boundary from spilling into the next row or column.
func TilesForBBox(bbox BBox, zoom int) TileRange {
	minLon := clamp(bbox.MinLon, -180.0, 180.0)
	maxLon := clamp(bbox.MaxLon, -180.0, 180.0)
	minLat := clamp(bbox.MinLat, -MaxLatitude, MaxLatitude)
	maxLat := clamp(bbox.MaxLat, -MaxLatitude, MaxLatitude)

	const epsilon = 1e-9
	xMin := int(math.Floor(LonToTile(minLon, zoom)))
	xMax := int(math.Floor(LonToTile(maxLon-epsilon, zoom)))
	yMin := int(math.Floor(LatToTile(maxLat-epsilon, zoom)))
	yMax := int(math.Floor(LatToTile(minLat, zoom)))

	n := (1 << zoom) - 1
	clampIdx := func(v int) int {
		if v < 0 {
			return 0
		}
		if v > n {
			return n
		}
		return v
	}
	return TileRange{
		MinX: clampIdx(xMin),
		MaxX: clampIdx(xMax),
		MinY: clampIdx(yMin),
		MaxY: clampIdx(yMax),
	}
}

// TileBoundsMercator returns the EPSG:3857 extent of one tile in
// minx, miny, maxx, maxy order.
func TileBoundsMercator(t Tile) (minx, miny, maxx, maxy float64) {
	n := float64(int(1) << t.Z)
	size := (OriginShift * 2) / n
	minx = -OriginShift + float64(t.X)*size
	maxx = minx + size
	maxy = OriginShift - float64(t.Y)*size
	miny = maxy - size
	return minx, miny, maxx, maxy
}

// BBoxAroundPoint builds a geographic bbox of the given metric extent
// centered on a point, clamped to valid coordinates.
func BBoxAroundPoint(lat, lon, widthM, heightM float64) (BBox, error) {
	if widthM <= 0 || heightM <= 0 {
		return BBox{}, errors.Wrap(errors.ErrConfigValidation,
			"bbox extent must be positive")
	}
	const metersPerDegreeLat = 111_320.0
	deltaLat := heightM / 2.0 / metersPerDegreeLat
	metersPerDegreeLon := math.Max(1e-6, metersPerDegreeLat*math.Cos(lat*math.Pi/180.0))
	deltaLon := widthM / 2.0 / metersPerDegreeLon
	return BBox{
		MinLon: clamp(lon-deltaLon, -180.0, 180.0),
		MinLat: clamp(lat-deltaLat, -90.0, 90.0),
		MaxLon: clamp(lon+deltaLon, -180.0, 180.0),
		MaxLat: clamp(lat+deltaLat, -90.0, 90.0),
	}, nil
}

// ModisTile is a parsed hNNvNN sinusoidal grid identifier.
type ModisTile struct {
	H int
	V int
}

// ParseModisTile validates and parses an identifier like "h29v05".
func ParseModisTile(id string) (ModisTile, error) {
	lower := strings.ToLower(id)
	if len(lower) != 6 || lower[0] != 'h' || lower[3] != 'v' {
		return ModisTile{}, errors.Wrapf(errors.ErrConfigValidation,
			"invalid MODIS tile identifier: %s", id)
	}
	h, errH := strconv.Atoi(lower[1:3])
	v, errV := strconv.Atoi(lower[4:6])
	if errH != nil || errV != nil {
		return ModisTile{}, errors.Wrapf(errors.ErrConfigValidation,
			"invalid MODIS tile identifier: %s", id)
	}
	if h < 0 || h >= SinusoidalHTiles || v < 0 || v >= SinusoidalVTiles {
		return ModisTile{}, errors.Wrapf(errors.ErrConfigValidation,
			"MODIS tile index out of range: %s", id)
	}
	return ModisTile{H: h, V: v}, nil
}

// Polygon returns the tile footprint as a closed ring of lon/lat pairs,
// corner order NW, NE, SE, SW, NW.
func (t ModisTile) Polygon() [][2]float64 {
	originX := SinusoidalTileSize * SinusoidalHTiles / 2.0
	originY := SinusoidalTileSize * SinusoidalVTiles / 2.0
	x0 := float64(t.H)*SinusoidalTileSize - originX
	y0 := originY - float64(t.V)*SinusoidalTileSize
	x1 := x0 + SinusoidalTileSize
	y1 := y0 - SinusoidalTileSize

	corners := [][2]float64{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}}
	ring := make([][2]float64, 0, len(corners)+1)
	for _, c := range corners {
		ring = append(ring, sinusoidalToLonLat(c[0], c[1]))
	}
	ring = append(ring, ring[0])
	return ring
}

func sinusoidalToLonLat(x, y float64) [2]float64 {
	latRad := y / SinusoidalEarthRadius
	cosLat := math.Cos(latRad)
	if math.Abs(cosLat) < 1e-12 {
		if cosLat >= 0 {
			cosLat = 1e-12
		} else {
			cosLat = -1e-12
		}
	}
	lonRad := x / (SinusoidalEarthRadius * cosLat)
	return [2]float64{lonRad * 180.0 / math.Pi, latRad * 180.0 / math.Pi}
}
