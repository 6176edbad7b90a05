package discovery

import (
	"math"
	"strings"
	"time"

	"github.com/oggyb/muzz-connect/internal/db"
	"github.com/oggyb/muzz-connect/internal/repository"
)

// Sub-score weights. They sum to 1.0.
const (
	WeightAge       = 0.25
	WeightInterests = 0.25
	WeightLifestyle = 0.15
	WeightValues    = 0.15
	WeightCareer    = 0.10
	WeightBio       = 0.10

	// Neutral is used when a sub-score has nothing to compare.
	Neutral = 0.5

	// ageSpan is the age gap at which the age sub-score reaches zero.
	ageSpan = 10.0

	earthRadiusKm = 6371.0
)

// Breakdown holds the clamped sub-scores of one candidate.
type Breakdown struct {
	Age       float64 `json:"age"`
	Interests float64 `json:"interests"`
	Lifestyle float64 `json:"lifestyle"`
	Values    float64 `json:"values"`
	Career    float64 `json:"career"`
	Bio       float64 `json:"bio"`
}

// Total is the weighted sum, clamped to [0,1].
func (b Breakdown) Total() float64 {
	return clamp(WeightAge*b.Age +
		WeightInterests*b.Interests +
		WeightLifestyle*b.Lifestyle +
		WeightValues*b.Values +
		WeightCareer*b.Career +
		WeightBio*b.Bio)
}

// Score compares two profiles. bio is the externally supplied bio score,
// already defaulted to Neutral by the caller when unavailable.
func Score(a, b *db.User, now time.Time, bio float64) Breakdown {
	return Breakdown{
		Age:       AgeScore(a.Age(now), b.Age(now)),
		Interests: Jaccard(a.Interests, b.Interests),
		Lifestyle: LifestyleScore(a.Lifestyle.Data(), b.Lifestyle.Data()),
		Values:    Jaccard(a.Values, b.Values),
		Career:    CareerScore(a, b),
		Bio:       clamp(bio),
	}
}

// AgeScore decays linearly from 1 at the same age to 0 at ageSpan years apart.
func AgeScore(a, b int) float64 {
	return clamp(1 - math.Abs(float64(a-b))/ageSpan)
}

// Jaccard is |A∩B| / |A∪B| over case-insensitive, trimmed terms. Neutral
// when either side is empty.
func Jaccard(a, b []string) float64 {
	setA, setB := normSet(a), normSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return Neutral
	}
	shared := 0
	for k := range setA {
		if _, ok := setB[k]; ok {
			shared++
		}
	}
	union := len(setA) + len(setB) - shared
	return clamp(float64(shared) / float64(union))
}

// LifestyleScore is the share of habits answered by both sides that agree.
func LifestyleScore(a, b db.Lifestyle) float64 {
	pairs := [][2]string{
		{a.Smoking, b.Smoking},
		{a.Drinking, b.Drinking},
		{a.Exercise, b.Exercise},
		{a.Diet, b.Diet},
		{a.Pets, b.Pets},
	}
	return agreement(pairs)
}

// CareerScore compares career and education the same way as lifestyle.
func CareerScore(a, b *db.User) float64 {
	return agreement([][2]string{
		{a.Career, b.Career},
		{a.Education, b.Education},
	})
}

func agreement(pairs [][2]string) float64 {
	compared, same := 0, 0
	for _, p := range pairs {
		x, y := norm(p[0]), norm(p[1])
		if x == "" || y == "" {
			continue
		}
		compared++
		if x == y {
			same++
		}
	}
	if compared == 0 {
		return Neutral
	}
	return float64(same) / float64(compared)
}

// HaversineKm returns the great-circle distance between two points.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// BoundingBox returns a box holding every point within km of (lat, lon).
// Longitude stays unbounded when the circle reaches a pole or crosses the
// antimeridian.
func BoundingBox(lat, lon, km float64) repository.GeoBox {
	const slack = 1e-6
	dLat := km/earthRadiusKm*180/math.Pi + slack
	box := repository.GeoBox{MinLat: lat - dLat, MaxLat: lat + dLat, MinLon: -180, MaxLon: 180}
	if box.MinLat <= -90 || box.MaxLat >= 90 {
		box.MinLat, box.MaxLat = math.Max(box.MinLat, -90), math.Min(box.MaxLat, 90)
		return box
	}
	s := math.Sin(km/earthRadiusKm) / math.Cos(lat*math.Pi/180)
	if s >= 1 {
		return box
	}
	dLon := math.Asin(s)*180/math.Pi + slack
	if lon-dLon < -180 || lon+dLon > 180 {
		return box
	}
	box.MinLon, box.MaxLon = lon-dLon, lon+dLon
	return box
}

// DistanceKm is nil when either side has no location.
func DistanceKm(a, b *db.User) *float64 {
	if a.Latitude == nil || a.Longitude == nil || b.Latitude == nil || b.Longitude == nil {
		return nil
	}
	d := HaversineKm(*a.Latitude, *a.Longitude, *b.Latitude, *b.Longitude)
	return &d
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func normSet(in []string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, s := range in {
		if n := norm(s); n != "" {
			out[n] = struct{}{}
		}
	}
	return out
}
