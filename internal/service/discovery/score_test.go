package discovery_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"

	"github.com/oggyb/muzz-connect/internal/db"
	"github.com/oggyb/muzz-connect/internal/service/discovery"
	"github.com/oggyb/muzz-connect/internal/testutil"
)

func bornYearsAgo(years int) time.Time {
	return testutil.Epoch.AddDate(-years, 0, -1)
}

// TestScore_SharedInterest covers U1 (25, travel+music) and U2 (27, music+art).
func TestScore_SharedInterest(t *testing.T) {
	u1 := testutil.User(1, db.GenderMale)
	u1.BirthDate = bornYearsAgo(25)
	u1.Interests = datatypes.JSONSlice[string]{"travel", "music"}

	u2 := testutil.User(2, db.GenderFemale)
	u2.BirthDate = bornYearsAgo(27)
	u2.Interests = datatypes.JSONSlice[string]{"Music", "art"}

	b := discovery.Score(&u1, &u2, testutil.Epoch, discovery.Neutral)

	assert.InDelta(t, 1.0/3.0, b.Interests, 1e-9)
	assert.InDelta(t, 0.8, b.Age, 1e-9)
	assert.Equal(t, discovery.Neutral, b.Lifestyle, "no answers to compare")
	assert.Equal(t, discovery.Neutral, b.Values)

	total := b.Total()
	assert.GreaterOrEqual(t, total, 0.0)
	assert.LessOrEqual(t, total, 1.0)

	want := 0.25*0.8 + 0.25*(1.0/3.0) + 0.15*0.5 + 0.15*0.5 + 0.10*0.5 + 0.10*0.5
	assert.InDelta(t, want, total, 1e-9)
}

func TestWeightsSumToOne(t *testing.T) {
	sum := discovery.WeightAge + discovery.WeightInterests + discovery.WeightLifestyle +
		discovery.WeightValues + discovery.WeightCareer + discovery.WeightBio
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestScore_ClampsOutOfRangeBio(t *testing.T) {
	a, b := testutil.User(1, db.GenderMale), testutil.User(2, db.GenderFemale)

	assert.Equal(t, 1.0, discovery.Score(&a, &b, testutil.Epoch, 7).Bio)
	assert.Equal(t, 0.0, discovery.Score(&a, &b, testutil.Epoch, -3).Bio)

	perfect := discovery.Breakdown{Age: 1, Interests: 1, Lifestyle: 1, Values: 1, Career: 1, Bio: 1}
	assert.InDelta(t, 1.0, perfect.Total(), 1e-9)
}

func TestAgeScore(t *testing.T) {
	assert.Equal(t, 1.0, discovery.AgeScore(30, 30))
	assert.InDelta(t, 0.5, discovery.AgeScore(30, 35), 1e-9)
	assert.Equal(t, 0.0, discovery.AgeScore(20, 45))
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, discovery.Neutral, discovery.Jaccard(nil, []string{"a"}))
	assert.Equal(t, 1.0, discovery.Jaccard([]string{"Hiking ", "hiking"}, []string{"hiking"}))
	assert.Equal(t, 0.0, discovery.Jaccard([]string{"a"}, []string{"b"}))
}

func TestLifestyleScore_SkipsUnanswered(t *testing.T) {
	a := db.Lifestyle{Smoking: "never", Drinking: "socially", Pets: "dog"}
	b := db.Lifestyle{Smoking: "Never", Drinking: "often"}
	assert.InDelta(t, 0.5, discovery.LifestyleScore(a, b), 1e-9)
	assert.Equal(t, discovery.Neutral, discovery.LifestyleScore(db.Lifestyle{}, b))
}

func TestHaversineKm(t *testing.T) {
	// London to Paris
	d := discovery.HaversineKm(51.5074, -0.1278, 48.8566, 2.3522)
	assert.InDelta(t, 343.5, d, 2)
	assert.Equal(t, 0.0, discovery.HaversineKm(10, 10, 10, 10))

	a, b := testutil.User(1, db.GenderMale), testutil.User(2, db.GenderFemale)
	assert.Nil(t, discovery.DistanceKm(&a, &b), "no location, no distance")
}

func TestBoundingBox(t *testing.T) {
	const kmPerDegree = 6371 * math.Pi / 180
	lat, lon := 51.5074, -0.1278
	box := discovery.BoundingBox(lat, lon, 50)

	// points 50 km due north, south, east and west sit inside the box
	for _, p := range [][2]float64{
		{lat + 50/kmPerDegree, lon},
		{lat - 50/kmPerDegree, lon},
	} {
		assert.InDelta(t, 50, discovery.HaversineKm(lat, lon, p[0], p[1]), 0.1)
		assert.True(t, p[0] >= box.MinLat && p[0] <= box.MaxLat)
	}
	east := lon + 50/(kmPerDegree*math.Cos(lat*math.Pi/180))
	assert.InDelta(t, 50, discovery.HaversineKm(lat, lon, lat, east), 0.1)
	assert.LessOrEqual(t, east, box.MaxLon)
	assert.GreaterOrEqual(t, 2*lon-east, box.MinLon)

	// Paris is outside
	assert.Less(t, box.MaxLon, 2.3522)
	assert.Greater(t, box.MinLat, 48.8566)

	// near a pole every longitude is in range
	polar := discovery.BoundingBox(89.9, 10, 50)
	assert.Equal(t, -180.0, polar.MinLon)
	assert.Equal(t, 180.0, polar.MaxLon)
	assert.Equal(t, 90.0, polar.MaxLat)

	// so is a circle crossing the antimeridian
	wrapped := discovery.BoundingBox(0, 179.9, 50)
	assert.Equal(t, -180.0, wrapped.MinLon)
	assert.Equal(t, 180.0, wrapped.MaxLon)
}
