package db

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	seedInterests = []string{"hiking", "cooking", "travel", "music", "reading", "gaming", "yoga", "film", "art", "running"}
	seedValues    = []string{"family", "faith", "honesty", "ambition", "kindness", "adventure"}
	seedSmoking   = []string{"never", "sometimes", "often"}
	seedExercise  = []string{"daily", "weekly", "rarely"}
	seedCareers   = []string{"engineer", "nurse", "doctor", "designer", "lawyer"}
)

// SeedTestData resets the database and populates it with demo users,
// preferences and one-way likes.
//
// Behavior:
//  1. Clears every table in reverse dependency order.
//  2. Creates 20 users (10 male, 10 female) with hashed passwords, profiles
//     around London and quota counters.
//  3. Generates random like/pass edges between opposite genders (~70% likes).
//
// Matches are not seeded: they appear as soon as a seeded user likes back.
func SeedTestData(db *gorm.DB) error {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	if err := Reset(db); err != nil {
		return err
	}
	slog.Info("cleared existing data")

	hash, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now().UTC()
	for i := 1; i <= 20; i++ {
		gender := GenderMale
		interested := GenderFemale
		if i > 10 {
			gender, interested = GenderFemale, GenderMale
		}
		lat := 51.50 + r.Float64()*0.2
		lon := -0.20 + r.Float64()*0.2
		lastLogin := now.Add(-time.Duration(r.Intn(500)) * time.Hour)

		user := User{
			Username:            fmt.Sprintf("user%d", i),
			Email:               fmt.Sprintf("user%d@example.com", i),
			PasswordHash:        string(hash),
			Gender:              gender,
			Active:              true,
			Discoverable:        true,
			Verified:            i%3 == 0,
			BirthDate:           now.AddDate(-(20 + r.Intn(20)), -r.Intn(12), 0),
			LastLoginAt:         &lastLogin,
			Latitude:            &lat,
			Longitude:           &lon,
			Bio:                 fmt.Sprintf("Hi, I'm user %d.", i),
			Interests:           datatypes.NewJSONSlice(pick(r, seedInterests, 4)),
			Values:              datatypes.NewJSONSlice(pick(r, seedValues, 2)),
			Lifestyle:           datatypes.NewJSONType(Lifestyle{Smoking: seedSmoking[r.Intn(3)], Exercise: seedExercise[r.Intn(3)]}),
			Career:              seedCareers[r.Intn(len(seedCareers))],
			SuperLikesRemaining: 5,
			BoostsRemaining:     1,
		}
		if err := db.Create(&user).Error; err != nil {
			return fmt.Errorf("failed to seed user: %w", err)
		}

		pref := DefaultPreference(user.ID)
		pref.InterestedIn = interested
		if err := db.Create(&pref).Error; err != nil {
			return fmt.Errorf("failed to seed preference: %w", err)
		}
	}
	slog.Info("seeded users", "count", 20)

	edges := 0
	for actorID := uint64(1); actorID <= 20; actorID++ {
		for j := 0; j < 6; j++ {
			targetID := uint64(r.Intn(20) + 1)
			// opposite gender only: 1-10 male, 11-20 female
			if (actorID <= 10) == (targetID <= 10) {
				continue
			}
			kind := SwipeLike
			if r.Intn(100) >= 70 {
				kind = SwipePass
			}
			res := db.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&SwipeAction{ActorID: actorID, TargetID: targetID, Kind: kind})
			if res.Error != nil {
				return fmt.Errorf("failed to seed swipe: %w", res.Error)
			}
			edges += int(res.RowsAffected)
		}
	}
	slog.Info("seeded swipes", "count", edges)

	return nil
}

// Reset deletes every row of every table.
func Reset(db *gorm.DB) error {
	models := Models()
	for i := len(models) - 1; i >= 0; i-- {
		if err := db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(models[i]).Error; err != nil {
			return fmt.Errorf("failed to clear %T: %w", models[i], err)
		}
	}
	return nil
}

// SeedMinimalTestData inserts a small deterministic dataset.
//
// Dataset:
//   - Users: 1 (male), 2 (female), 3 (female), all adults, discoverable
//   - Swipes:
//   - 1 → 2 like
//   - 3 → 1 like (hidden from 1's likers because 1 passed 3)
//   - 1 → 3 pass
func SeedMinimalTestData(db *gorm.DB) error {
	if err := Reset(db); err != nil {
		return err
	}

	born := time.Date(1995, 1, 1, 0, 0, 0, 0, time.UTC)
	users := []User{
		{ID: 1, Username: "user1", Email: "u1@test.com", PasswordHash: "x", Gender: GenderMale, BirthDate: born, Active: true, Discoverable: true, SuperLikesRemaining: 1, BoostsRemaining: 1},
		{ID: 2, Username: "user2", Email: "u2@test.com", PasswordHash: "x", Gender: GenderFemale, BirthDate: born, Active: true, Discoverable: true, SuperLikesRemaining: 1},
		{ID: 3, Username: "user3", Email: "u3@test.com", PasswordHash: "x", Gender: GenderFemale, BirthDate: born, Active: true, Discoverable: true},
	}
	if err := db.Create(&users).Error; err != nil {
		return err
	}

	swipes := []SwipeAction{
		{ActorID: 1, TargetID: 2, Kind: SwipeLike},
		{ActorID: 3, TargetID: 1, Kind: SwipeLike},
		{ActorID: 1, TargetID: 3, Kind: SwipePass},
	}
	return db.Create(&swipes).Error
}

func pick(r *rand.Rand, from []string, n int) []string {
	idx := r.Perm(len(from))
	out := make([]string, 0, n)
	for _, i := range idx[:n] {
		out = append(out, from[i])
	}
	return out
}
