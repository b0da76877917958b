// Package storetest opens throwaway databases for package tests.
package storetest

import (
	"path/filepath"
	"testing"
	"time"

	"drip/config"
	"drip/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open returns a migrated SQLite database that lives for the duration of t.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "drip.db")
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=foreign_keys(1)"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	// One connection serialises writers the way row locks would in Postgres.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := config.MigrateDB(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Steps builds n static steps with the given delay in minutes between them.
func Steps(n, delayMinutes int) []models.Step {
	steps := make([]models.Step, n)
	for i := range steps {
		steps[i] = models.Step{
			StepIndex:    i,
			DelayMinutes: delayMinutes,
			Subject:      "Step subject",
			HTMLBody:     "<p>Hello {{.CustomerName}}</p>",
		}
	}
	return steps
}

// SeedAutomation stores an automation in the given status.
func SeedAutomation(t testing.TB, db *gorm.DB, trigger models.TriggerType, status models.AutomationStatus, steps []models.Step) *models.Automation {
	t.Helper()
	a := &models.Automation{
		Name:        string(trigger) + " series",
		TriggerType: trigger,
		Status:      status,
		Steps:       steps,
	}
	if err := db.Create(a).Error; err != nil {
		t.Fatalf("seed automation: %v", err)
	}
	return a
}

// SeedCustomer stores a customer in the given segment.
func SeedCustomer(t testing.TB, db *gorm.DB, email string, segment models.Segment) *models.Customer {
	t.Helper()
	c := &models.Customer{Email: email, Name: "Ada", Segment: segment}
	if err := db.Create(c).Error; err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	return c
}

// SeedEnrollment stores an active enrollment at the start of the automation.
func SeedEnrollment(t testing.TB, db *gorm.DB, a *models.Automation, c *models.Customer, enrolledAt time.Time) *models.Enrollment {
	t.Helper()
	e := models.NewEnrollment(a, *c, enrolledAt)
	if err := db.Create(&e).Error; err != nil {
		t.Fatalf("seed enrollment: %v", err)
	}
	return &e
}
