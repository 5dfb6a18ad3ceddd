package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/database"
	"github.com/Wikid82/warden/internal/models"
	"github.com/Wikid82/warden/internal/services"
	"github.com/Wikid82/warden/internal/store"
)

// seed populates a fresh database with routing rules, a disabled webhook
// provider and the whitelisted subjects named in WARDEN_SEED_WHITELIST.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}
	fmt.Println("✓ Database migrated successfully")

	// Seed notification providers
	providers := []models.NotificationProvider{
		{
			Name:     "ops-webhook",
			Type:     "webhook",
			URL:      "https://hooks.example.com/warden",
			Template: "detailed",
			Enabled:  false,
			MinLevel: string(models.AlertWarning),
		},
	}
	for _, p := range providers {
		result := db.Where("name = ?", p.Name).FirstOrCreate(&p)
		if result.Error != nil {
			log.Printf("Failed to seed provider %s: %v", p.Name, result.Error)
		} else if result.RowsAffected > 0 {
			fmt.Printf("✓ Created provider: %s (%s)\n", p.Name, p.Type)
		} else {
			fmt.Printf("  Provider already exists: %s\n", p.Name)
		}
	}

	// Seed routing rules
	rules := []models.AlertRule{
		{Name: "critical-to-ops", Level: string(models.AlertCritical), Destinations: "ops-webhook", Priority: 10, Enabled: true},
		{Name: "ddos-to-ops", Component: "ddos", Destinations: "ops-webhook", Priority: 20, Enabled: true},
		{Name: "abuse-warnings", Component: "abuse", Level: string(models.AlertWarning), Destinations: "ops-webhook", Priority: 30, Enabled: true},
	}
	for _, r := range rules {
		result := db.Where("name = ?", r.Name).FirstOrCreate(&r)
		if result.Error != nil {
			log.Printf("Failed to seed rule %s: %v", r.Name, result.Error)
		} else if result.RowsAffected > 0 {
			fmt.Printf("✓ Created rule: %s -> %s\n", r.Name, r.Destinations)
		} else {
			fmt.Printf("  Rule already exists: %s\n", r.Name)
		}
	}

	// Seed whitelist through the lifecycle manager so audits are written
	raw := strings.TrimSpace(os.Getenv("WARDEN_SEED_WHITELIST"))
	if raw == "" {
		return
	}
	gw := store.NewGormStore(db, cfg.Security.StoreTimeout)
	security := services.NewSecurityService(db, nil)
	lifecycle := services.NewLifecycleManager(gw, cfg.Lifecycle, nil, security)
	for _, subject := range strings.Split(raw, ",") {
		subject = strings.TrimSpace(subject)
		if subject == "" {
			continue
		}
		_, err := lifecycle.Add(context.Background(), subject, models.MembershipWhitelisted, "seed", services.AddOptions{Actor: "seed", Override: true})
		if err != nil {
			log.Printf("Failed to whitelist %s: %v", subject, err)
			continue
		}
		fmt.Printf("✓ Whitelisted: %s\n", subject)
	}
}
