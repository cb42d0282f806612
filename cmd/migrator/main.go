package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"aniyuu/internal/config"
	"aniyuu/internal/domain/models"
	"aniyuu/internal/storage"
	"aniyuu/internal/storage/mongodb"
	"aniyuu/internal/storage/sqlite"

	"golang.org/x/crypto/bcrypt"
)

type userSaver interface {
	SaveUser(ctx context.Context, user models.User) (string, error)
}

func main() {
	var configPath, adminEmail, adminPassword string
	flag.StringVar(&configPath, "config", "", "path to config file (or use CONFIG_PATH env)")
	flag.StringVar(&adminEmail, "admin-email", "", "seed an active admin user with this email")
	flag.StringVar(&adminPassword, "admin-password", "", "password for the seeded admin user")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}

	cfg := config.MustLoadPath(configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var saver userSaver

	switch cfg.Storage.Kind {
	case config.StorageMongo:
		log.Println("Connecting to MongoDB...")

		s, err := mongodb.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			log.Fatalf("failed to connect to mongodb: %v", err)
		}
		defer func() { _ = s.Close(context.Background()) }()

		log.Println("MongoDB connected, indexes created successfully")
		saver = s
	default:
		s, err := sqlite.New(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("failed to open sqlite: %v", err)
		}
		defer func() { _ = s.Close() }()

		if err := s.Migrate(); err != nil {
			log.Fatalf("failed to apply migrations: %v", err)
		}

		log.Println("SQLite migrations applied")
		saver = s
	}

	if adminEmail != "" {
		if err := seedAdmin(ctx, saver, adminEmail, adminPassword); err != nil {
			log.Fatalf("failed to seed admin: %v", err)
		}
	}

	fmt.Println("Database initialization completed successfully")
}

func seedAdmin(ctx context.Context, saver userSaver, email, password string) error {
	if len(password) < 8 {
		return errors.New("admin password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	id, err := saver.SaveUser(ctx, models.User{
		FullName:  "Administrator",
		Username:  "admin",
		Email:     email,
		PassHash:  hash,
		Roles:     []string{models.RoleUser, models.RoleAdmin},
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if errors.Is(err, storage.ErrUserExists) {
		log.Printf("Admin %s already exists, skipping", email)
		return nil
	}
	if err != nil {
		return err
	}

	log.Printf("Admin seeded (id=%s, email=%s)", id, email)
	return nil
}
