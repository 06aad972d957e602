package database

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/nmslite/hwsentry/internal/globals"
)

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS(), ".")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Fatal("no migrations embedded")
	}

	data, err := fs.ReadFile(migrationsFS(), entries[0].Name())
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"-- +goose Up", "metric_samples", "-- +goose Down"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("first migration does not contain %q", want)
		}
	}
}

func TestConnString(t *testing.T) {
	cfg := globals.DatabaseConfig{Host: "db", Port: 5432, User: "hws", Password: "p@ss", DBName: "hwsentry", SSLMode: "disable"}
	if got := cfg.ConnString(); got != "postgres://hws:p%40ss@db:5432/hwsentry?sslmode=disable" {
		t.Errorf("unexpected connection string %s", got)
	}
}
