// Package catalog loads the loyalty programs sellers can prove balances against.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sand/loyalty-escrow/backend/internal/entities"
)

type file struct {
	Providers []entities.Provider `yaml:"providers"`
}

// Store persists the catalog.
type Store interface {
	UpsertProviders(ctx context.Context, providers []entities.Provider) error
}

// Default is used when no catalog file is configured or found.
func Default() []entities.Provider {
	return []entities.Provider{
		{
			ID:           "united",
			Name:         "United MileagePlus",
			LoginURL:     "https://www.united.com/en/us/signin",
			DashboardURL: "https://www.united.com/en/us/myunited",
			ItemType:     "miles",
			Selectors:    map[string]string{"balance": "[data-test='mileage-balance']"},
		},
	}
}

// Parse decodes a YAML catalog and validates every entry.
func Parse(data []byte) ([]entities.Provider, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse provider catalog: %w", err)
	}

	seen := make(map[string]bool, len(f.Providers))
	for i, p := range f.Providers {
		p.ID = strings.TrimSpace(p.ID)
		p.ItemType = strings.ToLower(strings.TrimSpace(p.ItemType))

		switch {
		case p.ID == "":
			return nil, fmt.Errorf("provider #%d has no id", i+1)
		case p.ItemType == "":
			return nil, fmt.Errorf("provider %s has no item_type", p.ID)
		case seen[p.ID]:
			return nil, fmt.Errorf("provider %s is listed twice", p.ID)
		}
		seen[p.ID] = true
		f.Providers[i] = p
	}

	return f.Providers, nil
}

// Load reads the catalog at path. A missing or empty path yields the default catalog.
func Load(logger *slog.Logger, path string) ([]entities.Provider, error) {
	if path == "" {
		logger.Info("No provider catalog configured, using defaults")
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("Provider catalog not found, using defaults", "path", path)
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read provider catalog: %w", err)
	}

	return Parse(data)
}

// Sync loads the catalog and upserts it into the store.
func Sync(ctx context.Context, logger *slog.Logger, store Store, path string) error {
	providers, err := Load(logger, path)
	if err != nil {
		return err
	}

	if err = store.UpsertProviders(ctx, providers); err != nil {
		return err
	}

	logger.InfoContext(ctx, "Provider catalog synced", "providers", len(providers))
	return nil
}
