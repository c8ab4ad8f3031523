package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/config"
	"github.com/wojtczak/sygnal/internal/domain"
)

// defaultUniverse is the WIG20 composition used to seed an empty stocks
// table. Operators adjust the monitored set over the API afterwards; the
// seed only guarantees the collectors have work on a fresh install.
var defaultUniverse = []domain.Stock{
	{Symbol: "ALE", Name: "Allegro.eu", Market: "GPW", Industry: "e-commerce", IsMonitored: true},
	{Symbol: "ALR", Name: "Alior Bank", Market: "GPW", Industry: "banking", IsMonitored: true},
	{Symbol: "BDX", Name: "Budimex", Market: "GPW", Industry: "construction", IsMonitored: true},
	{Symbol: "CCC", Name: "CCC", Market: "GPW", Industry: "retail", IsMonitored: true},
	{Symbol: "CDR", Name: "CD Projekt", Market: "GPW", Industry: "gaming", IsMonitored: true},
	{Symbol: "CPS", Name: "Cyfrowy Polsat", Market: "GPW", Industry: "media", IsMonitored: true},
	{Symbol: "DNP", Name: "Dino Polska", Market: "GPW", Industry: "retail", IsMonitored: true},
	{Symbol: "JSW", Name: "Jastrzębska Spółka Węglowa", Market: "GPW", Industry: "mining", IsMonitored: true},
	{Symbol: "KGH", Name: "KGHM Polska Miedź", Market: "GPW", Industry: "mining", IsMonitored: true},
	{Symbol: "KTY", Name: "Grupa Kęty", Market: "GPW", Industry: "industrials", IsMonitored: true},
	{Symbol: "LPP", Name: "LPP", Market: "GPW", Industry: "retail", IsMonitored: true},
	{Symbol: "MBK", Name: "mBank", Market: "GPW", Industry: "banking", IsMonitored: true},
	{Symbol: "OPL", Name: "Orange Polska", Market: "GPW", Industry: "telecom", IsMonitored: true},
	{Symbol: "PCO", Name: "Pepco Group", Market: "GPW", Industry: "retail", IsMonitored: true},
	{Symbol: "PEO", Name: "Bank Pekao", Market: "GPW", Industry: "banking", IsMonitored: true},
	{Symbol: "PGE", Name: "PGE Polska Grupa Energetyczna", Market: "GPW", Industry: "energy", IsMonitored: true},
	{Symbol: "PKN", Name: "Orlen", Market: "GPW", Industry: "energy", IsMonitored: true},
	{Symbol: "PKO", Name: "PKO Bank Polski", Market: "GPW", Industry: "banking", IsMonitored: true},
	{Symbol: "PZU", Name: "PZU", Market: "GPW", Industry: "insurance", IsMonitored: true},
	{Symbol: "SPL", Name: "Santander Bank Polska", Market: "GPW", Industry: "banking", IsMonitored: true},
}

// SeedDefaults populates empty universe and accounts tables so a fresh data
// directory produces signals on the first session. Both seeds are no-ops
// when the tables already hold rows.
func SeedDefaults(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if err := container.StockRepo.EnsureSeeded(defaultUniverse); err != nil {
		return fmt.Errorf("failed to seed stock universe: %w", err)
	}

	op := cfg.Operator
	if op.Email == "" && op.TelegramChatID == "" {
		log.Debug().Msg("No operator contact configured - skipping account seed")
		return nil
	}
	operator := domain.User{
		Email:          op.Email,
		TelegramChatID: op.TelegramChatID,
		IsActive:       true,
	}
	seeded, err := container.UserRepo.EnsureSeeded([]domain.User{operator})
	if err != nil {
		return fmt.Errorf("failed to seed operator account: %w", err)
	}
	if !seeded {
		return nil
	}

	// Point the fresh account's channels at the contacts it actually has;
	// the stock defaults assume email.
	users, err := container.UserRepo.ActiveUsers()
	if err != nil {
		return fmt.Errorf("failed to load seeded operator: %w", err)
	}
	channels := make([]domain.NotificationChannel, 0, 2)
	if op.TelegramChatID != "" {
		channels = append(channels, domain.ChannelTelegram)
	}
	if op.Email != "" {
		channels = append(channels, domain.ChannelEmail)
	}
	for _, u := range users {
		prefs, err := container.UserRepo.Preferences(u.ID)
		if err != nil {
			return fmt.Errorf("failed to load operator preferences: %w", err)
		}
		prefs.Channels = channels
		if err := container.UserRepo.SavePreferences(prefs); err != nil {
			return fmt.Errorf("failed to save operator preferences: %w", err)
		}
	}
	return nil
}
