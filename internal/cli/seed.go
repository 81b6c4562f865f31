package cli

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"

	"wine-quiz-live/internal/config"
	"wine-quiz-live/internal/domain"
	"wine-quiz-live/internal/infra/memory"
	"wine-quiz-live/internal/infra/postgres"
)

func newSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load questions, teams and users into Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Postgres.URL == "" {
				return fmt.Errorf("postgres url not configured")
			}
			if file, _ := cmd.Flags().GetString("file"); file != "" {
				cfg.Catalog.SeedFile = file
			}
			data, err := catalogData(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := runMigrationsWithConfig(ctx, cfg); err != nil {
				return err
			}
			pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()

			if err := postgres.SeedCatalog(ctx, pool, data.Questions, data.Teams, data.Users); err != nil {
				return err
			}
			slog.Info("catalog seeded", "questions", len(data.Questions), "teams", len(data.Teams), "users", len(data.Users))
			return nil
		},
	}
	cmd.Flags().String("file", "", "YAML catalog file (defaults to catalog.seedFile or the built-in sample)")
	return cmd
}

func catalogData(cfg config.Config) (memory.CatalogData, error) {
	if cfg.Catalog.SeedFile == "" {
		return sampleCatalog(), nil
	}
	return memory.ReadCatalogFile(cfg.Catalog.SeedFile)
}

// sampleCatalog is a small wine catalog for demos and local runs without a seed file.
func sampleCatalog() memory.CatalogData {
	return memory.CatalogData{
		Questions: []domain.Question{
			{
				ID:     "grape-barolo",
				Kind:   domain.QuestionMultipleChoice,
				Prompt: "Which grape is Barolo made from?",
				Choices: []domain.Choice{
					{Label: "A", Text: "Sangiovese"},
					{Label: "B", Text: "Nebbiolo"},
					{Label: "C", Text: "Barbera"},
					{Label: "D", Text: "Dolcetto"},
				},
				CorrectAnswer: "B",
				Weight:        10,
			},
			{
				ID:            "region-sancerre",
				Kind:          domain.QuestionOpen,
				Prompt:        "Name the white grape of Sancerre.",
				CorrectAnswer: "Sauvignon Blanc",
				Weight:        5,
			},
			{
				ID:     "style-port",
				Kind:   domain.QuestionMultipleChoice,
				Prompt: "Port is fortified during or after fermentation?",
				Choices: []domain.Choice{
					{Label: "A", Text: "During"},
					{Label: "B", Text: "After"},
				},
				CorrectAnswer: "A",
				Weight:        3,
			},
		},
		Teams: []domain.Team{
			{ID: "reds", Name: "Reds", Color: "#7b1e3a", MaxMembers: 6},
			{ID: "whites", Name: "Whites", Color: "#f3e5ab", MaxMembers: 6},
		},
		Users: []domain.User{
			{ID: "ana", Name: "Ana", TeamID: "reds", IsLeader: true},
			{ID: "ben", Name: "Ben", TeamID: "reds"},
			{ID: "cleo", Name: "Cleo", TeamID: "whites", IsLeader: true},
			{ID: "dev", Name: "Dev", TeamID: "whites"},
		},
	}
}
