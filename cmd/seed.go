package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"chatbridge/pkg/store"

	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed <file.json>",
	Short: "Load knowledge entries and module context into the store",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log, err := loadRuntime("cmd.seed")
		if err != nil {
			fmt.Println(err)
			return
		}

		data, err := readSeedFile(args[0])
		if err != nil {
			log.Error("Failed to read seed file", "path", args[0], "error", err)
			return
		}

		db, err := store.Open(cfg.Store.DatabasePath(), log)
		if err != nil {
			log.Error("Failed to open store", "error", err)
			return
		}
		defer db.Close()

		if err := db.Seed(context.Background(), data); err != nil {
			log.Error("Failed to seed store", "error", err)
			return
		}

		log.Info("Store seeded",
			"path", cfg.Store.DatabasePath(),
			"knowledge_entries", len(data.Knowledge),
			"module_context", data.ModuleContext != "",
		)
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func readSeedFile(path string) (store.SeedData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return store.SeedData{}, err
	}

	var data store.SeedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return store.SeedData{}, fmt.Errorf("parse seed file: %w", err)
	}

	return data, nil
}
