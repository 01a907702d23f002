// Command keygen is the operator tool for minting and listing license
// keys directly against the store file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/nivara-ai/museflow/internal/config"
	"github.com/nivara-ai/museflow/internal/ledger"
	"github.com/nivara-ai/museflow/internal/logging"
	"github.com/nivara-ai/museflow/internal/store"
)

func main() {
	var (
		storePath = flag.String("store", "data/museflow.json", "Path to the store file")
		planID    = flag.String("plan", "starter", "Plan id to mint keys against")
		quantity  = flag.Int("n", 1, "Number of keys to generate")
		note      = flag.String("note", "", "Note recorded on each key")
		list      = flag.Bool("list", false, "List keys instead of generating")
		status    = flag.String("status", "", "Status filter for -list (available|redeemed)")
		limit     = flag.Int("limit", 100, "Maximum keys to list")
	)
	flag.Parse()

	logging.Setup(&config.LoggingConfig{Level: "warn", Format: "console"}, "development")

	serializer := store.NewSerializer(store.New(*storePath))
	svc := ledger.NewService(serializer, nil, ledger.DefaultPlans)
	ctx := context.Background()

	if *list {
		keys, err := svc.ListKeys(ctx, store.KeyStatus(*status), *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list keys: %v\n", err)
			os.Exit(1)
		}
		for _, key := range keys {
			fmt.Printf("%s\t%s\t%d\t%s\n", key.Key, key.PlanID, key.Credits, key.Status)
		}
		return
	}

	keys, err := svc.GenerateKeys(ctx, *planID, *quantity, *note)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate keys: %v\n", err)
		os.Exit(1)
	}
	for _, key := range keys {
		fmt.Println(key.Key)
	}
}
