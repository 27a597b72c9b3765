// This command is only used for local inspection: it prints the inventory of
// a durable token store, one line per partition. Token contents stay
// encrypted and are never read.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/chinmina/blindsign-tokens/internal/store"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	StorePath string `env:"BSA_STORE_PATH, default=bsa_tokens.db"`
}

func main() {
	cfg := Config{}
	err := envconfig.Process(context.Background(), &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
		os.Exit(1)
	}

	if len(os.Args) > 1 {
		cfg.StorePath = os.Args[1]
	}

	if err := printPartitions(context.Background(), cfg.StorePath); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func printPartitions(ctx context.Context, path string) error {
	// opening a missing file would create an empty store
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("error opening store: %w", err)
	}

	s, err := store.Open(ctx, path)
	if err != nil {
		return fmt.Errorf("error opening store: %w", err)
	}
	defer s.Close()

	partitions, err := s.Partitions(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("error reading partitions: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PARTITION\tKIND\tTOKENS\tEXPIRED\tNEXT EXPIRY")
	for _, p := range partitions {
		next := "-"
		if !p.NextExpiration.IsZero() {
			next = p.NextExpiration.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", p.Params.Key(), p.Params.Kind(), p.Count, p.Expired, next)
	}
	return w.Flush()
}
