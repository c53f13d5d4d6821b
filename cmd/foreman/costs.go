package main

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/sgoodwin/foreman/internal/checkpoint"
	"github.com/sgoodwin/foreman/internal/cost"
	"github.com/sgoodwin/foreman/pkg/models"
	"github.com/spf13/cobra"
)

var costsCmd = &cobra.Command{
	Use:   "costs [run-id]",
	Short: "Show token usage and cost for a run",
	Long: `Display the cost breakdown for a run.

Usage is split by billing bucket: metered sessions are priced per
token, flat-rate sessions (subscription CLI access) track tokens but
cost nothing. Within each bucket the breakdown is per role and per
cycle.

With no argument, shows the most recent run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCosts,
}

func runCosts(cmd *cobra.Command, args []string) error {
	workdir, err := workingDir()
	if err != nil {
		return err
	}

	dbPath := checkpoint.ProjectDBPath(workdir)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No runs yet. Run 'foreman run <goal>' to start.")
		return nil
	}

	db, err := checkpoint.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state database: %w", err)
	}
	store := checkpoint.NewStore(db)

	var runID string
	if len(args) > 0 {
		runID = args[0]
	} else {
		runs, err := store.Runs()
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Println("No runs yet. Run 'foreman run <goal>' to start.")
			return nil
		}
		runID = runs[0].ID
	}

	records, err := store.CostRecords(runID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return fmt.Errorf("no cost records for run %s", runID)
		}
		return fmt.Errorf("load cost records: %w", err)
	}
	if len(records) == 0 {
		fmt.Printf("No cost records for run %s yet.\n", shortID(runID))
		return nil
	}

	// Replay the records through an accountant to reuse its breakdowns.
	acct := cost.NewAccountant(nil)
	for _, rec := range records {
		acct.Record(rec)
	}

	total := acct.Total()
	fmt.Printf("Run %s\n", shortID(runID))
	fmt.Printf("  Exchanges: %d\n", total.Exchanges)
	fmt.Printf("  Tokens: %s in / %s out\n",
		formatNumber(int(total.InputTokens)), formatNumber(int(total.OutputTokens)))
	fmt.Printf("  Cost: $%.4f\n", total.CostUSD)

	fmt.Println("\nBy bucket:")
	byBucket := acct.ByBucket()
	for _, bucket := range []models.CostBucket{models.BucketMetered, models.BucketFlatRate} {
		totals, ok := byBucket[bucket]
		if !ok {
			continue
		}
		note := ""
		if bucket == models.BucketFlatRate {
			note = " (subscription, not billed per token)"
		}
		fmt.Printf("  %-10s %s tokens  $%.4f%s\n",
			bucket, formatNumber(int(totals.TotalTokens())), totals.CostUSD, note)
	}

	fmt.Println("\nBy role:")
	byRole := acct.ByRole()
	roles := make([]string, 0, len(byRole))
	for role := range byRole {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		totals := byRole[role]
		fmt.Printf("  %-12s %3d exchanges  %s tokens  $%.4f\n",
			role, totals.Exchanges, formatNumber(int(totals.TotalTokens())), totals.CostUSD)
	}

	fmt.Println("\nBy cycle:")
	byCycle := acct.ByCycle()
	cycles := make([]int, 0, len(byCycle))
	for cycle := range byCycle {
		cycles = append(cycles, cycle)
	}
	sort.Ints(cycles)
	for _, cycle := range cycles {
		totals := byCycle[cycle]
		fmt.Printf("  cycle %-3d %s tokens  $%.4f\n",
			cycle+1, formatNumber(int(totals.TotalTokens())), totals.CostUSD)
	}

	return nil
}
