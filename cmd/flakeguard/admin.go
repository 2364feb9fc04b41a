package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/flakeguard/flakeguard/internal/db"
	"github.com/flakeguard/flakeguard/internal/queue"
	"github.com/flakeguard/flakeguard/internal/store"
	"github.com/flakeguard/flakeguard/internal/worker"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func runAdmin(args []string) int {
	if len(args) == 0 {
		printAdminUsage()
		return 2
	}

	switch args[0] {
	case "activate-repo":
		return runSetRepoActive(args[1:], true)
	case "deactivate-repo":
		return runSetRepoActive(args[1:], false)
	case "recompute":
		return runRecompute(args[1:])
	case "dismiss-quarantine":
		return runDismissQuarantine(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown admin command: %s\n", args[0])
		printAdminUsage()
		return 2
	}
}

func printAdminUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  flakeguard admin activate-repo --repo owner/name [--db-dsn <dsn>]")
	fmt.Fprintln(os.Stderr, "  flakeguard admin deactivate-repo --repo owner/name [--db-dsn <dsn>]")
	fmt.Fprintln(os.Stderr, "  flakeguard admin recompute --repo owner/name [--test <uuid>] [--db-dsn <dsn>]")
	fmt.Fprintln(os.Stderr, "  flakeguard admin dismiss-quarantine --test <uuid> --by <user> [--db-dsn <dsn>]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Notes:")
	fmt.Fprintln(os.Stderr, "  - --db-dsn defaults to FG_DB_DSN.")
}

// adminConnect opens a pool for a one-shot admin operation.
func adminConnect(ctx context.Context, dbDSN string) (*pgxpool.Pool, error) {
	if dbDSN == "" {
		dbDSN = strings.TrimSpace(os.Getenv("FG_DB_DSN"))
	}
	if dbDSN == "" {
		return nil, errors.New("--db-dsn is required (or set FG_DB_DSN)")
	}
	return db.Connect(ctx, dbDSN)
}

func runSetRepoActive(args []string, active bool) int {
	name := "deactivate-repo"
	if active {
		name = "activate-repo"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var repo, dbDSN string
	fs.StringVar(&repo, "repo", "", "Repository as owner/name")
	fs.StringVar(&dbDSN, "db-dsn", "", "Postgres DSN (defaults to FG_DB_DSN)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	owner, repoName, ok := strings.Cut(strings.TrimSpace(repo), "/")
	if !ok || owner == "" || repoName == "" {
		fmt.Fprintln(os.Stderr, "--repo must be owner/name")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := adminConnect(ctx, dbDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		return 1
	}
	defer pool.Close()

	updated, err := store.New(pool).SetRepositoryActive(ctx, "github", owner, repoName, active)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to update repository: %v\n", err)
		return 1
	}
	if !updated {
		fmt.Fprintf(os.Stderr, "Repository %s/%s not found\n", owner, repoName)
		return 1
	}

	state := "deactivated"
	if active {
		state = "activated"
	}
	fmt.Printf("Repository %s/%s %s\n", owner, repoName, state)
	return 0
}

func runRecompute(args []string) int {
	fs := flag.NewFlagSet("recompute", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var repo, test, dbDSN string
	fs.StringVar(&repo, "repo", "", "Repository as owner/name")
	fs.StringVar(&test, "test", "", "Recompute only this test case id")
	fs.StringVar(&dbDSN, "db-dsn", "", "Postgres DSN (defaults to FG_DB_DSN)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	owner, repoName, ok := strings.Cut(strings.TrimSpace(repo), "/")
	if !ok || owner == "" || repoName == "" {
		fmt.Fprintln(os.Stderr, "--repo must be owner/name")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := adminConnect(ctx, dbDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		return 1
	}
	defer pool.Close()

	st := store.New(pool)
	repository, err := st.GetRepository(ctx, "github", owner, repoName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load repository: %v\n", err)
		return 1
	}
	if repository == nil {
		fmt.Fprintf(os.Stderr, "Repository %s/%s not found\n", owner, repoName)
		return 1
	}

	payload := worker.RecomputePayload{RepositoryID: repository.ID}
	key := fmt.Sprintf("recompute:%s", repository.ID)
	if test != "" {
		testID, err := uuid.Parse(test)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid test case id: %v\n", err)
			return 2
		}
		payload.TestCaseIDs = []uuid.UUID{testID}
		key = fmt.Sprintf("recompute:%s:%s", repository.ID, testID)
	}

	created, err := queue.New(pool, 0).Enqueue(ctx, queue.QueueRecompute, key, payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to enqueue recompute: %v\n", err)
		return 1
	}
	if !created {
		fmt.Println("Recompute already queued")
		return 0
	}
	fmt.Printf("Recompute enqueued for %s/%s\n", owner, repoName)
	return 0
}

func runDismissQuarantine(args []string) int {
	fs := flag.NewFlagSet("dismiss-quarantine", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var test, by, dbDSN string
	fs.StringVar(&test, "test", "", "Test case id")
	fs.StringVar(&by, "by", "", "User recorded on the decision")
	fs.StringVar(&dbDSN, "db-dsn", "", "Postgres DSN (defaults to FG_DB_DSN)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	testID, err := uuid.Parse(strings.TrimSpace(test))
	if err != nil {
		fmt.Fprintln(os.Stderr, "--test must be a valid test case id")
		return 2
	}
	if strings.TrimSpace(by) == "" {
		fmt.Fprintln(os.Stderr, "--by is required")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := adminConnect(ctx, dbDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		return 1
	}
	defer pool.Close()

	dismissed, err := store.New(pool).DismissQuarantine(ctx, testID, by)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to dismiss quarantine: %v\n", err)
		return 1
	}
	if !dismissed {
		fmt.Fprintln(os.Stderr, "No open quarantine for that test")
		return 1
	}
	fmt.Println("Quarantine dismissed")
	return 0
}
