package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/paddockstream/telemetry/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled, so main can fall through to the serve path otherwise.
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("telemetryd %s\n", Version)
		return true
	case "migrate":
		return cliMigrate(args[1:])
	default:
		return false
	}
}

// cliMigrate opens (creating if necessary) the SQLite database at the
// default or -db-specified path and applies every pending migration, then
// exits without starting the ingest engine.
func cliMigrate(args []string) bool {
	dbPath := "telemetry.db"
	for i, a := range args {
		if a == "-db" && i+1 < len(args) {
			dbPath = args[i+1]
		}
	}

	st, err := store.New(dbPath, zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	fmt.Printf("migrations applied to %s\n", dbPath)
	return true
}
