// Command migrate manages the dealwatch SQLite schema out of band.
// The server applies pending migrations itself at startup; this tool
// exists for rollbacks and for inspecting migration state.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"dealwatch/migrations"
)

type command struct {
	help string
	run  func(db *sql.DB) error
}

var commands = map[string]command{
	"up":      {"apply all pending migrations", func(db *sql.DB) error { return goose.Up(db, ".") }},
	"up-one":  {"apply the next pending migration", func(db *sql.DB) error { return goose.UpByOne(db, ".") }},
	"down":    {"roll back the most recent migration", func(db *sql.DB) error { return goose.Down(db, ".") }},
	"redo":    {"roll back and re-apply the most recent migration", func(db *sql.DB) error { return goose.Redo(db, ".") }},
	"status":  {"print the status of every migration", func(db *sql.DB) error { return goose.Status(db, ".") }},
	"version": {"print the current schema version", func(db *sql.DB) error { return goose.Version(db, ".") }},
	"reset":   {"roll back everything", func(db *sql.DB) error { return goose.Reset(db, ".") }},
}

func main() {
	dbPath := flag.String("db", envOrDefault("DATABASE_PATH", "./data/dealwatch.db"), "sqlite database file")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		usage()
		os.Exit(1)
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "migrate: unknown command %q\n\n", args[0])
		usage()
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("open %s: %v", *dbPath, err)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		log.Fatalf("set goose dialect: %v", err)
	}

	if err := cmd.run(db); err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [-db path] <command>")
	fmt.Fprintln(os.Stderr)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", name, commands[name].help)
	}
	flag.PrintDefaults()
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
