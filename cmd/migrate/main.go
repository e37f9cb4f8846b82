// Command migrate applies a SQL migration file to the queue database.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	dbURL := flag.String("db", os.Getenv("DATABASE_URL"), "database URL")
	migrationFile := flag.String("file", "", "migration SQL file to run")
	flag.Parse()

	if *migrationFile == "" {
		fmt.Fprintf(os.Stderr, "Usage: migrate -file <path-to-sql-file> [-db <url>]\n")
		os.Exit(1)
	}
	if *dbURL == "" {
		log.Fatal("no database URL: pass -db or set DATABASE_URL")
	}

	sqlBytes, err := os.ReadFile(*migrationFile)
	if err != nil {
		log.Fatalf("failed to read migration file: %v", err)
	}

	db, err := sql.Open("pgx", *dbURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("failed to ping database: %v", err)
	}

	fmt.Printf("Connected to database\n")
	fmt.Printf("Running migration: %s\n", filepath.Base(*migrationFile))

	if _, err := db.Exec(string(sqlBytes)); err != nil {
		log.Fatalf("failed to execute migration: %v", err)
	}

	fmt.Printf("✓ Migration applied successfully\n")
}
