package main

import (
	"bufio"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const defaultKey = "last_video_id"

const schema = `
	CREATE TABLE IF NOT EXISTS meta (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS history (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		key          TEXT NOT NULL,
		item_id      TEXT NOT NULL,
		processed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_key ON history(key, id DESC);
`

func main() {
	if len(os.Args) < 4 {
		log.Fatal("Usage: migrate <import-cursor <legacy-file> <sqlite-db>|export-cursor <sqlite-db> <file>> [key]")
	}

	command := os.Args[1]
	key := defaultKey
	if len(os.Args) > 4 {
		key = os.Args[4]
	}

	switch command {
	case "import-cursor":
		if err := importCursor(os.Args[2], os.Args[3], key, bufio.NewReader(os.Stdin)); err != nil {
			log.Fatal(err)
		}
	case "export-cursor":
		if err := exportCursor(os.Args[2], os.Args[3], key); err != nil {
			log.Fatal(err)
		}
	default:
		log.Fatalf("Unknown command %q", command)
	}
}

func openDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return db, nil
}

// importCursor copies a legacy one-line cursor file into the sqlite store.
// An existing, different value is only replaced after confirmation.
func importCursor(legacyPath, dbPath, key string, confirm *bufio.Reader) error {
	data, err := os.ReadFile(legacyPath)
	if err != nil {
		return fmt.Errorf("reading legacy cursor: %w", err)
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		log.Printf("Legacy cursor %s is empty, nothing to import", legacyPath)
		return nil
	}

	db, err := openDB(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	var current string
	err = db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("reading current cursor: %w", err)
	case current == id:
		log.Printf("Cursor %s already set to %s, skipping", key, id)
		return nil
	default:
		if !confirmOverwrite(confirm, key, current, id) {
			log.Printf("Kept existing cursor %s", current)
			return nil
		}
	}

	now := time.Now().Unix()
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, id, now); err != nil {
		return fmt.Errorf("writing cursor: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO history (key, item_id, processed_at) VALUES (?, ?, ?)", key, id, now); err != nil {
		return fmt.Errorf("recording history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("Imported %s -> %s (%s = %s)", legacyPath, dbPath, key, id)
	return nil
}

// exportCursor writes the sqlite cursor back out as a legacy cursor file.
func exportCursor(dbPath, legacyPath, key string) error {
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("opening %s: %w", dbPath, err)
	}
	db, err := openDB(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	var id string
	if err := db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("no cursor stored under %q", key)
		}
		return fmt.Errorf("reading cursor: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(legacyPath), 0o755); err != nil {
		return fmt.Errorf("creating cursor dir: %w", err)
	}
	tmp := legacyPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(id), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, legacyPath); err != nil {
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}

	log.Printf("Exported %s = %s -> %s", key, id, legacyPath)
	return nil
}

func confirmOverwrite(reader *bufio.Reader, key, current, next string) bool {
	for {
		fmt.Printf("  REPLACE %s %s with %s? [y/N]: ", key, current, next)
		input, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			log.Printf("Error reading input: %v", err)
			return false
		}
		switch strings.ToLower(strings.TrimSpace(input)) {
		case "y", "yes":
			return true
		case "", "n", "no":
			return false
		default:
			if errors.Is(err, io.EOF) {
				return false
			}
			fmt.Println("  Please enter y or n.")
		}
	}
}
