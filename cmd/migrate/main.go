// Command migrate rotates the AES data-encryption key used to encrypt
// exchange credentials at rest in the system_config table, re-wrapping every
// ENC:v1:-prefixed value under the new key.
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "modernc.org/sqlite"

	"sentrypd/crypto"
)

func main() {
	dbPath := "sentrypd.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}

	oldKey := os.Getenv("OLD_DATA_ENCRYPTION_KEY")
	newKey := os.Getenv("NEW_DATA_ENCRYPTION_KEY")
	if oldKey == "" || newKey == "" {
		log.Fatal("OLD_DATA_ENCRYPTION_KEY and NEW_DATA_ENCRYPTION_KEY must both be set")
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("database file not found: %s", dbPath)
	}

	backupPath := dbPath + ".pre_key_rotation_backup"
	log.Printf("backing up database to %s", backupPath)
	data, err := os.ReadFile(dbPath)
	if err != nil {
		log.Fatalf("read database: %v", err)
	}
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		log.Fatalf("write backup: %v", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	os.Setenv("DATA_ENCRYPTION_KEY", oldKey)
	csOld, err := crypto.NewCryptoService()
	if err != nil {
		log.Fatalf("init crypto service with old key: %v", err)
	}

	os.Setenv("DATA_ENCRYPTION_KEY", newKey)
	csNew, err := crypto.NewCryptoService()
	if err != nil {
		log.Fatalf("init crypto service with new key: %v", err)
	}

	if err := rotateSystemConfig(db, csOld, csNew); err != nil {
		log.Fatalf("rotate system_config: %v", err)
	}

	log.Println("key rotation complete")
	log.Printf("pre-rotation backup retained at: %s", backupPath)
	log.Println("verify the system operates normally, then delete the backup manually")
}

func rotateSystemConfig(db *sql.DB, oldCS, newCS *crypto.CryptoService) error {
	rows, err := db.Query(`SELECT key, value FROM system_config WHERE value LIKE 'ENC:v1:%'`)
	if err != nil {
		return fmt.Errorf("query encrypted rows: %w", err)
	}

	type pending struct {
		key, plaintext string
	}
	var toRotate []pending
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			rows.Close()
			return err
		}
		plaintext, err := oldCS.DecryptFromStorage(value)
		if err != nil {
			rows.Close()
			return fmt.Errorf("decrypt %s: %w", key, err)
		}
		toRotate = append(toRotate, pending{key: key, plaintext: plaintext})
	}
	rowsErr := rows.Err()
	rows.Close()
	if rowsErr != nil {
		return rowsErr
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range toRotate {
		reencrypted, err := newCS.EncryptForStorage(p.plaintext)
		if err != nil {
			return fmt.Errorf("re-encrypt %s: %w", p.key, err)
		}
		if _, err := tx.Exec(`UPDATE system_config SET value = ? WHERE key = ?`, reencrypted, p.key); err != nil {
			return fmt.Errorf("update %s: %w", p.key, err)
		}
		log.Printf("rotated: %s", p.key)
	}

	log.Printf("rotated %d key(s)", len(toRotate))
	return tx.Commit()
}
