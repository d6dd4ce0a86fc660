package secchan

import (
	"crypto/sha256"
	"crypto/x509"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// PinStore is a persistent set of pinned peer certificates, keyed by the
// SHA-256 fingerprint of the certificate. Its Trusted method can serve as
// Config.TrustPeer.
type PinStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenPinStore opens or creates the SQLite database at path.
func OpenPinStore(path string) (*PinStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty pin store path", ErrInvalidConfig)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	sqlStmt := `
	create table if not exists pins (fingerprint blob not null primary key,
		subject text not null,
		valid_until integer not null);
	`
	if _, err := db.Exec(sqlStmt); err != nil {
		db.Close()
		return nil, fmt.Errorf("%q: %w", sqlStmt, err)
	}
	return &PinStore{db: db}, nil
}

func (ps *PinStore) Close() error {
	return ps.db.Close()
}

// Fingerprint returns the SHA-256 digest of the certificate's DER encoding.
func Fingerprint(cert *x509.Certificate) []byte {
	sum := sha256.Sum256(cert.Raw)
	return sum[:]
}

// Pin trusts cert for lifetime.
func (ps *PinStore) Pin(cert *x509.Certificate, lifetime time.Duration) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	stmt, err := ps.db.Prepare("insert or replace into pins values (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	validUntil := time.Now().Add(lifetime).Unix()
	if _, err := stmt.Exec(Fingerprint(cert), cert.Subject.String(), validUntil); err != nil {
		return err
	}
	logf(logTypeHandshake, "pinned %q until %v", cert.Subject.String(), time.Unix(validUntil, 0))
	return nil
}

// Unpin removes a pin. Removing an unknown fingerprint is not an error.
func (ps *PinStore) Unpin(fingerprint []byte) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	_, err := ps.db.Exec("delete from pins where fingerprint = ?", fingerprint)
	return err
}

// Pins are honored until 10s before their nominal expiry
func expired(validUntil time.Time) bool {
	const validityMargin = 10 * time.Second
	return !time.Now().Add(validityMargin).Before(validUntil)
}

// IsPinned reports whether fingerprint has an unexpired pin.
func (ps *PinStore) IsPinned(fingerprint []byte) (bool, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	stmt, err := ps.db.Prepare("select valid_until from pins where fingerprint = ?")
	if err != nil {
		return false, err
	}
	defer stmt.Close()
	rows, err := stmt.Query(fingerprint)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return false, rows.Err()
	}
	var validUntil int64
	if err := rows.Scan(&validUntil); err != nil {
		return false, err
	}
	return !expired(time.Unix(validUntil, 0)), nil
}

// Trusted reports whether the leaf of chain is pinned. Lookup failures count
// as untrusted.
func (ps *PinStore) Trusted(chain []*x509.Certificate) bool {
	if len(chain) == 0 {
		return false
	}
	ok, err := ps.IsPinned(Fingerprint(chain[0]))
	if err != nil {
		logf(logTypeHandshake, "pin lookup for %q: %v", chain[0].Subject.String(), err)
		return false
	}
	return ok
}

// Purge deletes expired pins and returns how many were removed.
func (ps *PinStore) Purge() (int64, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	res, err := ps.db.Exec("delete from pins where valid_until <= ?", time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
