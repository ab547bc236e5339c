package db

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mutecomm/go-sqlcipher/v4" // SQLCipher driver
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Vansh-Raja/SSHCollector/internal/crypto"
)

// TimestampLayout is how capture times are stored.
const TimestampLayout = "2006-01-02T15:04:05"

// sqlcipherSalt is fixed; SQLCipher runs its own KDF over the derived key.
var sqlcipherSalt = []byte("sshcollector-sqlcipher-salt-v1")

// Store is an encrypted device inventory and command output database.
type Store struct {
	db   *sql.DB
	path string
}

// DeviceModel is one row of the devices table.
type DeviceModel struct {
	ID       int
	Name     string
	IP       string
	Protocol string
	Port     int
}

// OutputModel is one captured command output.
type OutputModel struct {
	DeviceID  int
	Command   string
	Timestamp time.Time
	Output    string
	RunID     string
}

// Exists reports whether a database file is present at path.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

func dsn(path, keyHex, mode string) string {
	return fmt.Sprintf("file:%s?mode=%s&_pragma_key=x'%s'&_pragma_cipher_page_size=4096", path, mode, keyHex)
}

// Open opens the database at path, creating it when missing. The SQLCipher
// key is a PBKDF2 derivation of password.
func Open(path, password string) (*Store, error) {
	if strings.TrimSpace(password) == "" {
		return nil, errors.New("database password is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "create database directory")
	}
	exists, err := Exists(path)
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveKey(password, sqlcipherSalt)
	if err != nil {
		return nil, err
	}
	keyHex := hex.EncodeToString(key)

	// A read-only check keeps a wrong password from initializing a schema
	// over an existing file.
	if exists {
		if err := verifyKey(dsn(path, keyHex, "ro")); err != nil {
			return nil, unlockError(err, path)
		}
	}

	conn, err := sql.Open("sqlite3", dsn(path, keyHex, "rwc"))
	if err != nil {
		return nil, err
	}
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, unlockError(err, path)
	}
	log.Debugf("Opened database %s", path)
	return &Store{db: conn, path: path}, nil
}

// verifyKey succeeds only when the key decrypts the file and the file carries
// an instance marker written by migrate.
func verifyKey(source string) error {
	conn, err := sql.Open("sqlite3", source)
	if err != nil {
		return err
	}
	defer conn.Close()

	var instance string
	if err := conn.QueryRow("SELECT value FROM config WHERE key = 'instance'").Scan(&instance); err != nil {
		if err == sql.ErrNoRows {
			return errMissingInstance
		}
		return err
	}
	if instance == "" {
		return errMissingInstance
	}
	return nil
}

var errMissingInstance = errors.New("missing instance marker")

var unlockFailures = []struct {
	needles []string
	explain func(path string) error
}{
	{
		[]string{"requires cgo", "cgo_enabled=0"},
		func(string) error {
			return errors.New("this binary was built without CGO support; rebuild with CGO_ENABLED=1")
		},
	},
	{
		[]string{"database is locked", "database table is locked", "database is busy"},
		func(path string) error { return errors.Errorf("database is in use by another process: %s", path) },
	},
	{
		[]string{"access is denied", "permission denied"},
		func(path string) error { return errors.Errorf("cannot access database file: %s", path) },
	},
	{
		[]string{"file is encrypted", "file is not a database", "no such table", errMissingInstance.Error()},
		func(path string) error { return errors.Errorf("invalid password for database: %s", path) },
	},
}

// unlockError turns driver errors from opening a database into messages a
// user can act on.
func unlockError(err error, path string) error {
	msg := strings.ToLower(err.Error())
	for _, f := range unlockFailures {
		for _, n := range f.needles {
			if strings.Contains(msg, n) {
				return f.explain(path)
			}
		}
	}
	return errors.Wrap(err, "failed to unlock database")
}

func migrate(conn *sql.DB) error {
	_, err := conn.Exec(`
	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT
	);
	CREATE TABLE IF NOT EXISTS devices (
		deviceid INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		ip TEXT NOT NULL,
		protocol TEXT NOT NULL DEFAULT 'SSH'
	);
	CREATE TABLE IF NOT EXISTS output (
		deviceid INTEGER NOT NULL,
		command TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		output TEXT,
		PRIMARY KEY (deviceid, command)
	);
	`)
	if err != nil {
		return err
	}
	for _, c := range []struct{ table, column, typ string }{
		{"devices", "port", "INTEGER"},
		{"output", "run_id", "TEXT"},
	} {
		if err := addColumn(conn, c.table, c.column, c.typ); err != nil {
			return err
		}
	}
	_, err = conn.Exec("INSERT OR IGNORE INTO config (key, value) VALUES ('instance', ?)", uuid.NewString())
	return err
}

// addColumn adds column to table unless an earlier schema already has it.
func addColumn(conn *sql.DB, table, column, typ string) error {
	var n int
	err := conn.QueryRow("SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = conn.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, typ))
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// NormalizeProtocol maps free-form protocol values to SSH or TELNET.
func NormalizeProtocol(p string) string {
	switch strings.ToUpper(strings.TrimSpace(p)) {
	case "TELNET":
		return "TELNET"
	default:
		return "SSH"
	}
}

// AddDevice inserts a device and returns its id.
func (s *Store) AddDevice(d DeviceModel) (int, error) {
	var port sql.NullInt64
	if d.Port > 0 {
		port = sql.NullInt64{Int64: int64(d.Port), Valid: true}
	}
	res, err := s.db.Exec(`INSERT INTO devices (name, ip, protocol, port) VALUES (?, ?, ?, ?)`,
		d.Name, d.IP, NormalizeProtocol(d.Protocol), port)
	if err != nil {
		return 0, errors.Wrap(err, "failed to add device")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int(id), nil
}

// Devices returns the device inventory ordered by id.
func (s *Store) Devices() ([]DeviceModel, error) {
	rows, err := s.db.Query(`SELECT deviceid, name, ip, protocol, port FROM devices ORDER BY deviceid`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query devices")
	}
	defer rows.Close()

	var devices []DeviceModel
	for rows.Next() {
		var d DeviceModel
		var port sql.NullInt64
		if err := rows.Scan(&d.ID, &d.Name, &d.IP, &d.Protocol, &port); err != nil {
			return nil, err
		}
		d.Protocol = NormalizeProtocol(d.Protocol)
		if port.Valid {
			d.Port = int(port.Int64)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	log.Debugf("Received %d devices from database", len(devices))
	return devices, nil
}

// SaveOutputs upserts captured outputs in one transaction. A repeated
// (device, command) pair replaces the previous capture.
func (s *Store) SaveOutputs(outputs []OutputModel) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`REPLACE INTO output (deviceid, command, timestamp, output, run_id) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, o := range outputs {
		if _, err := stmt.Exec(o.DeviceID, o.Command, o.Timestamp.Format(TimestampLayout), o.Output, o.RunID); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "failed to save output of %q for device %d", o.Command, o.DeviceID)
		}
	}
	return tx.Commit()
}

// Outputs returns the stored captures of one device.
func (s *Store) Outputs(deviceID int) ([]OutputModel, error) {
	rows, err := s.db.Query(`SELECT deviceid, command, timestamp, output, run_id FROM output WHERE deviceid = ? ORDER BY command`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outputs []OutputModel
	for rows.Next() {
		var o OutputModel
		var ts string
		var output, runID sql.NullString
		if err := rows.Scan(&o.DeviceID, &o.Command, &ts, &output, &runID); err != nil {
			return nil, err
		}
		o.Timestamp, _ = time.ParseInLocation(TimestampLayout, ts, time.Local)
		o.Output = output.String
		o.RunID = runID.String
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}
