package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alwitt/hubmq/common"
	"github.com/apex/log"
	"github.com/google/uuid"

	// Pure Go sqlite driver
	_ "modernc.org/sqlite"
)

// sqliteBackend implements Backend on a local sqlite file. Records are stored
// as JSON documents, one table per resource. The backend offers no live
// change feeds, so subscriptions against it degrade to membership-only.
type sqliteBackend struct {
	common.Component
	db *sql.DB
	// lock serializes writers; sqlite allows only one at a time
	lock        *sync.Mutex
	knownTables map[string]bool
}

// GetSqliteBackend define a sqlite storage backend using the given DB file
func GetSqliteBackend(dbFile string) (Backend, error) {
	logTags := log.Fields{
		"module": "storage", "component": "sqlite-backend", "instance": dbFile,
	}
	db, err := sql.Open("sqlite", dbFile)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to open DB file %s", dbFile)
		return nil, err
	}
	return &sqliteBackend{
		Component:   common.Component{LogTags: logTags},
		db:          db,
		lock:        &sync.Mutex{},
		knownTables: make(map[string]bool),
	}, nil
}

// tableFor ready the table backing a resource. Resource names are validated
// before being spliced into SQL.
func (b *sqliteBackend) tableFor(ctxt context.Context, resource string) (string, error) {
	if err := ValidateResourceName(resource); err != nil {
		return "", err
	}
	table := fmt.Sprintf("res_%s", resource)
	if b.knownTables[table] {
		return table, nil
	}
	statement := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS \"%s\" (id TEXT PRIMARY KEY, doc TEXT NOT NULL)", table,
	)
	if _, err := b.db.ExecContext(ctxt, statement); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to ready table %s", table)
		return "", err
	}
	b.knownTables[table] = true
	return table, nil
}

// readAll fetch every record of the table into memory for filtering
func (b *sqliteBackend) readAll(
	ctxt context.Context, table string,
) (map[string]Record, error) {
	rows, err := b.db.QueryContext(
		ctxt, fmt.Sprintf("SELECT id, doc FROM \"%s\"", table),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Error("Failed to close result rows")
		}
	}()
	results := make(map[string]Record)
	for rows.Next() {
		var recordID, doc string
		if err := rows.Scan(&recordID, &doc); err != nil {
			return nil, err
		}
		var record Record
		if err := json.Unmarshal([]byte(doc), &record); err != nil {
			return nil, err
		}
		results[recordID] = record
	}
	return results, rows.Err()
}

// Write store a new record under the resource, returning its generated ID
func (b *sqliteBackend) Write(
	ctxt context.Context, resource string, record Record,
) (string, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	table, err := b.tableFor(ctxt, resource)
	if err != nil {
		return "", err
	}
	doc, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	recordID := uuid.New().String()
	if _, err := b.db.ExecContext(
		ctxt,
		fmt.Sprintf("INSERT INTO \"%s\" (id, doc) VALUES (?, ?)", table),
		recordID,
		string(doc),
	); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Record insert into %s failed", table)
		return "", err
	}
	return recordID, nil
}

// Read fetch the records of the resource matching the filter
func (b *sqliteBackend) Read(
	ctxt context.Context, resource string, filter Filter, opts ReadOptions,
) ([]Record, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	table, err := b.tableFor(ctxt, resource)
	if err != nil {
		return nil, err
	}
	all, err := b.readAll(ctxt, table)
	if err != nil {
		return nil, err
	}
	results := []Record{}
	for recordID, record := range all {
		if !filter.Matches(record) {
			continue
		}
		record["id"] = recordID
		results = append(results, record)
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}
	return results, nil
}

// Update apply the patch to every matching record of the resource
func (b *sqliteBackend) Update(
	ctxt context.Context, resource string, patch Record, filter Filter,
) (int64, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	table, err := b.tableFor(ctxt, resource)
	if err != nil {
		return 0, err
	}
	all, err := b.readAll(ctxt, table)
	if err != nil {
		return 0, err
	}
	var affected int64
	for recordID, record := range all {
		if !filter.Matches(record) {
			continue
		}
		for field, value := range patch {
			record[field] = value
		}
		doc, err := json.Marshal(record)
		if err != nil {
			return affected, err
		}
		if _, err := b.db.ExecContext(
			ctxt,
			fmt.Sprintf("UPDATE \"%s\" SET doc = ? WHERE id = ?", table),
			string(doc),
			recordID,
		); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf("Record update in %s failed", table)
			return affected, err
		}
		affected++
	}
	return affected, nil
}

// Delete remove every matching record of the resource
func (b *sqliteBackend) Delete(
	ctxt context.Context, resource string, filter Filter,
) (int64, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	table, err := b.tableFor(ctxt, resource)
	if err != nil {
		return 0, err
	}
	all, err := b.readAll(ctxt, table)
	if err != nil {
		return 0, err
	}
	var affected int64
	for recordID, record := range all {
		if !filter.Matches(record) {
			continue
		}
		if _, err := b.db.ExecContext(
			ctxt, fmt.Sprintf("DELETE FROM \"%s\" WHERE id = ?", table), recordID,
		); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf("Record delete in %s failed", table)
			return affected, err
		}
		affected++
	}
	return affected, nil
}

// Close release the backend resources
func (b *sqliteBackend) Close() error {
	return b.db.Close()
}
