package memtable

import "errors"

var (
	// ErrRecordExists is returned by Prepare when the key is already present
	// under the same prepare sentinel (a transaction retrying a prepare it
	// already issued).
	ErrRecordExists = errors.New("record with this key already exists")
	// ErrMemtableFlushed is returned once a mem has been sealed, either by
	// rotation or because it filled its arena; callers must retry against
	// the new active mem.
	ErrMemtableFlushed = errors.New("memtable flushed")
	// ErrMemtableActive is returned by Reset when the mem still has live
	// pins and cannot be recycled yet.
	ErrMemtableActive = errors.New("memtable still has active references")
	// ErrNotPrepared is returned by Commit/Rollback when no matching
	// prepared statement is found for the given key and psn.
	ErrNotPrepared = errors.New("no prepared statement for this key and psn")
)
