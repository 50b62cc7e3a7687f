package scope

import "fmt"

// ErrKeyInUse is returned by CreateLocal/CreateRemote when key already
// names a stored scope and replaceExisting was false (spec §4.5 "keyed
// creation without replace_existing_scope collides with an error").
type ErrKeyInUse struct{ Key string }

func (e *ErrKeyInUse) Error() string {
	return fmt.Sprintf("scope: key %q already in use", e.Key)
}

// ErrUnknownID is returned when an operation names a scope id that is
// not (or no longer) present in the table.
type ErrUnknownID struct{ ID int64 }

func (e *ErrUnknownID) Error() string {
	return fmt.Sprintf("scope: unknown scope id %d", e.ID)
}
