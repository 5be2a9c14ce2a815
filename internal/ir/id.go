package ir

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// EntityID identifies an entity that either exists only on this device
// (Local) or has been assigned an identifier by the remote authority (Remote).
//
// The zero value is the "no id" sentinel; IsZero reports it.
type EntityID struct {
	remote bool
	n      int64 // always > 0 for a valid id
}

// LocalID returns the id of a not-yet-created entity. stamp is the
// allocation timestamp in milliseconds and must be positive.
func LocalID(stamp int64) EntityID {
	return EntityID{n: stamp}
}

// RemoteID returns the id the remote authority assigned to an entity.
func RemoteID(n int64) EntityID {
	return EntityID{remote: true, n: n}
}

// FromRaw decodes the storage/wire form of an id: negative values are local,
// positive values are remote. Zero is rejected.
func FromRaw(raw int64) (EntityID, error) {
	switch {
	case raw < 0:
		return LocalID(-raw), nil
	case raw > 0:
		return RemoteID(raw), nil
	default:
		return EntityID{}, fmt.Errorf("entity id 0 is not valid")
	}
}

// IsZero reports whether id is the zero value.
func (id EntityID) IsZero() bool { return id.n == 0 }

// IsLocal reports whether id has not been confirmed by the remote authority.
func (id EntityID) IsLocal() bool { return !id.IsZero() && !id.remote }

// IsRemote reports whether id was assigned by the remote authority.
func (id EntityID) IsRemote() bool { return !id.IsZero() && id.remote }

// Value returns the magnitude of the id: the allocation stamp for local
// ids, the authority's id for remote ones.
func (id EntityID) Value() int64 { return id.n }

// Raw returns the storage/wire form: negative for local ids.
func (id EntityID) Raw() int64 {
	if id.remote {
		return id.n
	}
	return -id.n
}

func (id EntityID) String() string {
	return strconv.FormatInt(id.Raw(), 10)
}

// MarshalJSON encodes the id in its raw form.
func (id EntityID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.Raw())
}

// UnmarshalJSON decodes the raw form. A JSON 0 decodes to the zero id.
func (id *EntityID) UnmarshalJSON(data []byte) error {
	var raw int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("entity id: %w", err)
	}
	if raw == 0 {
		*id = EntityID{}
		return nil
	}
	parsed, err := FromRaw(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
