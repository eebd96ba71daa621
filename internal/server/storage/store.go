package storage

import (
	"context"
	"time"

	"github.com/iudanet/storagerelay/internal/models"
)

// ThingStore defines durable per-(namespace, id) blob storage with modification timestamps.
//
// Namespaces are slash separated paths: "<repositoryID>" for repository level data
// and "<repositoryID>/<storageID>" for storage data. Implementations serialize
// concurrent operations on the same (namespace, id).
type ThingStore interface {
	// Store creates or replaces thing data and its logical modification time
	Store(ctx context.Context, namespace, id string, data []byte, modifiedOn time.Time) error

	// Exists reports whether thing is present
	Exists(ctx context.Context, namespace, id string) (bool, error)

	// GetModifiedOn returns logical modification time
	// Returns ErrThingNotFound if thing doesn't exist
	GetModifiedOn(ctx context.Context, namespace, id string) (time.Time, error)

	// GetCopy returns thing data together with modification time
	// Returns ErrThingNotFound if thing doesn't exist
	GetCopy(ctx context.Context, namespace, id string) (*models.Thing, error)

	// Discard removes thing. Removing a missing thing is not an error.
	Discard(ctx context.Context, namespace, id string) error

	// FindIDs returns sorted ids in namespace matching pattern (regular expression,
	// unanchored). Empty pattern matches all.
	FindIDs(ctx context.Context, namespace, pattern string) ([]string, error)

	// DiscardAll removes every thing in namespace prefix and all nested namespaces
	DiscardAll(ctx context.Context, prefix string) error

	// FindAllIDs recursively enumerates nested namespaces and things under prefix.
	// Things are returned when id matches pattern; namespaces when their name
	// matches or they contain returned entries.
	FindAllIDs(ctx context.Context, prefix, pattern string) ([]models.FoundID, error)

	// Close releases underlying resources
	Close() error
}
