package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/levenlabs/go-lflag"
	"github.com/jameshartig/emporiasync/pkg/types"
)

var ErrNodeNotFound = errors.New("node not found")

// Database persists the registry's nodes so re-discovery after a restart
// finds the nodes it created last time.
type Database interface {
	// ListNodes returns every stored node.
	ListNodes(ctx context.Context) ([]types.NodeInfo, error)
	// GetNode returns the node at address or ErrNodeNotFound.
	GetNode(ctx context.Context, address string) (types.NodeInfo, error)
	// UpsertNode stores the node, replacing any previous record.
	UpsertNode(ctx context.Context, node types.NodeInfo) error
	// DeleteNode removes the node at address. Deleting a missing node is not
	// an error.
	DeleteNode(ctx context.Context, address string) error

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "memory", "Storage provider to use (available: memory, firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "memory":
			p.Database = NewMemory()
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
