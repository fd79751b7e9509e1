package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/jameshartig/emporiasync/pkg/log"
	"github.com/jameshartig/emporiasync/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Nodes live under namespaces/{namespace}/nodes/{address}.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	namespace string
}

var _ Database = (*FirestoreProvider)(nil)

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	namespace := lflag.String("firestore-namespace", "default", "Document namespace the nodes are stored under")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.namespace = *namespace

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	if f.namespace == "" {
		return fmt.Errorf("firestore-namespace cannot be empty")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) nodes() *firestore.CollectionRef {
	return f.client.Collection("namespaces").Doc(f.namespace).Collection("nodes")
}

func decodeNodeDoc(doc *firestore.DocumentSnapshot) (types.NodeInfo, error) {
	val, err := doc.DataAt("json")
	if err != nil {
		return types.NodeInfo{}, fmt.Errorf("node document missing 'json' field: %w", err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return types.NodeInfo{}, fmt.Errorf("node 'json' field is not a string")
	}
	var n types.NodeInfo
	if err := json.Unmarshal([]byte(jsonStr), &n); err != nil {
		return types.NodeInfo{}, fmt.Errorf("failed to unmarshal node json: %w", err)
	}
	return n, nil
}

// ListNodes retrieves all nodes ordered by address. Malformed documents are
// skipped.
func (f *FirestoreProvider) ListNodes(ctx context.Context) ([]types.NodeInfo, error) {
	iter := f.nodes().OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var nodes []types.NodeInfo
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating nodes: %w", err)
		}
		n, err := decodeNodeDoc(doc)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed node doc", slog.String("address", doc.Ref.ID), slog.Any("error", err))
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// GetNode retrieves a single node by address.
func (f *FirestoreProvider) GetNode(ctx context.Context, address string) (types.NodeInfo, error) {
	if address == "" {
		return types.NodeInfo{}, fmt.Errorf("address cannot be empty")
	}
	doc, err := f.nodes().Doc(address).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.NodeInfo{}, fmt.Errorf("%w: %s", ErrNodeNotFound, address)
		}
		return types.NodeInfo{}, fmt.Errorf("failed to get node %s: %w", address, err)
	}
	return decodeNodeDoc(doc)
}

// UpsertNode stores the node as a JSON blob keyed by its address.
func (f *FirestoreProvider) UpsertNode(ctx context.Context, node types.NodeInfo) error {
	if node.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	jsonBytes, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}
	_, err = f.nodes().Doc(node.Address).Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"kind":    node.Kind.String(),
		"gid":     node.GID,
		"updated": node.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert node %s: %w", node.Address, err)
	}
	return nil
}

// DeleteNode removes a node document.
func (f *FirestoreProvider) DeleteNode(ctx context.Context, address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if _, err := f.nodes().Doc(address).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete node %s: %w", address, err)
	}
	return nil
}
