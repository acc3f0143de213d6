package services

import (
	"context"

	"github.com/proxyfleet/backend/internal/models"
	"github.com/proxyfleet/backend/internal/outline"
)

// RemoteAPI is the narrow contract the sync engine needs from a server's
// management API. *outline.Client satisfies it; tests substitute a fake.
type RemoteAPI interface {
	ListKeys(ctx context.Context) ([]outline.AccessKey, error)
	Metrics(ctx context.Context) (map[string]int64, bool, error)
	CreateKey(ctx context.Context, name, method string) (*outline.AccessKey, error)
	DeleteKey(ctx context.Context, id string) error
	SetDataLimit(ctx context.Context, id string, limitBytes int64) error
	RemoveDataLimit(ctx context.Context, id string) error
	RenameKey(ctx context.Context, id, name string) error
}

// ClientFactory builds a management client for one server
type ClientFactory func(server *models.Server) RemoteAPI

// DefaultClientFactory connects to the server's real management endpoint
func DefaultClientFactory(server *models.Server) RemoteAPI {
	return outline.NewClient(server.APIURL, server.CertSHA256)
}
