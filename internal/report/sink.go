package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/ShayCichocki/vigil/internal/logging"
)

var (
	// ErrEmptyKey indicates an empty report key.
	ErrEmptyKey = errors.New("report key must not be empty")
	// ErrInvalidKey indicates a report key with a path traversal segment.
	ErrInvalidKey = errors.New("report key contains invalid path segment")
)

// Sink stores rendered reports under slash-separated keys.
type Sink interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
}

// FSSink writes reports below a local directory.
type FSSink struct {
	root string
}

// NewFSSink creates a sink rooted at dir.
func NewFSSink(dir string) *FSSink {
	return &FSSink{root: dir}
}

// Root returns the directory reports are written to.
func (s *FSSink) Root() string {
	return s.root
}

// Put writes the report to root/key, creating directories as needed.
func (s *FSSink) Put(_ context.Context, key string, r io.Reader, _ string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report %s: %w", key, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write report %s: %w", key, err)
	}
	return f.Close()
}

// AzureConfig holds Azure Blob Storage connection parameters.
type AzureConfig struct {
	ConnectionString string
	ContainerName    string
}

// AzureSink uploads reports to an Azure Blob Storage container.
type AzureSink struct {
	client    *azblob.Client
	container string
	logger    *slog.Logger
}

// NewAzureSink validates the connection string and creates the client.
// No request is made until EnsureContainer or Put is called.
func NewAzureSink(cfg AzureConfig, logger *slog.Logger) (*AzureSink, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("azure report sink requires a connection string")
	}
	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	container := cfg.ContainerName
	if container == "" {
		container = "vigil-reports"
	}
	return &AzureSink{
		client:    client,
		container: container,
		logger:    logging.OrNop(logger).With("sink", "azure"),
	}, nil
}

// EnsureContainer creates the container if it does not exist.
func (a *AzureSink) EnsureContainer(ctx context.Context) error {
	_, err := a.client.CreateContainer(ctx, a.container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("create container %s: %w", a.container, err)
	}
	a.logger.Info("report container ready", "container", a.container)
	return nil
}

// Put uploads the report as a block blob.
func (a *AzureSink) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	opts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: &contentType,
		},
	}
	if _, err := a.client.UploadStream(ctx, a.container, key, r, opts); err != nil {
		return fmt.Errorf("upload report %s: %w", key, err)
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	return nil
}
