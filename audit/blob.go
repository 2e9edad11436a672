package audit

import (
	"context"
	"encoding/json"
	"path"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/provider/azure"
)

// BlobUploader is the subset of *azblob.Client the blob writer uses.
type BlobUploader interface {
	CreateContainer(ctx context.Context, containerName string, o *azblob.CreateContainerOptions) (azblob.CreateContainerResponse, error)
	UploadBuffer(ctx context.Context, containerName, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
}

// BlobWriter stores the latest audit entry of each command as a JSON blob
// named organization/project/commandId.json.
type BlobWriter struct {
	client    BlobUploader
	container string
}

// NewBlobWriterFromConnectionString connects with a storage account
// connection string and ensures the container exists.
func NewBlobWriterFromConnectionString(ctx context.Context, connectionString, container string) (*BlobWriter, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryBadInput, "azure storage connection string")
	}
	return NewBlobWriter(ctx, client, container)
}

func NewBlobWriter(ctx context.Context, client BlobUploader, container string) (*BlobWriter, error) {
	if container == "" {
		container = "audit"
	}
	if _, err := client.CreateContainer(ctx, container, nil); err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, azure.ClassifyError(err, "create audit container "+container)
	}
	return &BlobWriter{client: client, container: container}, nil
}

func (b *BlobWriter) Audit(ctx context.Context, cmd *command.Command, result *command.Result, provider string) error {
	entry := NewEntry(cmd, result, provider)
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "encode audit entry "+entry.CommandID)
	}
	contentType := "application/json"
	_, err = b.client.UploadBuffer(ctx, b.container, BlobName(entry), data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
		Metadata: map[string]*string{
			"commandtype":   strPtr(string(entry.CommandType)),
			"runtimestatus": strPtr(string(entry.RuntimeStatus)),
		},
	})
	if err != nil {
		return azure.ClassifyError(err, "upload audit entry "+entry.CommandID)
	}
	return nil
}

// BlobName is the blob path of an entry.
func BlobName(e Entry) string {
	org := e.Organization
	if org == "" {
		org = "_"
	}
	project := e.ProjectID
	if project == "" {
		project = "_"
	}
	return path.Join(org, project, e.CommandID+".json")
}

func strPtr(s string) *string { return &s }
