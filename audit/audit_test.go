package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/model"
)

func sampleCommand() (*command.Command, *command.Result) {
	cmd := command.New(command.TypeProjectCreate, &model.User{ID: "u1"}, &model.Project{ID: "p1", Organization: "o1", DisplayName: "P"})
	r := command.NewResult(cmd)
	r.Finalize(nil)
	return cmd, r
}

func TestJSONWriterWritesLines(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONWriter(&buf)
	cmd, r := sampleCommand()

	require.NoError(t, w.Audit(context.Background(), cmd, r, "local"))
	require.NoError(t, w.Audit(context.Background(), cmd, r, "local"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var entry Entry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, cmd.ID, entry.CommandID)
	assert.Equal(t, "u1", entry.UserID)
	assert.Equal(t, "o1", entry.Organization)
	assert.Equal(t, command.RuntimeStatusCompleted, entry.RuntimeStatus)
	assert.IsType(t, &model.Project{}, entry.Command.Payload)
}

func TestMultiJoinsFailures(t *testing.T) {
	mem := &Memory{}
	failing := WriterFunc(func(context.Context, *command.Command, *command.Result, string) error {
		return assert.AnError
	})
	cmd, r := sampleCommand()

	err := Multi{failing, mem}.Audit(context.Background(), cmd, r, "")
	assert.ErrorIs(t, err, assert.AnError)
	assert.Len(t, mem.For(cmd.ID), 1, "later writers still run")
}

type fakeBlobs struct {
	createErr error
	uploadErr error
	uploads   map[string][]byte
	headers   map[string]*azblob.UploadBufferOptions
}

func (f *fakeBlobs) CreateContainer(context.Context, string, *azblob.CreateContainerOptions) (azblob.CreateContainerResponse, error) {
	return azblob.CreateContainerResponse{}, f.createErr
}

func (f *fakeBlobs) UploadBuffer(_ context.Context, container, name string, buf []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error) {
	if f.uploadErr != nil {
		return azblob.UploadBufferResponse{}, f.uploadErr
	}
	if f.uploads == nil {
		f.uploads = map[string][]byte{}
		f.headers = map[string]*azblob.UploadBufferOptions{}
	}
	f.uploads[container+"/"+name] = buf
	f.headers[container+"/"+name] = o
	return azblob.UploadBufferResponse{}, nil
}

func TestBlobWriterUploadsEntry(t *testing.T) {
	blobs := &fakeBlobs{}
	w, err := NewBlobWriter(context.Background(), blobs, "")
	require.NoError(t, err)

	cmd, r := sampleCommand()
	require.NoError(t, w.Audit(context.Background(), cmd, r, "azure"))

	key := "audit/o1/p1/" + cmd.ID + ".json"
	require.Contains(t, blobs.uploads, key)
	var entry Entry
	require.NoError(t, json.Unmarshal(blobs.uploads[key], &entry))
	assert.Equal(t, "azure", entry.Provider)
	assert.Equal(t, "Completed", *blobs.headers[key].Metadata["runtimestatus"])
}

func TestBlobWriterClassifiesErrors(t *testing.T) {
	blobs := &fakeBlobs{uploadErr: &azcore.ResponseError{StatusCode: http.StatusForbidden, ErrorCode: "AuthorizationFailure"}}
	w, err := NewBlobWriter(context.Background(), blobs, "audit")
	require.NoError(t, err)

	cmd, r := sampleCommand()
	err = w.Audit(context.Background(), cmd, r, "")
	require.Error(t, err)
	assert.True(t, command.IsRetryCancelled(err))

	_, err = NewBlobWriter(context.Background(), &fakeBlobs{createErr: &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}}, "audit")
	require.Error(t, err)
	assert.False(t, command.IsRetryCancelled(err))
}
