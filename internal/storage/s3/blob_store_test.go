package s3

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = params
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, f.err
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	client := &fakePutter{}
	store := NewWithClient(client, Config{Bucket: "legal-raw", Prefix: "/corpus/"})

	uri, err := store.PutObject(context.Background(), "raw/dat_dai/e1/h.html", "text/html", []byte("<html/>"))
	require.NoError(t, err)
	require.Equal(t, "s3://legal-raw/corpus/raw/dat_dai/e1/h.html", uri)
	require.Equal(t, "legal-raw", aws.ToString(client.input.Bucket))
	require.Equal(t, "corpus/raw/dat_dai/e1/h.html", aws.ToString(client.input.Key))
	require.Equal(t, "text/html", aws.ToString(client.input.ContentType))
	require.Equal(t, "<html/>", string(client.body))
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	store := NewWithClient(&fakePutter{err: errors.New("denied")}, Config{Bucket: "b"})
	_, err := store.PutObject(context.Background(), "a.html", "", nil)
	require.ErrorContains(t, err, "denied")

	_, err = store.PutObject(context.Background(), "", "", nil)
	require.Error(t, err)
}

func TestEndpointURL(t *testing.T) {
	t.Parallel()

	require.Empty(t, endpointURL("", true))
	require.Equal(t, "http://localhost:9000", endpointURL("localhost:9000", false))
	require.Equal(t, "https://minio.internal", endpointURL("http://minio.internal/path", true))
}
