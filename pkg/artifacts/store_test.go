package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStoreSuite(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	data := []byte(`{"confidence":0.8}`)

	digest, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, Digest(data), digest)

	again, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, digest, again, "put is idempotent")

	got, err := store.Get(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := store.Exists(ctx, digest)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Delete(ctx, digest))
	ok, err = store.Exists(ctx, digest)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, digest)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Get(ctx, "md5:abc")
	assert.Error(t, err)
	_, err = store.Exists(ctx, "sha256:zz")
	assert.Error(t, err)
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	runStoreSuite(t, store)
}

func TestFileStore_NoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Put(context.Background(), []byte("same evidence"))
		}()
	}
	wg.Wait()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".blob", filepath.Ext(entries[0].Name()))
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

// fakeS3 is an in-memory s3API.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	fake := newFakeS3()
	store := newS3Store(fake, "evidence", "icgl")
	runStoreSuite(t, store)
}

func TestS3Store_KeyLayoutAndSinglePut(t *testing.T) {
	fake := newFakeS3()
	store := newS3Store(fake, "evidence", "reports")
	ctx := context.Background()

	digest, err := store.Put(ctx, []byte("x"))
	require.NoError(t, err)
	_, err = store.Put(ctx, []byte("x"))
	require.NoError(t, err)

	assert.Equal(t, 1, fake.puts)
	_, ok := fake.objects["reports/"+digest[len("sha256:"):]+".blob"]
	assert.True(t, ok)
}

type brokenS3 struct{ *fakeS3 }

func (b *brokenS3) HeadObject(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return nil, errors.New("access denied")
}

func TestS3Store_HeadErrorIsNotMissing(t *testing.T) {
	store := newS3Store(&brokenS3{fakeS3: newFakeS3()}, "evidence", "")
	_, err := store.Put(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}
