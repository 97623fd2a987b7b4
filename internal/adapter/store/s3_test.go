package store

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jettro/bedrock-agent/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memS3 is an in-memory bucket implementing s3API.
type memS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	pageLen int
}

func newMemS3() *memS3 { return &memS3{objects: map[string][]byte{}, pageLen: 1000} }

func (m *memS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *memS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	if len(keys) > m.pageLen {
		keys = keys[:m.pageLen]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestS3OrderStore_CRUD(t *testing.T) {
	mem := newMemS3()
	store := newS3OrderStoreWithClient(mem, "orders-bucket", newTestLogger())
	ctx := context.Background()

	order := domain.Order{
		OrderID:    "125",
		UserID:     "1",
		Status:     "processing",
		Total:      decimal.NewNullDecimal(decimal.RequireFromString("99.95")),
		OrderLines: []domain.OrderLine{{Product: "heart rate monitor", Qty: 1}},
	}
	require.NoError(t, store.Put(ctx, order))
	assert.Contains(t, mem.objects, "orders/125.json")

	got, err := store.Get(ctx, "125")
	require.NoError(t, err)
	assert.Equal(t, "processing", got.Status)
	assert.True(t, order.Total.Decimal.Equal(got.Total.Decimal))
	assert.Equal(t, order.OrderLines, got.OrderLines)

	require.NoError(t, store.Delete(ctx, "125"))
	_, err = store.Get(ctx, "125")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodeOrderNotFound, domain.ErrorCodeOf(err))
}

func TestS3OrderStore_DeleteMissingIsNotAnError(t *testing.T) {
	store := newS3OrderStoreWithClient(newMemS3(), "b", newTestLogger())
	assert.NoError(t, store.Delete(context.Background(), "nope"))
}

func TestS3OrderStore_PutRequiresID(t *testing.T) {
	store := newS3OrderStoreWithClient(newMemS3(), "b", newTestLogger())
	err := store.Put(context.Background(), domain.Order{Status: "new"})
	assert.ErrorIs(t, err, domain.ErrMissingField)
}

func TestS3OrderStore_PutProviderError(t *testing.T) {
	mem := newMemS3()
	mem.putErr = &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}
	store := newS3OrderStoreWithClient(mem, "b", newTestLogger())

	err := store.Put(context.Background(), domain.Order{OrderID: "1"})
	assert.ErrorIs(t, err, domain.ErrProviderError)
	assert.Contains(t, err.Error(), "denied")
}

func TestS3OrderStore_ListPaginates(t *testing.T) {
	mem := newMemS3()
	mem.pageLen = 2
	store := newS3OrderStoreWithClient(mem, "b", newTestLogger())
	ctx := context.Background()

	for _, id := range []string{"3", "1", "2", "5", "4"} {
		require.NoError(t, store.Put(ctx, domain.Order{OrderID: id}))
	}
	mem.objects["orders/readme.txt"] = []byte("not an order")

	orders, err := store.List(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.OrderID)
	}
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, ids)
}

func TestIsS3NotFound(t *testing.T) {
	assert.True(t, isS3NotFound(&s3types.NoSuchKey{}))
	assert.True(t, isS3NotFound(&s3types.NotFound{}))
	assert.True(t, isS3NotFound(&smithy.GenericAPIError{Code: "NoSuchBucket"}))
	assert.False(t, isS3NotFound(&smithy.GenericAPIError{Code: "AccessDenied"}))
}

func TestOrderKey(t *testing.T) {
	assert.Equal(t, "orders/123.json", OrderKey("123"))
}
