// Package store holds the domain.OrderStore implementations: S3 objects for the
// deployed order handler and SQLite for local use.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/jettro/bedrock-agent/internal/domain"
	"github.com/jettro/bedrock-agent/internal/infra/tracer"
)

// OrderPrefix is the key prefix of order objects.
const OrderPrefix = "orders/"

// s3API abstracts the S3 methods the store uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3OrderStore implements domain.OrderStore with one JSON object per order
// under orders/<id>.json.
type S3OrderStore struct {
	client s3API
	bucket string
	logger *slog.Logger
}

// NewS3OrderStore creates a store on an S3 client built from awsCfg.
func NewS3OrderStore(awsCfg aws.Config, bucket string, logger *slog.Logger) *S3OrderStore {
	return newS3OrderStoreWithClient(s3.NewFromConfig(awsCfg), bucket, logger)
}

// newS3OrderStoreWithClient creates a store with an injected client (for testing).
func newS3OrderStoreWithClient(client s3API, bucket string, logger *slog.Logger) *S3OrderStore {
	return &S3OrderStore{client: client, bucket: bucket, logger: logger}
}

// OrderKey returns the object key of an order.
func OrderKey(id string) string {
	return OrderPrefix + id + ".json"
}

// Put writes the order, replacing an existing one with the same id.
func (s *S3OrderStore) Put(ctx context.Context, order domain.Order) (err error) {
	ctx, span := s.span(ctx, "orders.s3.put", order.OrderID)
	defer func() { tracer.Finish(span, err) }()

	if order.OrderID == "" {
		return domain.NewSubSystemError("order", "S3OrderStore.Put", domain.ErrMissingField, "orderId")
	}
	body, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(OrderKey(order.OrderID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return s.mapError("S3OrderStore.Put", order.OrderID, err)
	}
	s.logger.Debug("order stored", "order_id", order.OrderID, "bucket", s.bucket)
	return nil
}

// Get reads the order with the given id.
func (s *S3OrderStore) Get(ctx context.Context, id string) (_ *domain.Order, err error) {
	ctx, span := s.span(ctx, "orders.s3.get", id)
	defer func() { tracer.Finish(span, err) }()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(OrderKey(id)),
	})
	if err != nil {
		return nil, s.mapError("S3OrderStore.Get", id, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, domain.WrapOp("S3OrderStore.Get", err)
	}
	return decodeOrder(data)
}

// Delete removes the order. S3 does not report missing keys on delete.
func (s *S3OrderStore) Delete(ctx context.Context, id string) (err error) {
	ctx, span := s.span(ctx, "orders.s3.delete", id)
	defer func() { tracer.Finish(span, err) }()

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(OrderKey(id)),
	})
	if err != nil {
		return s.mapError("S3OrderStore.Delete", id, err)
	}
	s.logger.Debug("order deleted", "order_id", id, "bucket", s.bucket)
	return nil
}

// List reads every order under the orders prefix, sorted by id.
func (s *S3OrderStore) List(ctx context.Context) (_ []domain.Order, err error) {
	ctx, span := tracer.StartSpan(ctx, "orders.s3.list", trace.WithAttributes(tracer.StringAttr("s3.bucket", s.bucket)))
	defer func() { tracer.Finish(span, err) }()

	var orders []domain.Order
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(OrderPrefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, s.mapError("S3OrderStore.List", "", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			id := strings.TrimSuffix(strings.TrimPrefix(key, OrderPrefix), ".json")
			o, err := s.Get(ctx, id)
			if err != nil {
				if domain.IsNotFound(err) {
					continue // deleted while listing
				}
				return nil, err
			}
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].OrderID < orders[j].OrderID })
	return orders, nil
}

func (s *S3OrderStore) span(ctx context.Context, name, id string) (context.Context, trace.Span) {
	return tracer.StartSpan(ctx, name, trace.WithAttributes(
		tracer.StringAttr("s3.bucket", s.bucket),
		tracer.StringAttr("order.id", id),
	))
}

func (s *S3OrderStore) mapError(op, id string, err error) error {
	if isS3NotFound(err) {
		return domain.NewSubSystemError("order", op, domain.ErrNotFound, id)
	}
	return domain.NewSubSystemError("order", op, domain.ErrProviderError, err.Error())
}

// isS3NotFound reports whether err is S3's answer for a missing key or bucket.
func isS3NotFound(err error) bool {
	var noKey *s3types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}
