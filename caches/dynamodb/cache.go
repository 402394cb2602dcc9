package dynamodb

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
)

const (
	attrBucket = "bucket"
	attrKey    = "key"

	// markerKey is the sort key of the item recording that a bucket exists.
	markerKey = "#bucket"

	// batchSize is the BatchWriteItem limit.
	batchSize = 25
)

// Config defines the configuration options for the DynamoDB storage implementation.
type Config struct {
	Table string
}

// Cache implements offlinecache.Storage using Amazon DynamoDB as the storage
// backend. Every bucket is one partition of the table; a marker item in the
// partition records that the bucket exists.
type Cache struct {
	client *dynamodb.Client

	table string
	now   func() time.Time
}

// Bucket is a handle on one partition of the table.
type Bucket struct {
	cache *Cache
	name  string
}

type cacheItem struct {
	Bucket    string `json:"bucket" dynamodbav:"bucket"`
	Key       string `json:"key" dynamodbav:"key"`
	Response  []byte `json:"response,omitempty" dynamodbav:"response,omitempty"`
	CreatedAt int64  `json:"created_at" dynamodbav:"created_at"`
}

func (c *Cache) itemKey(bucket, key string) (map[string]types.AttributeValue, error) {
	b, err := attributevalue.Marshal(bucket)
	if err != nil {
		return nil, err
	}
	k, err := attributevalue.Marshal(key)
	if err != nil {
		return nil, err
	}

	return map[string]types.AttributeValue{
		attrBucket: b,
		attrKey:    k,
	}, nil
}

// Open writes the bucket marker unless it already exists.
func (c *Cache) Open(ctx context.Context, name string) (offlinecache.Bucket, error) {
	av, err := attributevalue.MarshalMap(cacheItem{
		Bucket:    name,
		Key:       markerKey,
		CreatedAt: c.now().UTC().UnixNano(),
	})
	if err != nil {
		return nil, err
	}

	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(c.table),
		Item:                     av,
		ConditionExpression:      aws.String("attribute_not_exists(#b)"),
		ExpressionAttributeNames: map[string]string{"#b": attrBucket},
	})

	var exists *types.ConditionalCheckFailedException
	if err != nil && !errors.As(err, &exists) {
		return nil, err
	}

	return &Bucket{cache: c, name: name}, nil
}

// Keys scans the table for bucket markers and returns their names by creation time.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	marker, err := attributevalue.Marshal(markerKey)
	if err != nil {
		return nil, err
	}

	p := dynamodb.NewScanPaginator(c.client, &dynamodb.ScanInput{
		TableName:                aws.String(c.table),
		ConsistentRead:           aws.Bool(true),
		FilterExpression:         aws.String("#k = :marker"),
		ExpressionAttributeNames: map[string]string{"#k": attrKey},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":marker": marker,
		},
	})

	var markers []cacheItem
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}

		var items []cacheItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, err
		}
		markers = append(markers, items...)
	}

	sort.Slice(markers, func(i, j int) bool {
		if markers[i].CreatedAt != markers[j].CreatedAt {
			return markers[i].CreatedAt < markers[j].CreatedAt
		}
		return markers[i].Bucket < markers[j].Bucket
	})

	names := make([]string, 0, len(markers))
	for _, m := range markers {
		names = append(names, m.Bucket)
	}

	return names, nil
}

// Delete removes every item of the bucket partition, the marker last.
func (c *Cache) Delete(ctx context.Context, name string) (bool, error) {
	bucket, err := attributevalue.Marshal(name)
	if err != nil {
		return false, err
	}

	p := dynamodb.NewQueryPaginator(c.client, &dynamodb.QueryInput{
		TableName:                aws.String(c.table),
		ConsistentRead:           aws.Bool(true),
		KeyConditionExpression:   aws.String("#b = :bucket"),
		ProjectionExpression:     aws.String("#b, #k"),
		ExpressionAttributeNames: map[string]string{"#b": attrBucket, "#k": attrKey},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":bucket": bucket,
		},
	})

	var keys []map[string]types.AttributeValue
	found := false
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return false, err
		}

		for _, item := range page.Items {
			var k cacheItem
			if err := attributevalue.UnmarshalMap(item, &k); err != nil {
				return false, err
			}
			if k.Key == markerKey {
				found = true
				continue
			}
			keys = append(keys, item)
		}
	}

	if !found && len(keys) == 0 {
		return false, nil
	}

	if err := c.deleteItems(ctx, keys); err != nil {
		return false, err
	}

	marker, err := c.itemKey(name, markerKey)
	if err != nil {
		return false, err
	}

	if _, err := c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.table),
		Key:       marker,
	}); err != nil {
		return false, err
	}

	return found, nil
}

func (c *Cache) deleteItems(ctx context.Context, keys []map[string]types.AttributeValue) error {
	for start := 0; start < len(keys); start += batchSize {
		end := min(start+batchSize, len(keys))

		requests := make([]types.WriteRequest, 0, end-start)
		for _, k := range keys[start:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: k},
			})
		}

		pending := map[string][]types.WriteRequest{c.table: requests}
		for len(pending) > 0 {
			out, err := c.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: pending,
			})
			if err != nil {
				return err
			}
			pending = out.UnprocessedItems
		}
	}

	return nil
}

// Match retrieves a cache item from DynamoDB by its key.
func (b *Bucket) Match(ctx context.Context, k string) (*offlinecache.CacheItem, error) {
	key, err := b.cache.itemKey(b.name, k)
	if err != nil {
		return nil, err
	}

	output, err := b.cache.client.GetItem(ctx, &dynamodb.GetItemInput{
		Key:            key,
		ConsistentRead: aws.Bool(true),
		TableName:      aws.String(b.cache.table),
	})
	if err != nil {
		return nil, err
	}

	if output.Item == nil {
		return nil, b.missing(ctx)
	}

	var item cacheItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return nil, err
	}

	var ci offlinecache.CacheItem
	if err := gobDecode(item.Response, &ci); err != nil {
		return nil, err
	}

	return &ci, nil
}

// missing tells a miss in a live bucket from a lookup in a deleted one.
func (b *Bucket) missing(ctx context.Context) error {
	marker, err := b.cache.itemKey(b.name, markerKey)
	if err != nil {
		return err
	}

	output, err := b.cache.client.GetItem(ctx, &dynamodb.GetItemInput{
		Key:                  marker,
		ConsistentRead:       aws.Bool(true),
		ProjectionExpression: aws.String("#b"),
		ExpressionAttributeNames: map[string]string{
			"#b": attrBucket,
		},
		TableName: aws.String(b.cache.table),
	})
	if err != nil {
		return err
	}

	if output.Item == nil {
		return caches.ErrNoBucket
	}

	return caches.ErrNoCacheItem
}

// Put stores the item in the same transaction as a check that the bucket
// marker still exists, so a deleted bucket is never resurrected.
func (b *Bucket) Put(ctx context.Context, k string, v *offlinecache.CacheItem) error {
	if k == markerKey {
		return caches.ValidationError{Reason: "reserved key " + markerKey}
	}

	encItem, err := gobEncode(v)
	if err != nil {
		return err
	}

	av, err := attributevalue.MarshalMap(cacheItem{
		Bucket:    b.name,
		Key:       k,
		Response:  encItem,
		CreatedAt: b.cache.now().UTC().UnixNano(),
	})
	if err != nil {
		return err
	}

	marker, err := b.cache.itemKey(b.name, markerKey)
	if err != nil {
		return err
	}

	_, err = b.cache.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName:                aws.String(b.cache.table),
					Key:                      marker,
					ConditionExpression:      aws.String("attribute_exists(#b)"),
					ExpressionAttributeNames: map[string]string{"#b": attrBucket},
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(b.cache.table),
					Item:      av,
				},
			},
		},
	})

	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return caches.ErrNoBucket
			}
		}
	}

	return err
}

// New creates a new DynamoDB storage with the provided configuration.
// Returns an error if the client is nil.
func New(ctx context.Context, client *dynamodb.Client, config *Config) (*Cache, error) {
	if client == nil {
		return nil, caches.ValidationError{
			Reason: "nil client",
		}
	}

	table := caches.DefaultTable
	if config != nil && config.Table != "" {
		table = config.Table
	}

	return &Cache{
		client: client,

		table: table,
		now:   time.Now,
	}, nil
}
