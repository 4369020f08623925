package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// tableWaitTimeout bounds how long Open waits for a newly created table.
const tableWaitTimeout = 2 * time.Minute

// IndexAttrPrefix prefixes the derived attributes secondary indexes are keyed
// on. "_ix_breed" is written only while "breed" holds a non-empty string, so
// indexed fields accept values of any type.
const IndexAttrPrefix = "_ix_"

func indexAttr(field string) string { return IndexAttrPrefix + field }

// DynamoAPI is the subset of *dynamodb.Client used by DynamoCollection.
type DynamoAPI interface {
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	UpdateTable(ctx context.Context, in *dynamodb.UpdateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTableOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoCollection is the DynamoDB driver. Each document is one item keyed by
// "_id"; filters are rendered into filter expressions (see internal/filter for
// the supported operators).
type DynamoCollection struct {
	client DynamoAPI
	table  string
	logger *zap.Logger

	// indexedReads serves criteria reads from an ACTIVE GSI when possible.
	// GSI reads are eventually consistent.
	indexedReads bool

	mu      sync.RWMutex
	fields  []string          // index fields maintained on writes
	indexes map[string]string // field -> ACTIVE GSI name
}

// NewDynamoCollection wraps an existing client and table.
func NewDynamoCollection(client DynamoAPI, table string, logger *zap.Logger) *DynamoCollection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DynamoCollection{
		client:  client,
		table:   table,
		logger:  logger,
		indexes: make(map[string]string),
	}
}

func dialDynamo(ctx context.Context, cfg Config, logger *zap.Logger) (*DynamoCollection, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(cfg.Timeout)),
	}
	if cfg.Username != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Username, cfg.Password, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := cfg.DynamoEndpoint()
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	d := NewDynamoCollection(client, cfg.TableName(), logger)
	d.indexedReads = cfg.IndexedReads
	var indexFields []string
	if !cfg.SkipIndexes {
		indexFields = cfg.IndexFields
	}
	if err := d.EnsureTable(ctx, indexFields); err != nil {
		return nil, err
	}
	return d, nil
}

// EnsureTable creates the table, with one GSI per index field, when it does
// not exist yet, and waits for it to become active.
func (d *DynamoCollection) EnsureTable(ctx context.Context, indexFields []string) error {
	d.setFields(indexFields)

	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("describe table %s: %w", d.table, err)
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(d.table),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(IDField), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(IDField), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
	}
	for _, field := range lo.Uniq(indexFields) {
		input.AttributeDefinitions = append(input.AttributeDefinitions, types.AttributeDefinition{
			AttributeName: aws.String(indexAttr(field)),
			AttributeType: types.ScalarAttributeTypeS,
		})
		input.GlobalSecondaryIndexes = append(input.GlobalSecondaryIndexes, gsiFor(field))
	}

	_, err = d.client.CreateTable(ctx, input)
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("create table %s: %w", d.table, err)
	}
	d.logger.Info("created table", zap.String("table", d.table), zap.Strings("indexes", indexFields))

	waiter := dynamodb.NewTableExistsWaiter(d.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)}, tableWaitTimeout); err != nil {
		return fmt.Errorf("wait for table %s: %w", d.table, err)
	}
	return nil
}

func (d *DynamoCollection) Ping(ctx context.Context) error {
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)})
	return dynamoErr(err)
}

// EnsureIndexes records the ACTIVE indexes for query planning and requests
// the first missing one. DynamoDB builds one new index per table update, so
// remaining fields are requested on later calls.
func (d *DynamoCollection) EnsureIndexes(ctx context.Context, fields []string) error {
	d.setFields(fields)

	out, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)})
	if err != nil {
		return dynamoErr(err)
	}

	existing := map[string]bool{}
	active := map[string]string{}
	if out.Table != nil {
		for _, gsi := range out.Table.GlobalSecondaryIndexes {
			field, ok := strings.CutPrefix(hashKeyOf(gsi.KeySchema), IndexAttrPrefix)
			if !ok {
				continue
			}
			existing[field] = true
			if gsi.IndexStatus == types.IndexStatusActive {
				active[field] = aws.ToString(gsi.IndexName)
			}
		}
	}
	d.mu.Lock()
	d.indexes = active
	d.mu.Unlock()

	missing := lo.Filter(lo.Uniq(fields), func(f string, _ int) bool { return !existing[f] })
	if len(missing) == 0 {
		return nil
	}

	field := missing[0]
	_, err = d.client.UpdateTable(ctx, &dynamodb.UpdateTableInput{
		TableName: aws.String(d.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(indexAttr(field)), AttributeType: types.ScalarAttributeTypeS},
		},
		GlobalSecondaryIndexUpdates: []types.GlobalSecondaryIndexUpdate{
			{Create: &types.CreateGlobalSecondaryIndexAction{
				IndexName:  aws.String(indexName(field)),
				KeySchema:  gsiFor(field).KeySchema,
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("index %s: %w", field, err)
	}
	d.logger.Info("index requested", zap.String("field", field), zap.Strings("pending", missing[1:]))
	return nil
}

func (d *DynamoCollection) InsertOne(ctx context.Context, doc Document) (CreateResult, error) {
	body := map[string]any(doc.WithoutID())
	if err := checkReserved(body); err != nil {
		return CreateResult{}, err
	}
	item, err := attributevalue.MarshalMap(body)
	if err != nil {
		return CreateResult{}, fmt.Errorf("%w: marshal document: %v", ErrInvalidArgument, err)
	}
	for name, av := range indexAttrs(body, d.indexFields()) {
		item[name] = av
	}
	id := NewID()
	item[IDField] = &types.AttributeValueMemberS{Value: id}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(d.table),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{"#id": IDField},
	})
	if err != nil {
		return CreateResult{}, dynamoErr(err)
	}
	return CreateResult{Acknowledged: true, ID: id}, nil
}

func (d *DynamoCollection) FindByID(ctx context.Context, id string) (Document, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, dynamoErr(err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	return unmarshalDocument(out.Item)
}

func (d *DynamoCollection) Find(ctx context.Context, f Filter) (DocumentCursor, error) {
	pages, err := d.pages(f, nil, false, d.indexedReads)
	if err != nil {
		return nil, err
	}
	return &dynamoCursor{next: pages, dropID: true}, nil
}

// UpdateMany updates each matching item whose values differ from the set
// values, so Modified counts real changes the way MongoDB does. Matches come
// from a consistent scan so records created just before are always seen.
func (d *DynamoCollection) UpdateMany(ctx context.Context, f Filter, values Document) (UpdateResult, error) {
	if err := checkReserved(values); err != nil {
		return UpdateResult{}, err
	}
	pages, err := d.pages(f, nil, false, false)
	if err != nil {
		return UpdateResult{}, err
	}

	paths := lo.Keys(map[string]any(values))
	sort.Strings(paths)
	setValues := make(map[string]types.AttributeValue, len(paths))
	for _, p := range paths {
		av, err := attributevalue.Marshal(values[p])
		if err != nil {
			return UpdateResult{}, fmt.Errorf("%w: marshal %s: %v", ErrInvalidArgument, p, err)
		}
		setValues[p] = av
	}
	fields := d.indexFields()

	var res UpdateResult
	cur := &dynamoCursor{next: pages}
	for cur.nextRaw(ctx) {
		item := cur.raw
		res.Matched++
		if !differs(item, setValues) {
			continue
		}

		b := newExprBuilder()
		var sets, removes []string
		for _, p := range paths {
			sets = append(sets, fmt.Sprintf("%s = %s", b.name(p), b.attr(setValues[p])))
		}
		want, err := updatedIndexAttrs(item, values, fields)
		if err != nil {
			return res, err
		}
		for _, field := range fields {
			name := indexAttr(field)
			have, w := item[name], want[name]
			switch {
			case w != nil && (have == nil || !attrEqual(have, w)):
				sets = append(sets, fmt.Sprintf("%s = %s", b.attrName(name), b.attr(w)))
			case w == nil && have != nil:
				removes = append(removes, b.attrName(name))
			}
		}
		update := "SET " + strings.Join(sets, ", ")
		if len(removes) > 0 {
			update += " REMOVE " + strings.Join(removes, ", ")
		}
		cond := fmt.Sprintf("attribute_exists(%s)", b.name(IDField))

		_, err = d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 aws.String(d.table),
			Key:                       map[string]types.AttributeValue{IDField: item[IDField]},
			UpdateExpression:          aws.String(update),
			ConditionExpression:       aws.String(cond),
			ExpressionAttributeNames:  b.names,
			ExpressionAttributeValues: b.values,
		})
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			// Deleted between scan and update.
			res.Matched--
			continue
		}
		if err != nil {
			return res, dynamoErr(err)
		}
		res.Modified++
	}
	if err := cur.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func (d *DynamoCollection) DeleteMany(ctx context.Context, f Filter) (DeleteResult, error) {
	pages, err := d.pages(f, []string{IDField}, false, false)
	if err != nil {
		return DeleteResult{}, err
	}

	var res DeleteResult
	cur := &dynamoCursor{next: pages}
	for cur.nextRaw(ctx) {
		out, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:    aws.String(d.table),
			Key:          map[string]types.AttributeValue{IDField: cur.raw[IDField]},
			ReturnValues: types.ReturnValueAllOld,
		})
		if err != nil {
			return res, dynamoErr(err)
		}
		if len(out.Attributes) > 0 {
			res.Deleted++
		}
	}
	if err := cur.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func (d *DynamoCollection) Count(ctx context.Context, f Filter) (int64, error) {
	pages, err := d.pages(f, nil, true, false)
	if err != nil {
		return 0, err
	}
	var n int64
	for {
		page, err := pages(ctx)
		if err != nil {
			return n, err
		}
		n += int64(page.count)
		if !page.more {
			return n, nil
		}
	}
}

// Close is a no-op; the SDK client holds no connection to release.
func (d *DynamoCollection) Close(context.Context) error { return nil }

// page is one page of items returned by Scan or Query.
type page struct {
	items []map[string]types.AttributeValue
	count int32
	more  bool
}

type pageFunc func(ctx context.Context) (page, error)

// pages plans the read for f: a consistent Scan, or with indexed set a Query
// on an ACTIVE index when f has a string equality on an indexed field.
func (d *DynamoCollection) pages(f Filter, projection []string, count, indexed bool) (pageFunc, error) {
	node, err := parseFilter(f)
	if err != nil {
		return nil, err
	}

	var indexes map[string]string
	if indexed {
		d.mu.RLock()
		indexes = d.indexes
		d.mu.RUnlock()
	}

	b := newExprBuilder()
	key, index, rest := planQuery(node, indexes)

	filterExpr, err := b.render(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	var projExpr string
	if len(projection) > 0 {
		projExpr = strings.Join(lo.Map(projection, func(p string, _ int) string { return b.name(p) }), ", ")
	}

	if index != "" {
		keyExpr := fmt.Sprintf("%s = %s", b.attrName(indexAttr(key.Path)), b.attr(&types.AttributeValueMemberS{Value: key.Value.(string)}))
		input := &dynamodb.QueryInput{
			TableName:                aws.String(d.table),
			IndexName:                aws.String(index),
			KeyConditionExpression:   aws.String(keyExpr),
			ExpressionAttributeNames: b.names,
		}
		if len(b.values) > 0 {
			input.ExpressionAttributeValues = b.values
		}
		if filterExpr != "" {
			input.FilterExpression = aws.String(filterExpr)
		}
		if projExpr != "" {
			input.ProjectionExpression = aws.String(projExpr)
		}
		if count {
			input.Select = types.SelectCount
		}
		d.logger.Debug("query plan", zap.String("index", index), zap.String("filter", filterExpr))

		p := dynamodb.NewQueryPaginator(d.client, input)
		return func(ctx context.Context) (page, error) {
			if !p.HasMorePages() {
				return page{}, nil
			}
			out, err := p.NextPage(ctx)
			if err != nil {
				return page{}, dynamoErr(err)
			}
			return page{items: out.Items, count: out.Count, more: p.HasMorePages()}, nil
		}, nil
	}

	input := &dynamodb.ScanInput{
		TableName:      aws.String(d.table),
		ConsistentRead: aws.Bool(true),
	}
	if len(b.names) > 0 {
		input.ExpressionAttributeNames = b.names
	}
	if len(b.values) > 0 {
		input.ExpressionAttributeValues = b.values
	}
	if filterExpr != "" {
		input.FilterExpression = aws.String(filterExpr)
	}
	if projExpr != "" {
		input.ProjectionExpression = aws.String(projExpr)
	}
	if count {
		input.Select = types.SelectCount
	}

	p := dynamodb.NewScanPaginator(d.client, input)
	return func(ctx context.Context) (page, error) {
		if !p.HasMorePages() {
			return page{}, nil
		}
		out, err := p.NextPage(ctx)
		if err != nil {
			return page{}, dynamoErr(err)
		}
		return page{items: out.Items, count: out.Count, more: p.HasMorePages()}, nil
	}, nil
}

// dynamoCursor pulls pages lazily and unmarshals one item at a time.
type dynamoCursor struct {
	next   pageFunc
	dropID bool

	buf  []map[string]types.AttributeValue
	done bool
	raw  map[string]types.AttributeValue
	doc  Document
	err  error
}

func (c *dynamoCursor) nextRaw(ctx context.Context) bool {
	for len(c.buf) == 0 {
		if c.done || c.err != nil {
			return false
		}
		p, err := c.next(ctx)
		if err != nil {
			c.err = err
			return false
		}
		c.buf = p.items
		c.done = !p.more
	}
	c.raw, c.buf = c.buf[0], c.buf[1:]
	return true
}

func (c *dynamoCursor) Next(ctx context.Context) bool {
	if !c.nextRaw(ctx) {
		return false
	}
	doc, err := unmarshalDocument(c.raw)
	if err != nil {
		c.err = err
		return false
	}
	if c.dropID {
		delete(doc, IDField)
	}
	c.doc = doc
	return true
}

func (c *dynamoCursor) Document() Document { return c.doc }
func (c *dynamoCursor) Err() error         { return c.err }

func (c *dynamoCursor) Close(context.Context) error {
	c.done, c.buf = true, nil
	return nil
}

// unmarshalDocument converts an item into a document, dropping derived index attributes.
func unmarshalDocument(item map[string]types.AttributeValue) (Document, error) {
	var doc map[string]any
	if err := attributevalue.UnmarshalMap(item, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	for k := range doc {
		if strings.HasPrefix(k, IndexAttrPrefix) {
			delete(doc, k)
		}
	}
	return Document(doc), nil
}

func (d *DynamoCollection) setFields(fields []string) {
	d.mu.Lock()
	d.fields = lo.Uniq(fields)
	d.mu.Unlock()
}

func (d *DynamoCollection) indexFields() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fields
}

// checkReserved rejects top-level fields that collide with derived index attributes.
func checkReserved(doc map[string]any) error {
	for k := range doc {
		if strings.HasPrefix(k, IndexAttrPrefix) {
			return fmt.Errorf("%w: field %q uses the reserved prefix %s", ErrInvalidArgument, k, IndexAttrPrefix)
		}
	}
	return nil
}

func idKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{IDField: &types.AttributeValueMemberS{Value: id}}
}

func indexName(field string) string { return field + "-index" }

func gsiFor(field string) types.GlobalSecondaryIndex {
	return types.GlobalSecondaryIndex{
		IndexName: aws.String(indexName(field)),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(indexAttr(field)), KeyType: types.KeyTypeHash},
		},
		Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
	}
}

func hashKeyOf(schema []types.KeySchemaElement) string {
	for _, k := range schema {
		if k.KeyType == types.KeyTypeHash {
			return aws.ToString(k.AttributeName)
		}
	}
	return ""
}

// dynamoErr maps DynamoDB errors onto the package error kinds.
func dynamoErr(err error) error {
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}
