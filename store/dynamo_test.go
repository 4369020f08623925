package store

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo serves canned pages and records the requests it receives.
// It does not evaluate expressions: every scanned item counts as a match.
type fakeDynamo struct {
	mu sync.Mutex

	pages     [][]map[string]types.AttributeValue
	items     map[string]map[string]types.AttributeValue
	table     *types.TableDescription
	missing   int // DescribeTable calls that report ResourceNotFound
	condFail  map[string]bool
	gone      map[string]bool
	scanErr   error
	describes int

	scans    []*dynamodb.ScanInput
	queries  []*dynamodb.QueryInput
	puts     []*dynamodb.PutItemInput
	updates  []*dynamodb.UpdateItemInput
	deletes  []*dynamodb.DeleteItemInput
	creates  []*dynamodb.CreateTableInput
	tableUps []*dynamodb.UpdateTableInput
}

func (f *fakeDynamo) DescribeTable(_ context.Context, _ *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describes++
	if f.describes <= f.missing {
		return nil, &types.ResourceNotFoundException{Message: aws.String("table not found")}
	}
	table := f.table
	if table == nil {
		table = &types.TableDescription{TableStatus: types.TableStatusActive}
	}
	return &dynamodb.DescribeTableOutput{Table: table}, nil
}

func (f *fakeDynamo) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, in)
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeDynamo) UpdateTable(_ context.Context, in *dynamodb.UpdateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tableUps = append(f.tableUps, in)
	return &dynamodb.UpdateTableOutput{}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, in)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := in.Key[IDField].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[id]}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, in)
	id := in.Key[IDField].(*types.AttributeValueMemberS).Value
	if f.condFail[id] {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, in)
	if f.gone[in.Key[IDField].(*types.AttributeValueMemberS).Value] {
		return &dynamodb.DeleteItemOutput{}, nil
	}
	return &dynamodb.DeleteItemOutput{Attributes: in.Key}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, in)
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	items, next := f.page(in.ExclusiveStartKey)
	out := &dynamodb.ScanOutput{LastEvaluatedKey: next, Count: int32(len(items))}
	if in.Select != types.SelectCount {
		out.Items = items
	}
	return out, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, in)
	items, next := f.page(in.ExclusiveStartKey)
	return &dynamodb.QueryOutput{Items: items, LastEvaluatedKey: next, Count: int32(len(items))}, nil
}

func (f *fakeDynamo) page(start map[string]types.AttributeValue) ([]map[string]types.AttributeValue, map[string]types.AttributeValue) {
	idx := 0
	if start != nil {
		idx, _ = strconv.Atoi(start["_page"].(*types.AttributeValueMemberN).Value)
	}
	if idx >= len(f.pages) {
		return nil, nil
	}
	var next map[string]types.AttributeValue
	if idx+1 < len(f.pages) {
		next = map[string]types.AttributeValue{"_page": &types.AttributeValueMemberN{Value: strconv.Itoa(idx + 1)}}
	}
	return f.pages[idx], next
}

func item(id string, fields map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := map[string]types.AttributeValue{IDField: &types.AttributeValueMemberS{Value: id}}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func str(s string) types.AttributeValue { return &types.AttributeValueMemberS{Value: s} }

func TestDynamoInsertOne(t *testing.T) {
	fake := &fakeDynamo{}
	d := NewDynamoCollection(fake, "AAC.animals", nil)

	res, err := d.InsertOne(context.Background(), Document{"name": "Rex", "age": 3})
	require.NoError(t, err)
	assert.True(t, res.Acknowledged)
	assert.True(t, ValidID(res.ID))

	require.Len(t, fake.puts, 1)
	put := fake.puts[0]
	assert.Equal(t, "AAC.animals", aws.ToString(put.TableName))
	assert.Equal(t, "attribute_not_exists(#id)", aws.ToString(put.ConditionExpression))
	assert.Equal(t, str(res.ID), put.Item[IDField])
	assert.Equal(t, str("Rex"), put.Item["name"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "3"}, put.Item["age"])
}

func TestDynamoFindByID(t *testing.T) {
	id := NewID()
	fake := &fakeDynamo{items: map[string]map[string]types.AttributeValue{
		id: item(id, map[string]types.AttributeValue{"name": str("Rex")}),
	}}
	d := NewDynamoCollection(fake, "AAC.animals", nil)

	doc, err := d.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, doc.ID())
	assert.Equal(t, "Rex", doc["name"])

	_, err = d.FindByID(context.Background(), NewID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoFind_ScansAllPages(t *testing.T) {
	fake := &fakeDynamo{pages: [][]map[string]types.AttributeValue{
		{item("a", map[string]types.AttributeValue{"name": str("Rex")}), item("b", map[string]types.AttributeValue{"name": str("Max")})},
		{item("c", map[string]types.AttributeValue{"name": str("Tom")})},
	}}
	d := NewDynamoCollection(fake, "AAC.animals", nil)

	cur, err := d.Find(context.Background(), Filter{"animal_type": "Dog"})
	require.NoError(t, err)
	var names []string
	for cur.Next(context.Background()) {
		doc := cur.Document()
		assert.NotContains(t, doc, IDField)
		names = append(names, doc["name"].(string))
	}
	require.NoError(t, cur.Err())
	require.NoError(t, cur.Close(context.Background()))

	assert.Equal(t, []string{"Rex", "Max", "Tom"}, names)
	require.Len(t, fake.scans, 2)
	assert.Equal(t, "(#n0 = :v0 OR (attribute_type(#n0, :tL) AND contains(#n0, :v0)))", aws.ToString(fake.scans[0].FilterExpression))
	assert.Equal(t, map[string]string{"#n0": "animal_type"}, fake.scans[0].ExpressionAttributeNames)
	assert.True(t, aws.ToBool(fake.scans[0].ConsistentRead))
}

func TestDynamoFind_MatchAllHasNoExpression(t *testing.T) {
	fake := &fakeDynamo{}
	d := NewDynamoCollection(fake, "AAC.animals", nil)

	cur, err := d.Find(context.Background(), Filter{})
	require.NoError(t, err)
	assert.False(t, cur.Next(context.Background()))
	require.NoError(t, cur.Err())

	require.Len(t, fake.scans, 1)
	assert.Nil(t, fake.scans[0].FilterExpression)
	assert.Nil(t, fake.scans[0].ExpressionAttributeNames)
	assert.Nil(t, fake.scans[0].ExpressionAttributeValues)
}

func TestDynamoFind_UnsupportedOperator(t *testing.T) {
	d := NewDynamoCollection(&fakeDynamo{}, "AAC.animals", nil)

	_, err := d.Find(context.Background(), Filter{"name": map[string]any{"$regex": "^R"}})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDynamoEnsureIndexes(t *testing.T) {
	fake := &fakeDynamo{table: &types.TableDescription{
		TableStatus: types.TableStatusActive,
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndexDescription{
			{
				IndexName:   aws.String("breed-index"),
				IndexStatus: types.IndexStatusActive,
				KeySchema:   []types.KeySchemaElement{{AttributeName: aws.String("_ix_breed"), KeyType: types.KeyTypeHash}},
			},
			{
				IndexName:   aws.String("location_found-index"),
				IndexStatus: types.IndexStatusCreating,
				KeySchema:   []types.KeySchemaElement{{AttributeName: aws.String("_ix_location_found"), KeyType: types.KeyTypeHash}},
			},
		},
	}}
	d := NewDynamoCollection(fake, "AAC.animals", nil)

	require.NoError(t, d.EnsureIndexes(context.Background(), DefaultIndexFields))

	require.Len(t, fake.tableUps, 1)
	up := fake.tableUps[0]
	create := up.GlobalSecondaryIndexUpdates[0].Create
	require.NotNil(t, create)
	assert.Equal(t, "animal_type-index", aws.ToString(create.IndexName))
	assert.Equal(t, "_ix_animal_type", aws.ToString(create.KeySchema[0].AttributeName))
	assert.Equal(t, "_ix_animal_type", aws.ToString(up.AttributeDefinitions[0].AttributeName))
	assert.Equal(t, map[string]string{"breed": "breed-index"}, d.indexes)
	assert.Equal(t, DefaultIndexFields, d.indexFields())
}

func TestDynamoFind_QueriesActiveIndex(t *testing.T) {
	fake := &fakeDynamo{
		table: &types.TableDescription{
			TableStatus: types.TableStatusActive,
			GlobalSecondaryIndexes: []types.GlobalSecondaryIndexDescription{{
				IndexName:   aws.String("breed-index"),
				IndexStatus: types.IndexStatusActive,
				KeySchema:   []types.KeySchemaElement{{AttributeName: aws.String("_ix_breed"), KeyType: types.KeyTypeHash}},
			}},
		},
		pages: [][]map[string]types.AttributeValue{{item("a", map[string]types.AttributeValue{"breed": str("Beagle")})}},
	}
	d := NewDynamoCollection(fake, "AAC.animals", nil)
	d.indexedReads = true
	require.NoError(t, d.EnsureIndexes(context.Background(), []string{"breed"}))

	cur, err := d.Find(context.Background(), Filter{"breed": "Beagle", "age": map[string]any{"$gt": 2}})
	require.NoError(t, err)
	assert.True(t, cur.Next(context.Background()))

	require.Len(t, fake.queries, 1)
	assert.Empty(t, fake.scans)
	q := fake.queries[0]
	assert.Equal(t, "breed-index", aws.ToString(q.IndexName))
	assert.Equal(t, "#n1 = :v1", aws.ToString(q.KeyConditionExpression))
	assert.Equal(t, "#n0 > :v0", aws.ToString(q.FilterExpression))
	assert.Equal(t, map[string]string{"#n0": "age", "#n1": "_ix_breed"}, q.ExpressionAttributeNames)
}

func TestDynamoWrites_ScanConsistentlyWithIndexedReads(t *testing.T) {
	fake := &fakeDynamo{
		table: breedIndexTable(),
		pages: [][]map[string]types.AttributeValue{{item("a", map[string]types.AttributeValue{"breed": str("Beagle")})}},
	}
	d := NewDynamoCollection(fake, "AAC.animals", nil)
	d.indexedReads = true
	require.NoError(t, d.EnsureIndexes(context.Background(), []string{"breed"}))

	ctx := context.Background()
	f := Filter{"breed": "Beagle"}
	_, err := d.UpdateMany(ctx, f, Document{"status": "Available"})
	require.NoError(t, err)
	_, err = d.Count(ctx, f)
	require.NoError(t, err)
	_, err = d.DeleteMany(ctx, f)
	require.NoError(t, err)

	assert.Empty(t, fake.queries)
	require.Len(t, fake.scans, 3)
	for _, scan := range fake.scans {
		assert.True(t, aws.ToBool(scan.ConsistentRead))
	}
}

func TestDynamoFind_ScansWithoutIndexedReads(t *testing.T) {
	fake := &fakeDynamo{table: breedIndexTable()}
	d := NewDynamoCollection(fake, "AAC.animals", nil)
	require.NoError(t, d.EnsureIndexes(context.Background(), []string{"breed"}))

	cur, err := d.Find(context.Background(), Filter{"breed": "Beagle"})
	require.NoError(t, err)
	assert.False(t, cur.Next(context.Background()))

	assert.Empty(t, fake.queries)
	require.Len(t, fake.scans, 1)
}

func breedIndexTable() *types.TableDescription {
	return &types.TableDescription{
		TableStatus: types.TableStatusActive,
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndexDescription{{
			IndexName:   aws.String("breed-index"),
			IndexStatus: types.IndexStatusActive,
			KeySchema:   []types.KeySchemaElement{{AttributeName: aws.String("_ix_breed"), KeyType: types.KeyTypeHash}},
		}},
	}
}

func TestDynamoUpdateMany(t *testing.T) {
	available := map[string]types.AttributeValue{"status": str("Available")}
	fake := &fakeDynamo{
		pages: [][]map[string]types.AttributeValue{{
			item("unchanged", available),
			item("changed", map[string]types.AttributeValue{"status": str("Intake")}),
			item("vanished", nil),
		}},
		condFail: map[string]bool{"vanished": true},
	}
	d := NewDynamoCollection(fake, "AAC.animals", nil)

	res, err := d.UpdateMany(context.Background(), Filter{"type": "Dog"}, Document{"status": "Available"})
	require.NoError(t, err)
	assert.Equal(t, UpdateResult{Matched: 2, Modified: 1}, res)

	require.Len(t, fake.updates, 2)
	up := fake.updates[0]
	assert.Equal(t, str("changed"), up.Key[IDField])
	assert.Equal(t, "SET #n0 = :v0", aws.ToString(up.UpdateExpression))
	assert.Equal(t, "attribute_exists(#n1)", aws.ToString(up.ConditionExpression))
	assert.Equal(t, map[string]string{"#n0": "status", "#n1": IDField}, up.ExpressionAttributeNames)
	assert.Equal(t, str("Available"), up.ExpressionAttributeValues[":v0"])
}

func TestDynamoDeleteMany(t *testing.T) {
	fake := &fakeDynamo{
		pages: [][]map[string]types.AttributeValue{
			{item("a", nil), item("b", nil)},
			{item("c", nil)},
		},
		gone: map[string]bool{"b": true},
	}
	d := NewDynamoCollection(fake, "AAC.animals", nil)

	res, err := d.DeleteMany(context.Background(), Filter{"type": "Cat"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Deleted)
	assert.Len(t, fake.deletes, 3)
	assert.Equal(t, types.ReturnValueAllOld, fake.deletes[0].ReturnValues)

	scan := fake.scans[0]
	assert.Equal(t, "#n1", aws.ToString(scan.ProjectionExpression))
	assert.Equal(t, map[string]string{"#n0": "type", "#n1": IDField}, scan.ExpressionAttributeNames)
}

func TestDynamoCount(t *testing.T) {
	fake := &fakeDynamo{pages: [][]map[string]types.AttributeValue{
		{item("a", nil), item("b", nil)},
		{item("c", nil)},
	}}
	d := NewDynamoCollection(fake, "AAC.animals", nil)

	n, err := d.Count(context.Background(), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.Equal(t, types.SelectCount, fake.scans[0].Select)
}

func TestDynamoMissingTableIsUnavailable(t *testing.T) {
	fake := &fakeDynamo{scanErr: &types.ResourceNotFoundException{Message: aws.String("gone")}}
	d := NewDynamoCollection(fake, "AAC.animals", nil)

	_, err := d.Count(context.Background(), Filter{})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestDynamoEnsureTable_CreatesMissingTable(t *testing.T) {
	fake := &fakeDynamo{missing: 1}
	d := NewDynamoCollection(fake, "AAC.animals", nil)

	require.NoError(t, d.EnsureTable(context.Background(), []string{"breed", "animal_type"}))

	require.Len(t, fake.creates, 1)
	in := fake.creates[0]
	assert.Equal(t, types.BillingModePayPerRequest, in.BillingMode)
	assert.Equal(t, IDField, aws.ToString(in.KeySchema[0].AttributeName))
	require.Len(t, in.GlobalSecondaryIndexes, 2)
	assert.Equal(t, "breed-index", aws.ToString(in.GlobalSecondaryIndexes[0].IndexName))
	assert.Equal(t, "_ix_breed", aws.ToString(in.GlobalSecondaryIndexes[0].KeySchema[0].AttributeName))
	require.Len(t, in.AttributeDefinitions, 3)
	assert.Equal(t, "_ix_breed", aws.ToString(in.AttributeDefinitions[1].AttributeName))
	assert.Equal(t, "_ix_animal_type", aws.ToString(in.AttributeDefinitions[2].AttributeName))
}

func TestDynamoEnsureTable_ExistingTable(t *testing.T) {
	fake := &fakeDynamo{}
	d := NewDynamoCollection(fake, "AAC.animals", nil)

	require.NoError(t, d.EnsureTable(context.Background(), DefaultIndexFields))
	assert.Empty(t, fake.creates)
}

func TestDynamoInsertOne_IndexFieldsAcceptAnyType(t *testing.T) {
	fake := &fakeDynamo{}
	d := NewDynamoCollection(fake, "AAC.animals", nil)
	require.NoError(t, d.EnsureTable(context.Background(), DefaultIndexFields))

	_, err := d.InsertOne(context.Background(), Document{
		"animal_type":    5,
		"breed":          "",
		"location_found": "Austin",
	})
	require.NoError(t, err)

	require.Len(t, fake.puts, 1)
	put := fake.puts[0].Item
	assert.Equal(t, &types.AttributeValueMemberN{Value: "5"}, put["animal_type"])
	assert.Equal(t, str(""), put["breed"])
	assert.Equal(t, str("Austin"), put["_ix_location_found"])
	assert.NotContains(t, put, "_ix_animal_type")
	assert.NotContains(t, put, "_ix_breed")
}

func TestDynamo_RejectsReservedFields(t *testing.T) {
	fake := &fakeDynamo{}
	d := NewDynamoCollection(fake, "AAC.animals", nil)

	_, err := d.InsertOne(context.Background(), Document{"_ix_breed": "Beagle"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = d.UpdateMany(context.Background(), Filter{"name": "Rex"}, Document{"_ix_breed": "Beagle"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, fake.puts)
	assert.Empty(t, fake.scans)
}

func TestDynamoUpdateMany_MaintainsIndexAttributes(t *testing.T) {
	beagle := map[string]types.AttributeValue{"breed": str("Beagle"), "_ix_breed": str("Beagle")}
	fake := &fakeDynamo{pages: [][]map[string]types.AttributeValue{{item("a", beagle)}}}
	d := NewDynamoCollection(fake, "AAC.animals", nil)
	require.NoError(t, d.EnsureTable(context.Background(), []string{"breed"}))
	ctx := context.Background()

	_, err := d.UpdateMany(ctx, Filter{"name": "Rex"}, Document{"breed": "Lab"})
	require.NoError(t, err)
	_, err = d.UpdateMany(ctx, Filter{"name": "Rex"}, Document{"breed": 7})
	require.NoError(t, err)
	_, err = d.UpdateMany(ctx, Filter{"name": "Rex"}, Document{"status": "Available"})
	require.NoError(t, err)

	require.Len(t, fake.updates, 3)

	relabel := fake.updates[0]
	assert.Equal(t, "SET #n0 = :v0, #n1 = :v1", aws.ToString(relabel.UpdateExpression))
	assert.Equal(t, "_ix_breed", relabel.ExpressionAttributeNames["#n1"])
	assert.Equal(t, str("Lab"), relabel.ExpressionAttributeValues[":v1"])

	renumber := fake.updates[1]
	assert.Equal(t, "SET #n0 = :v0 REMOVE #n1", aws.ToString(renumber.UpdateExpression))
	assert.Equal(t, "_ix_breed", renumber.ExpressionAttributeNames["#n1"])

	unrelated := fake.updates[2]
	assert.Equal(t, "SET #n0 = :v0", aws.ToString(unrelated.UpdateExpression))
}

func TestDynamoFindByID_DropsIndexAttributes(t *testing.T) {
	id := NewID()
	fake := &fakeDynamo{items: map[string]map[string]types.AttributeValue{
		id: item(id, map[string]types.AttributeValue{"breed": str("Beagle"), "_ix_breed": str("Beagle")}),
	}}
	d := NewDynamoCollection(fake, "AAC.animals", nil)

	doc, err := d.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, Document{IDField: id, "breed": "Beagle"}, doc)
}
