// Package stream provides a DynamoDB Streams handler that audits changes to
// animal records.
package stream

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/jacentio/shelter/internal/filter"
	"github.com/jacentio/shelter/store"
)

// Action is the kind of change a stream record describes.
type Action string

const (
	ActionInsert Action = "INSERT"
	ActionModify Action = "MODIFY"
	ActionRemove Action = "REMOVE"
)

// AuditEntry describes one change to an animal record.
type AuditEntry struct {
	EventID string
	Action  Action
	ID      string
	Old     store.Document
	New     store.Document
	Changed []string
}

// Sink receives audit entries.
type Sink interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, entry AuditEntry) error

func (f SinkFunc) Record(ctx context.Context, entry AuditEntry) error { return f(ctx, entry) }

// LogSink writes each entry as one structured log line.
func LogSink(logger *zap.Logger) Sink {
	return SinkFunc(func(_ context.Context, e AuditEntry) error {
		logger.Info("animal record changed",
			zap.String("eventID", e.EventID),
			zap.String("action", string(e.Action)),
			zap.String("id", e.ID),
			zap.Strings("changed", e.Changed),
			zap.Any("new", e.New),
		)
		return nil
	})
}

// Handler processes DynamoDB stream events for the animals table.
type Handler struct {
	sink   Sink
	logger *zap.Logger
}

// NewHandler creates a stream handler. A nil sink logs entries with logger.
func NewHandler(sink Sink, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = LogSink(logger)
	}
	return &Handler{
		sink:   sink,
		logger: logger,
	}
}

// HandleAudit converts each record into an AuditEntry and hands it to the sink.
// This function is designed to be used as an AWS Lambda handler; an error
// fails the batch so Lambda retries it.
func (h *Handler) HandleAudit(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		entry, ok, err := h.entryFor(record)
		if err != nil {
			h.logger.Error("failed to convert record", zap.String("eventID", record.EventID), zap.Error(err))
			return err
		}
		if !ok {
			continue
		}
		if err := h.sink.Record(ctx, entry); err != nil {
			h.logger.Error("failed to record audit entry", zap.String("eventID", record.EventID), zap.Error(err))
			return err
		}
	}
	return nil
}

func (h *Handler) entryFor(record events.DynamoDBEventRecord) (AuditEntry, bool, error) {
	action := Action(record.EventName)
	switch action {
	case ActionInsert, ActionModify, ActionRemove:
	default:
		h.logger.Debug("skipping record", zap.String("eventID", record.EventID), zap.String("event", record.EventName))
		return AuditEntry{}, false, nil
	}

	oldDoc, err := ImageToDocument(record.Change.OldImage)
	if err != nil {
		return AuditEntry{}, false, fmt.Errorf("old image: %w", err)
	}
	newDoc, err := ImageToDocument(record.Change.NewImage)
	if err != nil {
		return AuditEntry{}, false, fmt.Errorf("new image: %w", err)
	}

	return AuditEntry{
		EventID: record.EventID,
		Action:  action,
		ID:      getStringAttr(record.Change.Keys, store.IDField),
		Old:     oldDoc,
		New:     newDoc,
		Changed: ChangedFields(oldDoc, newDoc),
	}, true, nil
}

// ChangedFields returns the sorted top-level fields whose values differ
// between before and after, including fields present in only one of them.
// The identifier is never reported.
func ChangedFields(before, after store.Document) []string {
	keys := lo.Union(lo.Keys(map[string]any(before)), lo.Keys(map[string]any(after)))
	changed := lo.Filter(keys, func(k string, _ int) bool {
		if k == store.IDField {
			return false
		}
		ov, inOld := before[k]
		nv, inNew := after[k]
		return inOld != inNew || !filter.Equal(ov, nv)
	})
	sort.Strings(changed)
	return changed
}

// ImageToDocument converts a stream image into a document, dropping derived
// index attributes. An empty image yields a nil document.
func ImageToDocument(image map[string]events.DynamoDBAttributeValue) (store.Document, error) {
	if len(image) == 0 {
		return nil, nil
	}
	item, err := ConvertImage(image)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := attributevalue.UnmarshalMap(item, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal image: %w", err)
	}
	for k := range doc {
		if strings.HasPrefix(k, store.IndexAttrPrefix) {
			delete(doc, k)
		}
	}
	return store.Document(doc), nil
}

// ConvertImage converts a stream image into SDK attribute values.
func ConvertImage(image map[string]events.DynamoDBAttributeValue) (map[string]types.AttributeValue, error) {
	result := make(map[string]types.AttributeValue, len(image))
	for k, v := range image {
		av, err := convertAttribute(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k, err)
		}
		result[k] = av
	}
	return result, nil
}

func convertAttribute(v events.DynamoDBAttributeValue) (types.AttributeValue, error) {
	switch v.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: v.String()}, nil
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: v.Number()}, nil
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: v.Binary()}, nil
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: v.Boolean()}, nil
	case events.DataTypeNull:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: v.StringSet()}, nil
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: v.NumberSet()}, nil
	case events.DataTypeBinarySet:
		return &types.AttributeValueMemberBS{Value: v.BinarySet()}, nil
	case events.DataTypeList:
		list := v.List()
		out := make([]types.AttributeValue, len(list))
		for i, el := range list {
			av, err := convertAttribute(el)
			if err != nil {
				return nil, err
			}
			out[i] = av
		}
		return &types.AttributeValueMemberL{Value: out}, nil
	case events.DataTypeMap:
		m, err := ConvertImage(v.Map())
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	default:
		return nil, fmt.Errorf("unsupported attribute type %v", v.DataType())
	}
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}
