package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"case-chat/internal/domain"
)

// dynamodbAPI es el subconjunto de DynamoDB que usa DynamoStore.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore implementa Store sobre una tabla DynamoDB con PK=padre y SK=clave.
// DynamoDB no tiene push nativo, así que las suscripciones hacen polling cada
// pollEvery. Update es leer-fusionar-escribir y no es atómico.
type DynamoStore struct {
	api       dynamodbAPI
	table     string
	pollEvery time.Duration
	logger    *zap.Logger
}

func NewDynamoStore(api dynamodbAPI, table string, pollEvery time.Duration, logger *zap.Logger) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("realtime: dynamodb api must not be nil")
	}
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("realtime: dynamodb table must not be empty")
	}
	if pollEvery <= 0 {
		pollEvery = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DynamoStore{api: api, table: table, pollEvery: pollEvery, logger: logger}, nil
}

func (s *DynamoStore) PushKey(string) string {
	return newPushKey()
}

func (s *DynamoStore) Set(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return s.put(ctx, Join(path), raw)
}

func (s *DynamoStore) Update(ctx context.Context, path string, fields map[string]any) error {
	path = Join(path)
	existing, _, err := s.Get(ctx, path)
	if err != nil {
		return err
	}
	merged, err := mergeFields(existing.Value, fields)
	if err != nil {
		return fmt.Errorf("merge %s: %w", path, err)
	}
	return s.put(ctx, path, merged)
}

func (s *DynamoStore) put(ctx context.Context, path string, raw json.RawMessage) error {
	parent, key := Split(path)
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"PK":    &types.AttributeValueMemberS{Value: pkValue(parent)},
			"SK":    &types.AttributeValueMemberS{Value: key},
			"path":  &types.AttributeValueMemberS{Value: path},
			"value": &types.AttributeValueMemberS{Value: string(raw)},
		},
	})
	if err != nil {
		return fmt.Errorf("realtime: put %s: %w", path, classifyAWSError(err))
	}
	return nil
}

func (s *DynamoStore) Get(ctx context.Context, path string) (Node, bool, error) {
	path = Join(path)
	parent, key := Split(path)
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pkValue(parent)},
			"SK": &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Node{}, false, fmt.Errorf("realtime: get %s: %w", path, classifyAWSError(err))
	}
	if out == nil || len(out.Item) == 0 {
		return Node{}, false, nil
	}
	node, err := itemToNode(out.Item)
	if err != nil {
		return Node{}, false, err
	}
	return node, true, nil
}

func (s *DynamoStore) Children(ctx context.Context, q Query) ([]Node, error) {
	q.Path = Join(q.Path)
	items, err := s.queryPartition(ctx, q.Path, false)
	if err != nil {
		return nil, err
	}
	nodes := make([]Node, 0, len(items))
	for _, item := range items {
		node, err := itemToNode(item)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return applyQuery(nodes, q), nil
}

func (s *DynamoStore) Count(ctx context.Context, path string) (int, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pkValue(Join(path))},
		},
		Select: types.SelectCount,
	}
	total := 0
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return 0, fmt.Errorf("realtime: count %s: %w", path, classifyAWSError(err))
		}
		total += int(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			return total, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// Remove borra el nodo y sus hijos directos; DynamoDB no permite consultar
// por prefijo de partición, así que niveles más profundos quedan fuera.
func (s *DynamoStore) Remove(ctx context.Context, path string) error {
	path = Join(path)
	children, err := s.queryPartition(ctx, path, true)
	if err != nil {
		return err
	}
	for _, item := range children {
		if err := s.deleteKey(ctx, item["PK"], item["SK"]); err != nil {
			return err
		}
	}
	parent, key := Split(path)
	return s.deleteKey(ctx,
		&types.AttributeValueMemberS{Value: pkValue(parent)},
		&types.AttributeValueMemberS{Value: key},
	)
}

func (s *DynamoStore) deleteKey(ctx context.Context, pk, sk types.AttributeValue) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       map[string]types.AttributeValue{"PK": pk, "SK": sk},
	})
	if err != nil {
		return fmt.Errorf("realtime: delete: %w", classifyAWSError(err))
	}
	return nil
}

func (s *DynamoStore) queryPartition(ctx context.Context, parent string, keysOnly bool) ([]map[string]types.AttributeValue, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pkValue(parent)},
		},
		ConsistentRead: aws.Bool(true),
	}
	if keysOnly {
		in.ProjectionExpression = aws.String("PK, SK")
	}
	var items []map[string]types.AttributeValue
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("realtime: query %s: %w", parent, classifyAWSError(err))
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// OnChildAdded sondea cada pollEvery. Con OrderBy el cursor avanza hasta el
// valor más alto entregado y seen guarda solo las claves con ese valor, que
// son las únicas que el siguiente sondeo puede volver a traer.
func (s *DynamoStore) OnChildAdded(ctx context.Context, q Query, fn func([]Node)) (func(), error) {
	initial, err := s.Children(ctx, q)
	if err != nil {
		return nil, err
	}
	live := q
	live.LimitToLast = 0
	cursor := newChildCursor(q)
	cursor.advance(initial)
	if len(initial) > 0 {
		fn(initial)
	}
	return s.poll(func(pollCtx context.Context) {
		live.StartAfter = cursor.startAfter()
		nodes, err := s.Children(pollCtx, live)
		if err != nil {
			s.logger.Warn("realtime poll failed", zap.String("path", q.Path), zap.Error(err))
			return
		}
		if fresh := cursor.advance(nodes); len(fresh) > 0 {
			fn(fresh)
		}
	}), nil
}

// childCursor recuerda hasta dónde entregó un listener por sondeo.
type childCursor struct {
	orderBy string
	after   *int64
	seen    map[string]struct{}
}

func newChildCursor(q Query) *childCursor {
	c := &childCursor{orderBy: q.OrderBy, seen: make(map[string]struct{})}
	if q.StartAfter != nil {
		after := *q.StartAfter
		c.after = &after
	}
	return c
}

// startAfter es la cota exclusiva del próximo sondeo.
func (c *childCursor) startAfter() *int64 {
	if c.after == nil {
		return nil
	}
	after := *c.after
	return &after
}

// advance filtra los nodos ya entregados y mueve el cursor con los nuevos. La
// cota queda uno por debajo del valor más alto para ver hijos que lleguen
// tarde con el mismo valor; seen solo necesita recordar esos.
func (c *childCursor) advance(nodes []Node) []Node {
	var fresh []Node
	for _, n := range nodes {
		if _, ok := c.seen[n.Key]; ok {
			continue
		}
		c.seen[n.Key] = struct{}{}
		fresh = append(fresh, n)
	}
	if c.orderBy == "" || len(fresh) == 0 {
		return fresh
	}
	highest := orderValue(fresh[0].Value, c.orderBy)
	for _, n := range fresh[1:] {
		highest = max(highest, orderValue(n.Value, c.orderBy))
	}
	after := highest - 1
	c.after = &after
	clear(c.seen)
	for _, n := range nodes {
		if orderValue(n.Value, c.orderBy) == highest {
			c.seen[n.Key] = struct{}{}
		}
	}
	return fresh
}

func (s *DynamoStore) OnValue(ctx context.Context, path string, fn func([]Node)) (func(), error) {
	path = Join(path)
	current, err := s.valueOf(ctx, path)
	if err != nil {
		return nil, err
	}
	last := fingerprint(current)
	fn(current)
	return s.poll(func(pollCtx context.Context) {
		nodes, err := s.valueOf(pollCtx, path)
		if err != nil {
			s.logger.Warn("realtime poll failed", zap.String("path", path), zap.Error(err))
			return
		}
		if fp := fingerprint(nodes); fp != last {
			last = fp
			fn(nodes)
		}
	}), nil
}

func (s *DynamoStore) valueOf(ctx context.Context, path string) ([]Node, error) {
	node, ok, err := s.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if ok {
		return []Node{node}, nil
	}
	return s.Children(ctx, Query{Path: path})
}

// poll ejecuta tick cada pollEvery en su propia goroutine hasta que se
// llame a la función devuelta.
func (s *DynamoStore) poll(tick func(ctx context.Context)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(s.pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick(ctx)
			}
		}
	}()
	return cancel
}

func fingerprint(nodes []Node) string {
	var b strings.Builder
	for _, n := range nodes {
		b.WriteString(n.Path)
		b.WriteByte('=')
		b.Write(n.Value)
		b.WriteByte(';')
	}
	return b.String()
}

// pkValue evita una partición vacía para nodos en la raíz.
func pkValue(parent string) string {
	return "/" + parent
}

func itemToNode(item map[string]types.AttributeValue) (Node, error) {
	path, err := stringAttr(item, "path")
	if err != nil {
		return Node{}, err
	}
	value, err := stringAttr(item, "value")
	if err != nil {
		return Node{}, err
	}
	_, key := Split(path)
	return Node{Key: key, Path: path, Value: json.RawMessage(value)}, nil
}

func stringAttr(item map[string]types.AttributeValue, name string) (string, error) {
	v, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("realtime: attribute %q missing or not a string", name)
	}
	return v.Value, nil
}

func classifyAWSError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnrecognizedClientException":
			return fmt.Errorf("%w: %w", domain.ErrPermission, err)
		case "ProvisionedThroughputExceededException", "RequestLimitExceeded", "ThrottlingException", "InternalServerError":
			return fmt.Errorf("%w: %w", domain.ErrNetwork, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}
	return err
}
