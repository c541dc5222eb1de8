package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dennisdiepolder/monti/queueengine/internal/types"
	"github.com/rs/zerolog"
)

const (
	entryKey  = "EntryID"
	ruleKey   = "DepartmentID"
	agentKey  = "AgentID"
	intentKey = "IntentID"

	// guard items live in the entries table and hold the waiting entry of a conversation
	guardPrefix = "conversation#"
)

type conversationGuard struct {
	EntryID        string `dynamodbav:"EntryID"`
	ConversationID string `dynamodbav:"ConversationID"`
	WaitingEntryID string `dynamodbav:"WaitingEntryID"`
}

// DynamoDBStore implements Store using AWS DynamoDB
type DynamoDBStore struct {
	client *dynamodb.Client
	config DynamoConfig
	logger zerolog.Logger
}

// NewDynamoDBStore creates a new DynamoDB store
func NewDynamoDBStore(ctx context.Context, cfg DynamoConfig, logger zerolog.Logger) (*DynamoDBStore, error) {
	var client *dynamodb.Client

	if cfg.Local {
		// Build the client directly: LoadDefaultConfig probes the EC2 IMDS
		// endpoint which hangs when static credentials are intended.
		client = dynamodb.New(dynamodb.Options{
			Region:       cfg.Region,
			BaseEndpoint: aws.String(cfg.Endpoint),
			Credentials:  credentials.NewStaticCredentialsProvider("local", "local", ""),
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = dynamodb.NewFromConfig(awsCfg)
	}

	store := &DynamoDBStore{
		client: client,
		config: cfg,
		logger: logger,
	}

	if cfg.Local {
		if err := CreateTablesIfNotExist(ctx, client, cfg, logger); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Bool("local", cfg.Local).
		Str("region", cfg.Region).
		Msg("DynamoDB store initialized")

	return store, nil
}

// NewStore creates the store selected by cfg.Mode
func NewStore(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Mode {
	case ModeDynamoLocal, ModeDynamoAWS:
		return NewDynamoDBStore(ctx, cfg.Dynamo, logger)
	case ModeSQLite:
		return NewSQLiteStore(cfg.SQLitePath, logger)
	default:
		logger.Info().Msg("using in-memory store (STORE_MODE=memory)")
		return NewMemoryStore(), nil
	}
}

func (s *DynamoDBStore) Close() error { return nil }

func (s *DynamoDBStore) CreateEntry(ctx context.Context, e *types.QueueEntry) error {
	stored := e.Clone()
	stored.Version = 1
	item, err := attributevalue.MarshalMap(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if stored.Status != types.EntryStatusWaiting {
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.config.EntriesTable),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(EntryID)"),
		})
		if isConditionFailed(err) {
			return fmt.Errorf("entry %s: %w", e.ID, types.ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("failed to save entry: %w", err)
		}
		e.Version = stored.Version
		return nil
	}

	guard, err := attributevalue.MarshalMap(conversationGuard{
		EntryID:        guardPrefix + e.ConversationID,
		ConversationID: e.ConversationID,
		WaitingEntryID: e.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal guard: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []dbtypes.TransactWriteItem{
			{Put: &dbtypes.Put{
				TableName:           aws.String(s.config.EntriesTable),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(EntryID)"),
			}},
			{Put: &dbtypes.Put{
				TableName:           aws.String(s.config.EntriesTable),
				Item:                guard,
				ConditionExpression: aws.String("attribute_not_exists(EntryID)"),
			}},
		},
	})
	if err != nil {
		failed := cancelledItems(err)
		switch {
		case failed[1]:
			existing, lookupErr := s.guardedEntryID(ctx, e.ConversationID)
			if lookupErr != nil {
				return fmt.Errorf("conversation %s: %w", e.ConversationID, types.ErrDuplicateEntry)
			}
			return &types.DuplicateEntryError{ConversationID: e.ConversationID, EntryID: existing}
		case failed[0]:
			return fmt.Errorf("entry %s: %w", e.ID, types.ErrConflict)
		}
		return fmt.Errorf("failed to save entry: %w", err)
	}
	e.Version = stored.Version
	return nil
}

func (s *DynamoDBStore) guardedEntryID(ctx context.Context, conversationID string) (string, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.EntriesTable),
		Key:            stringKey(entryKey, guardPrefix+conversationID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", err
	}
	if out.Item == nil {
		return "", types.ErrNotFound
	}
	var guard conversationGuard
	if err := attributevalue.UnmarshalMap(out.Item, &guard); err != nil {
		return "", err
	}
	return guard.WaitingEntryID, nil
}

func (s *DynamoDBStore) GetEntry(ctx context.Context, id string) (*types.QueueEntry, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.EntriesTable),
		Key:            stringKey(entryKey, id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("entry %s: %w", id, types.ErrNotFound)
	}
	var e types.QueueEntry
	if err := attributevalue.UnmarshalMap(out.Item, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &e, nil
}

func (s *DynamoDBStore) LatestEntryForConversation(ctx context.Context, conversationID string) (*types.QueueEntry, error) {
	filter := expression.Name("ConversationID").Equal(expression.Value(conversationID)).
		And(expression.AttributeExists(expression.Name("Status")))
	entries, err := s.scanEntries(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, types.ErrNotFound)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].EnteredQueueAt.Equal(entries[j].EnteredQueueAt) {
			return entries[i].EnteredQueueAt.After(entries[j].EnteredQueueAt)
		}
		return entries[i].ID > entries[j].ID
	})
	return entries[0], nil
}

func (s *DynamoDBStore) UpdateEntry(ctx context.Context, e *types.QueueEntry) error {
	next := e.Clone()
	next.Version = e.Version + 1
	item, err := attributevalue.MarshalMap(next)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	cond := expression.Name("Version").Equal(expression.Value(e.Version)).
		And(expression.Name("ConversationID").Equal(expression.Value(e.ConversationID)))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}
	put := &dbtypes.Put{
		TableName:                 aws.String(s.config.EntriesTable),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}

	if next.Status == types.EntryStatusWaiting {
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 put.TableName,
			Item:                      put.Item,
			ConditionExpression:       put.ConditionExpression,
			ExpressionAttributeNames:  put.ExpressionAttributeNames,
			ExpressionAttributeValues: put.ExpressionAttributeValues,
		})
		if isConditionFailed(err) {
			return s.entryConflict(ctx, e)
		}
		if err != nil {
			return fmt.Errorf("failed to update entry: %w", err)
		}
		e.Version = next.Version
		return nil
	}

	// Leaving waiting releases the conversation guard in the same transaction,
	// unless the guard already belongs to another entry.
	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []dbtypes.TransactWriteItem{
			{Put: put},
			{Delete: &dbtypes.Delete{
				TableName:           aws.String(s.config.EntriesTable),
				Key:                 stringKey(entryKey, guardPrefix+e.ConversationID),
				ConditionExpression: aws.String("attribute_not_exists(EntryID) OR WaitingEntryID = :entry"),
				ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
					":entry": &dbtypes.AttributeValueMemberS{Value: e.ID},
				},
			}},
		},
	})
	if err != nil {
		failed := cancelledItems(err)
		switch {
		case failed[0]:
			return s.entryConflict(ctx, e)
		case failed[1]:
			_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:                 put.TableName,
				Item:                      put.Item,
				ConditionExpression:       put.ConditionExpression,
				ExpressionAttributeNames:  put.ExpressionAttributeNames,
				ExpressionAttributeValues: put.ExpressionAttributeValues,
			})
			if isConditionFailed(err) {
				return s.entryConflict(ctx, e)
			}
		}
		if err != nil {
			return fmt.Errorf("failed to update entry: %w", err)
		}
	}
	e.Version = next.Version
	return nil
}

func (s *DynamoDBStore) entryConflict(ctx context.Context, e *types.QueueEntry) error {
	if _, err := s.GetEntry(ctx, e.ID); err != nil {
		return err
	}
	return fmt.Errorf("entry %s at version %d: %w", e.ID, e.Version, types.ErrConflict)
}

// ListWaiting scans with a filter. A GSI on DepartmentID would avoid the scan
// for large tables.
func (s *DynamoDBStore) ListWaiting(ctx context.Context, departmentID string) ([]*types.QueueEntry, error) {
	filter := expression.Name("DepartmentID").Equal(expression.Value(departmentID)).
		And(expression.Name("Status").Equal(expression.Value(types.EntryStatusWaiting)))
	entries, err := s.scanEntries(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func (s *DynamoDBStore) ListActiveForConversation(ctx context.Context, conversationID string) ([]*types.QueueEntry, error) {
	holding := expression.Name("Status").Equal(expression.Value(types.EntryStatusAssigned)).
		And(expression.AttributeNotExists(expression.Name("SlotReleasedAt")))
	filter := expression.Name("ConversationID").Equal(expression.Value(conversationID)).
		And(expression.Or(expression.Name("Status").Equal(expression.Value(types.EntryStatusWaiting)), holding))
	entries, err := s.scanEntries(ctx, filter)
	if err != nil {
		return nil, err
	}
	sortByEntered(entries)
	return entries, nil
}

func (s *DynamoDBStore) ListSlotHolders(ctx context.Context, agentID string) ([]*types.QueueEntry, error) {
	filter := expression.Name("AssignedAgentID").Equal(expression.Value(agentID)).
		And(expression.Name("Status").Equal(expression.Value(types.EntryStatusAssigned))).
		And(expression.AttributeNotExists(expression.Name("SlotReleasedAt")))
	entries, err := s.scanEntries(ctx, filter)
	if err != nil {
		return nil, err
	}
	sortByAssigned(entries)
	return entries, nil
}

func (s *DynamoDBStore) WaitingDepartments(ctx context.Context) ([]string, error) {
	entries, err := s.scanEntries(ctx, expression.Name("Status").Equal(expression.Value(types.EntryStatusWaiting)))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, e := range entries {
		if !seen[e.DepartmentID] {
			seen[e.DepartmentID] = true
			out = append(out, e.DepartmentID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *DynamoDBStore) scanEntries(ctx context.Context, filter expression.ConditionBuilder) ([]*types.QueueEntry, error) {
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	var entries []*types.QueueEntry
	err = s.scan(ctx, &dynamodb.ScanInput{
		TableName:                 aws.String(s.config.EntriesTable),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
	}, func(items []map[string]dbtypes.AttributeValue) error {
		var page []*types.QueueEntry
		if err := attributevalue.UnmarshalListOfMaps(items, &page); err != nil {
			return fmt.Errorf("failed to unmarshal entries: %w", err)
		}
		entries = append(entries, page...)
		return nil
	})
	return entries, err
}

func (s *DynamoDBStore) scan(ctx context.Context, input *dynamodb.ScanInput, fn func([]map[string]dbtypes.AttributeValue) error) error {
	p := dynamodb.NewScanPaginator(s.client, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", aws.ToString(input.TableName), err)
		}
		if err := fn(page.Items); err != nil {
			return err
		}
	}
	return nil
}

func (s *DynamoDBStore) PutRule(ctx context.Context, rule types.QueueRule) error {
	item, err := attributevalue.MarshalMap(rule.Normalize())
	if err != nil {
		return fmt.Errorf("failed to marshal rule: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.RulesTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) ListRules(ctx context.Context) ([]types.QueueRule, error) {
	var rules []types.QueueRule
	err := s.scan(ctx, &dynamodb.ScanInput{TableName: aws.String(s.config.RulesTable)},
		func(items []map[string]dbtypes.AttributeValue) error {
			var page []types.QueueRule
			if err := attributevalue.UnmarshalListOfMaps(items, &page); err != nil {
				return fmt.Errorf("failed to unmarshal rules: %w", err)
			}
			rules = append(rules, page...)
			return nil
		})
	if err != nil {
		return nil, err
	}
	for i := range rules {
		rules[i] = rules[i].Normalize()
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].DepartmentID < rules[j].DepartmentID })
	return rules, nil
}

// agentOptional lists attributes that are dropped by omitempty and must be
// removed explicitly when a record is replaced.
var agentOptional = []string{"PreviousStatus", "AvailableDepartments", "PreferredCategories", "BreakReason", "BreakStartedAt"}

// PutAgent upserts every attribute except CurrentConversationsCount, which is
// owned by the slot operations.
func (s *DynamoDBStore) PutAgent(ctx context.Context, a *types.AgentAvailability) error {
	item, err := attributevalue.MarshalMap(a)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}
	delete(item, agentKey)
	delete(item, "CurrentConversationsCount")

	names := map[string]string{"#count": "CurrentConversationsCount", "#id": agentKey, "#max": "MaxConversations"}
	values := map[string]dbtypes.AttributeValue{":zero": &dbtypes.AttributeValueMemberN{Value: "0"}}
	sets := []string{"#count = if_not_exists(#count, :zero)"}
	var removes []string

	keys := make([]string, 0, len(item))
	for k := range item {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		n, v := fmt.Sprintf("#a%d", i), fmt.Sprintf(":a%d", i)
		if k == "MaxConversations" {
			n = "#max"
		}
		names[n] = k
		values[v] = item[k]
		sets = append(sets, n+" = "+v)
	}
	for i, k := range agentOptional {
		if _, ok := item[k]; !ok {
			n := fmt.Sprintf("#r%d", i)
			names[n] = k
			removes = append(removes, n)
		}
	}

	update := "SET " + strings.Join(sets, ", ")
	if len(removes) > 0 {
		update += " REMOVE " + strings.Join(removes, ", ")
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.config.AgentsTable),
		Key:                       stringKey(agentKey, a.AgentID),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String("attribute_not_exists(#id) OR #count <= :maxValue"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: withValue(values, ":maxValue", &dbtypes.AttributeValueMemberN{Value: fmt.Sprint(a.MaxConversations)}),
		ReturnValues:              dbtypes.ReturnValueAllNew,
	})
	if isConditionFailed(err) {
		return fmt.Errorf("agent %s holds more conversations than max %d: %w", a.AgentID, a.MaxConversations, types.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}

	var stored types.AgentAvailability
	if err := attributevalue.UnmarshalMap(out.Attributes, &stored); err != nil {
		return fmt.Errorf("failed to unmarshal agent: %w", err)
	}
	a.CurrentConversationsCount = stored.CurrentConversationsCount
	return nil
}

func (s *DynamoDBStore) GetAgent(ctx context.Context, agentID string) (*types.AgentAvailability, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.AgentsTable),
		Key:            stringKey(agentKey, agentID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, types.ErrUnknownAgent)
	}
	var a types.AgentAvailability
	if err := attributevalue.UnmarshalMap(out.Item, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent: %w", err)
	}
	return &a, nil
}

func (s *DynamoDBStore) ListAgents(ctx context.Context) ([]*types.AgentAvailability, error) {
	var agents []*types.AgentAvailability
	err := s.scan(ctx, &dynamodb.ScanInput{
		TableName:      aws.String(s.config.AgentsTable),
		ConsistentRead: aws.Bool(true),
	}, func(items []map[string]dbtypes.AttributeValue) error {
		var page []*types.AgentAvailability
		if err := attributevalue.UnmarshalListOfMaps(items, &page); err != nil {
			return fmt.Errorf("failed to unmarshal agents: %w", err)
		}
		agents = append(agents, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
	return agents, nil
}

func (s *DynamoDBStore) SetAgentStatus(ctx context.Context, agentID string, status types.AgentStatus, reason string, now time.Time) (*types.AgentAvailability, error) {
	ts, err := attributevalue.Marshal(now)
	if err != nil {
		return nil, err
	}
	values := map[string]dbtypes.AttributeValue{
		":status": &dbtypes.AttributeValueMemberS{Value: string(status)},
		":now":    ts,
	}
	update := "SET PreviousStatus = CurrentStatus, CurrentStatus = :status, LastStatusChangeAt = :now, LastActivityAt = :now"
	if status == types.AgentBreak && reason != "" {
		values[":reason"] = &dbtypes.AttributeValueMemberS{Value: reason}
		update += ", BreakReason = :reason, BreakStartedAt = :now"
	} else if status == types.AgentBreak {
		update += ", BreakStartedAt = :now REMOVE BreakReason"
	} else {
		update += " REMOVE BreakReason, BreakStartedAt"
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.config.AgentsTable),
		Key:                       stringKey(agentKey, agentID),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String("attribute_exists(AgentID)"),
		ExpressionAttributeValues: values,
		ReturnValues:              dbtypes.ReturnValueAllNew,
	})
	if isConditionFailed(err) {
		return nil, fmt.Errorf("agent %s: %w", agentID, types.ErrUnknownAgent)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update agent status: %w", err)
	}
	var a types.AgentAvailability
	if err := attributevalue.UnmarshalMap(out.Attributes, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent: %w", err)
	}
	return &a, nil
}

func (s *DynamoDBStore) ReserveSlot(ctx context.Context, agentID string, now time.Time) (bool, error) {
	ts, err := attributevalue.Marshal(now)
	if err != nil {
		return false, err
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.config.AgentsTable),
		Key:                 stringKey(agentKey, agentID),
		UpdateExpression:    aws.String("SET CurrentConversationsCount = CurrentConversationsCount + :one, LastActivityAt = :now"),
		ConditionExpression: aws.String("CurrentStatus = :online AND CurrentConversationsCount < MaxConversations"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":one":    &dbtypes.AttributeValueMemberN{Value: "1"},
			":now":    ts,
			":online": &dbtypes.AttributeValueMemberS{Value: string(types.AgentOnline)},
		},
	})
	if isConditionFailed(err) {
		if _, err := s.GetAgent(ctx, agentID); err != nil {
			return false, err
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to reserve slot: %w", err)
	}
	return true, nil
}

func (s *DynamoDBStore) ReleaseSlot(ctx context.Context, agentID string, now time.Time) (*types.AgentAvailability, error) {
	ts, err := attributevalue.Marshal(now)
	if err != nil {
		return nil, err
	}
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.config.AgentsTable),
		Key:                 stringKey(agentKey, agentID),
		UpdateExpression:    aws.String("SET CurrentConversationsCount = CurrentConversationsCount - :one, LastActivityAt = :now"),
		ConditionExpression: aws.String("CurrentConversationsCount > :zero"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":one":  &dbtypes.AttributeValueMemberN{Value: "1"},
			":zero": &dbtypes.AttributeValueMemberN{Value: "0"},
			":now":  ts,
		},
		ReturnValues: dbtypes.ReturnValueAllNew,
	})
	if isConditionFailed(err) {
		// already at zero, or unknown
		return s.GetAgent(ctx, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to release slot: %w", err)
	}
	var a types.AgentAvailability
	if err := attributevalue.UnmarshalMap(out.Attributes, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent: %w", err)
	}
	return &a, nil
}

func (s *DynamoDBStore) CreateIntent(ctx context.Context, n *types.NotificationIntent) (bool, error) {
	item, err := attributevalue.MarshalMap(n)
	if err != nil {
		return false, fmt.Errorf("failed to marshal intent: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.config.IntentsTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(IntentID)"),
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to save intent: %w", err)
	}
	return true, nil
}

func (s *DynamoDBStore) ListPendingIntents(ctx context.Context, limit int) ([]*types.NotificationIntent, error) {
	intents, err := s.scanIntents(ctx, expression.Name("Status").Equal(expression.Value(types.IntentPending)))
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(intents) > limit {
		intents = intents[:limit]
	}
	return intents, nil
}

func (s *DynamoDBStore) ListIntentsForEntry(ctx context.Context, entryID string) ([]*types.NotificationIntent, error) {
	return s.scanIntents(ctx, expression.Name("QueueEntryID").Equal(expression.Value(entryID)))
}

func (s *DynamoDBStore) scanIntents(ctx context.Context, filter expression.ConditionBuilder) ([]*types.NotificationIntent, error) {
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}
	var intents []*types.NotificationIntent
	err = s.scan(ctx, &dynamodb.ScanInput{
		TableName:                 aws.String(s.config.IntentsTable),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}, func(items []map[string]dbtypes.AttributeValue) error {
		var page []*types.NotificationIntent
		if err := attributevalue.UnmarshalListOfMaps(items, &page); err != nil {
			return fmt.Errorf("failed to unmarshal intents: %w", err)
		}
		intents = append(intents, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(intents, func(i, j int) bool {
		if !intents[i].ScheduledAt.Equal(intents[j].ScheduledAt) {
			return intents[i].ScheduledAt.Before(intents[j].ScheduledAt)
		}
		return intents[i].ID < intents[j].ID
	})
	return intents, nil
}

func (s *DynamoDBStore) MarkIntent(ctx context.Context, intentID string, status types.IntentStatus, errorMessage string, now time.Time) error {
	update := expression.Set(expression.Name("Status"), expression.Value(status)).
		Set(expression.Name("UpdatedAt"), expression.Value(now))
	if errorMessage != "" {
		update = update.Set(expression.Name("ErrorMessage"), expression.Value(errorMessage))
	} else {
		update = update.Remove(expression.Name("ErrorMessage"))
	}
	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(expression.AttributeExists(expression.Name(intentKey))).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.config.IntentsTable),
		Key:                       stringKey(intentKey, intentID),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if isConditionFailed(err) {
		return fmt.Errorf("intent %s: %w", intentID, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update intent: %w", err)
	}
	return nil
}

func stringKey(name, value string) map[string]dbtypes.AttributeValue {
	return map[string]dbtypes.AttributeValue{name: &dbtypes.AttributeValueMemberS{Value: value}}
}

func withValue(values map[string]dbtypes.AttributeValue, key string, v dbtypes.AttributeValue) map[string]dbtypes.AttributeValue {
	values[key] = v
	return values
}

func isConditionFailed(err error) bool {
	var ccf *dbtypes.ConditionalCheckFailedException
	return err != nil && errors.As(err, &ccf)
}

// cancelledItems reports which items of a cancelled transaction failed their
// condition, indexed by position in TransactItems.
func cancelledItems(err error) map[int]bool {
	failed := make(map[int]bool)
	var tce *dbtypes.TransactionCanceledException
	if !errors.As(err, &tce) {
		return failed
	}
	for i, reason := range tce.CancellationReasons {
		if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
			failed[i] = true
		}
	}
	return failed
}
