package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rezonia/fiscal-processor/internal/model"
)

// DefaultCollection holds one document per access key
const DefaultCollection = "fiscal_documents"

// FirestoreBackend stores entries as documents whose ID is the access key,
// so Create gives the insert-if-absent guarantee
type FirestoreBackend struct {
	client     *firestore.Client
	collection string
}

// firestoreRecord is the stored shape. The full document and validation are
// kept as JSON strings so decimals survive without float conversion.
type firestoreRecord struct {
	ID           string    `firestore:"id"`
	AccessKey    string    `firestore:"chaveAcesso"`
	DocumentType string    `firestore:"documentType"`
	Number       string    `firestore:"numero"`
	Series       string    `firestore:"serie"`
	IssuerTaxID  string    `firestore:"emitenteCnpj"`
	IssuedAt     time.Time `firestore:"dataEmissao"`
	Total        string    `firestore:"valorTotal"`
	IsValid      *bool     `firestore:"isValid"`
	Document     string    `firestore:"document"`
	Validation   string    `firestore:"validation,omitempty"`
	IngestedAt   time.Time `firestore:"ingestedAt"`
}

// NewFirestoreClient opens a client for the named database
func NewFirestoreClient(ctx context.Context, projectID, databaseID string) (*firestore.Client, error) {
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return client, nil
}

// NewFirestoreBackend wraps a client
func NewFirestoreBackend(client *firestore.Client, collection string) *FirestoreBackend {
	if collection == "" {
		collection = DefaultCollection
	}
	return &FirestoreBackend{client: client, collection: collection}
}

func (b *FirestoreBackend) Name() string { return "firestore" }

func (b *FirestoreBackend) InsertIfAbsent(ctx context.Context, entry *model.LedgerEntry) (*model.LedgerEntry, bool, error) {
	rec, err := toRecord(entry)
	if err != nil {
		return nil, false, err
	}

	_, err = b.client.Collection(b.collection).Doc(entry.Key()).Create(ctx, rec)
	if err == nil {
		return entry, true, nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return nil, false, firestoreError("insert", err)
	}

	existing, err := b.Get(ctx, entry.Key())
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (b *FirestoreBackend) Get(ctx context.Context, key string) (*model.LedgerEntry, error) {
	snap, err := b.client.Collection(b.collection).Doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, model.ErrNotFound
		}
		return nil, firestoreError("get", err)
	}

	var rec firestoreRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return rec.entry()
}

func (b *FirestoreBackend) List(ctx context.Context, filter Filter, limit, offset int) ([]*model.LedgerEntry, error) {
	q := b.query(filter).
		OrderBy("dataEmissao", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Offset(offset).
		Limit(limit)

	iter := q.Documents(ctx)
	defer iter.Stop()

	entries := make([]*model.LedgerEntry, 0, limit)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, firestoreError("list", err)
		}

		var rec firestoreRecord
		if err := snap.DataTo(&rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", snap.Ref.ID, err)
		}
		entry, err := rec.entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (b *FirestoreBackend) Count(ctx context.Context, filter Filter) (int, error) {
	result, err := b.countQuery(filter).Get(ctx)
	if err != nil {
		return 0, firestoreError("count", err)
	}

	value, ok := result["total"].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("unexpected count result %T", result["total"])
	}
	return int(value.GetIntegerValue()), nil
}

// countQuery aggregates the documents passing filter under the "total" alias
func (b *FirestoreBackend) countQuery(filter Filter) *firestore.AggregationQuery {
	q := b.query(filter)
	return q.NewAggregationQuery().WithCount("total")
}

func (b *FirestoreBackend) Close() error {
	return b.client.Close()
}

func (b *FirestoreBackend) query(filter Filter) firestore.Query {
	q := b.client.Collection(b.collection).Query
	if filter.Type != model.DocumentTypeUnknown {
		q = q.Where("documentType", "==", string(filter.Type))
	}
	if !filter.IngestedSince.IsZero() {
		q = q.Where("ingestedAt", ">=", filter.IngestedSince)
	}
	return q
}

func toRecord(entry *model.LedgerEntry) (firestoreRecord, error) {
	doc := entry.Document
	document, err := json.Marshal(doc)
	if err != nil {
		return firestoreRecord{}, fmt.Errorf("encode document: %w", err)
	}

	rec := firestoreRecord{
		ID:           entry.ID.String(),
		AccessKey:    doc.AccessKey,
		DocumentType: string(doc.Type),
		Number:       doc.Number,
		Series:       doc.Series,
		IssuerTaxID:  doc.Issuer.TaxID(),
		IssuedAt:     doc.IssuedAt,
		Total:        doc.Total.StringFixed(2),
		Document:     string(document),
		IngestedAt:   entry.IngestedAt,
	}
	if entry.Validation != nil {
		validation, err := json.Marshal(entry.Validation)
		if err != nil {
			return firestoreRecord{}, fmt.Errorf("encode validation: %w", err)
		}
		rec.Validation = string(validation)
		valid := entry.Validation.IsValid
		rec.IsValid = &valid
	}
	return rec, nil
}

func (r firestoreRecord) entry() (*model.LedgerEntry, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("decode id of %s: %w", r.AccessKey, err)
	}

	entry := &model.LedgerEntry{
		ID:         id,
		Document:   &model.FiscalDocument{},
		IngestedAt: r.IngestedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Document), entry.Document); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", r.AccessKey, err)
	}
	if r.Validation != "" {
		entry.Validation = &model.ValidationResult{}
		if err := json.Unmarshal([]byte(r.Validation), entry.Validation); err != nil {
			return nil, fmt.Errorf("decode validation %s: %w", r.AccessKey, err)
		}
	}
	return entry, nil
}

func firestoreError(op string, err error) error {
	if status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	if status.Code(err) == codes.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return model.NewStorageTimeoutError(op, err)
	}
	return model.NewStorageUnavailableError(op, err)
}
