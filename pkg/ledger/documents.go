package ledger

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/loanerr"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/store"
	"go.uber.org/zap"
)

const maxDocumentSize = 10 << 20

// AttachDocumentInput is an uploaded file for an application.
type AttachDocumentInput struct {
	Type        models.DocumentType `validate:"required,oneof=id_card proof_of_income business_registration bank_statements collateral_document reference_letter photos other"`
	Name        string              `validate:"required,max=255"`
	ContentType string              `validate:"max=127"`
	UploadedBy  string              `validate:"required,max=64"`
	Data        []byte
}

// Readiness reports whether the required documents are on file and verified.
type Readiness struct {
	Ready      bool                  `json:"ready"`
	Missing    []models.DocumentType `json:"missing"`
	Unverified []models.DocumentType `json:"unverified"`
}

func documentKey(appID, docID uuid.UUID, name string) string {
	return fmt.Sprintf("applications/%s/%s/%s", appID, docID, path.Base(name))
}

// AttachDocument uploads the file and records it against a non-terminal
// application. The uploaded object is removed again when the record cannot be stored.
func (l *Ledger) AttachDocument(ctx context.Context, applicationID uuid.UUID, input AttachDocumentInput) (*models.ApplicationDocument, error) {
	if err := l.validateInput(input); err != nil {
		return nil, err
	}
	if len(input.Data) == 0 {
		return nil, loanerr.Validation("EmptyDocument", "document %s is empty", input.Name)
	}
	if len(input.Data) > maxDocumentSize {
		return nil, loanerr.Validation("DocumentTooLarge", "document %s exceeds %d bytes", input.Name, maxDocumentSize)
	}
	contentType := strings.TrimSpace(input.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if _, err := l.GetApplication(ctx, applicationID); err != nil {
		return nil, err
	}

	doc := &models.ApplicationDocument{
		ID:            uuid.New(),
		ApplicationID: applicationID,
		Type:          input.Type,
		Name:          input.Name,
		ContentType:   contentType,
		Size:          int64(len(input.Data)),
		UploadedBy:    input.UploadedBy,
		UploadedAt:    l.now(),
	}
	doc.StorageKey = documentKey(applicationID, doc.ID, input.Name)

	if err := l.docs.Put(ctx, doc.StorageKey, contentType, input.Data); err != nil {
		return nil, fmt.Errorf("failed to upload document %s: %w", input.Name, err)
	}

	err := l.withTx(ctx, func(tx store.Tx, ob *outbox) error {
		app, err := tx.GetApplication(ctx, applicationID)
		if err != nil {
			return err
		}
		if app.Status.IsTerminal() {
			return applicationStatusConflict(app, "attach documents to")
		}
		return tx.CreateDocument(ctx, doc)
	})
	if err != nil {
		if derr := l.docs.Delete(ctx, doc.StorageKey); derr != nil {
			l.logger.Error("failed to remove orphaned document",
				zap.String("storage_key", doc.StorageKey), zap.Error(derr))
		}
		return nil, err
	}
	l.logger.Info("document attached",
		zap.String("application_id", applicationID.String()),
		zap.String("type", string(doc.Type)),
		zap.Int64("size", doc.Size))
	return doc, nil
}

// VerifyDocument marks a document as checked by an officer.
func (l *Ledger) VerifyDocument(ctx context.Context, documentID uuid.UUID, verifiedBy string) (*models.ApplicationDocument, error) {
	if strings.TrimSpace(verifiedBy) == "" {
		return nil, loanerr.Validation("VerifierRequired", "verifiedBy is required")
	}
	var doc *models.ApplicationDocument
	err := l.withTx(ctx, func(tx store.Tx, ob *outbox) error {
		var err error
		doc, err = tx.GetDocument(ctx, documentID)
		if err != nil {
			return err
		}
		if doc.Verified {
			return loanerr.StateConflict("DocumentAlreadyVerified", "document %s is already verified", doc.ID)
		}
		now := l.now()
		doc.Verified = true
		doc.VerifiedBy = verifiedBy
		doc.VerifiedAt = &now
		return tx.UpdateDocument(ctx, doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (l *Ledger) ListDocuments(ctx context.Context, applicationID uuid.UUID) ([]*models.ApplicationDocument, error) {
	var docs []*models.ApplicationDocument
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetApplication(ctx, applicationID); err != nil {
			return err
		}
		var err error
		docs, err = tx.ListDocuments(ctx, applicationID)
		return err
	})
	return docs, err
}

// CheckApplicationReadiness lists the required document types that are
// missing or not yet verified.
func (l *Ledger) CheckApplicationReadiness(ctx context.Context, applicationID uuid.UUID) (Readiness, error) {
	docs, err := l.ListDocuments(ctx, applicationID)
	if err != nil {
		return Readiness{}, err
	}
	present := make(map[models.DocumentType]bool)
	verified := make(map[models.DocumentType]bool)
	for _, d := range docs {
		present[d.Type] = true
		if d.Verified {
			verified[d.Type] = true
		}
	}

	r := Readiness{Missing: []models.DocumentType{}, Unverified: []models.DocumentType{}}
	for _, t := range models.RequiredDocumentTypes {
		switch {
		case !present[t]:
			r.Missing = append(r.Missing, t)
		case !verified[t]:
			r.Unverified = append(r.Unverified, t)
		}
	}
	r.Ready = len(r.Missing) == 0 && len(r.Unverified) == 0
	return r, nil
}
