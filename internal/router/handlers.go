// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/leonie/brokerflow/internal/document"
	"github.com/leonie/brokerflow/internal/failure"
	"github.com/leonie/brokerflow/internal/models"
	"github.com/leonie/brokerflow/internal/notify"
	"github.com/leonie/brokerflow/internal/resolver"
	"github.com/leonie/brokerflow/internal/storage"
	"github.com/leonie/brokerflow/internal/store"
)

// newCase creates the client (or finds the one already created for that
// name), provisions its folder and seeds its checklist.
func (r *Router) newCase(ctx context.Context, msg *models.Message, broker *models.Broker, f models.Fields) (outcome, error) {
	if !f.HasName() {
		r.notifyAmbiguous(broker, msg, nil, nil, "")
		return outcome{kind: models.ActivityClientAmbiguous, detail: map[string]any{
			"reason": resolver.ReasonNoNameExtracted,
			"action": string(models.ActionNewCase),
		}}, nil
	}

	if err := r.d.Storage.VerifyRoot(ctx, broker.RootFolderRef); err != nil {
		return outcome{}, err
	}

	var (
		out     outcome
		created bool
		client  *models.Client
		pieces  []string
	)
	key := fmt.Sprintf("broker:%s:new:%s", broker.ID, models.FoldName(f.ClientSurname+" "+f.ClientGivenName))
	err := r.withLock(ctx, key, func() error {
		existing, err := r.findByName(ctx, broker.ID, f)
		if err != nil {
			return err
		}
		if existing != nil {
			client = existing
			// A retry of the message that created the client still
			// announces the case.
			created = existing.SourceMessageID == msg.ID
		} else {
			client = &models.Client{
				BrokerID:        broker.ID,
				Surname:         strings.TrimSpace(f.ClientSurname),
				GivenName:       strings.TrimSpace(f.ClientGivenName),
				LoanType:        normalizeLoanType(f.LoanType),
				Status:          models.ClientOpen,
				SourceMessageID: msg.ID,
			}
			if addr := models.NormalizeAddress(f.ClientEmail); addr != "" {
				client.Emails = []string{addr}
			}
			if err := r.d.Store.CreateClient(ctx, client); err != nil {
				return fmt.Errorf("create client: %w", err)
			}
			created = true
			slog.Info("client created", "message_id", msg.ID, "broker_id", broker.ID, "client_id", client.ID)
		}

		if err := r.ensureFolder(ctx, broker, client); err != nil {
			return err
		}
		pieces, err = r.seedChecklist(ctx, client)
		return err
	})
	if err != nil {
		return outcome{}, err
	}

	out.client = client
	out.detail = map[string]any{
		"client_name": client.DisplayName(),
		"loan_type":   client.LoanType,
		"folder_ref":  client.FolderRef,
		"seeded":      len(pieces),
	}
	if !created {
		out.kind = models.ActivityCaseExists
		return out, nil
	}
	out.kind = models.ActivityCaseCreated

	link, err := r.d.Storage.ShareableLink(ctx, client.FolderRef)
	if err != nil {
		slog.Warn("failed to share client folder", "client_id", client.ID, "error", err)
	}
	all, err := r.missingPieces(ctx, client)
	if err != nil {
		slog.Warn("failed to list checklist", "client_id", client.ID, "error", err)
	}
	r.d.Notifier.Notify(broker, notify.TemplateCaseCreated, notify.CaseCreated{
		Broker:     broker,
		Client:     client,
		FolderLink: link,
		Pieces:     all,
	})
	return out, nil
}

// sendDocuments files every attachment under the client's folder. The
// whole message runs under the client's lock so hash checks and inserts
// cannot interleave with another worker.
func (r *Router) sendDocuments(ctx context.Context, msg *models.Message, broker *models.Broker, client *models.Client) (outcome, error) {
	var (
		received, duplicates int
		unrecognized         []string
		conversionFailed     []string
	)

	err := r.withLock(ctx, "client:"+client.ID, func() error {
		if err := r.reload(ctx, client); err != nil {
			return err
		}
		if err := r.ensureFolder(ctx, broker, client); err != nil {
			return err
		}
		catalog, err := r.d.Store.ListPieceTypes(ctx, client.LoanType)
		if err != nil {
			return fmt.Errorf("list piece types: %w", err)
		}

		for _, att := range msg.Attachments {
			res, err := r.fileAttachment(ctx, msg, client, catalog, att)
			if err != nil {
				return err
			}
			switch res {
			case fileReceived:
				received++
			case fileDuplicate:
				duplicates++
			case fileConversionFailed:
				conversionFailed = append(conversionFailed, att.Filename)
				fallthrough
			case fileUnrecognized:
				unrecognized = append(unrecognized, att.Filename)
			}
		}
		return nil
	})
	if err != nil {
		return outcome{}, err
	}

	if len(unrecognized) > 0 {
		r.d.Notifier.Notify(broker, notify.TemplateUnrecognizedDocument, notify.UnrecognizedDocument{
			Broker: broker,
			Client: client,
			Files:  unrecognized,
		})
	}
	if len(conversionFailed) > 0 {
		r.d.Notifier.Alert("conversion_failed", map[string]any{
			"message_id": msg.ID,
			"client_id":  client.ID,
			"files":      strings.Join(conversionFailed, ", "),
		})
	}

	return outcome{
		kind:   models.ActivityDocumentsReceived,
		client: client,
		detail: map[string]any{
			"attachments":  len(msg.Attachments),
			"received":     received,
			"duplicates":   duplicates,
			"unrecognized": len(unrecognized),
		},
	}, nil
}

type fileResult int

const (
	fileReceived fileResult = iota
	fileDuplicate
	fileUnrecognized
	fileConversionFailed
)

// fileAttachment processes, dedups, uploads and records one attachment.
func (r *Router) fileAttachment(ctx context.Context, msg *models.Message, client *models.Client, catalog []models.PieceType, att models.Attachment) (fileResult, error) {
	art, err := r.d.Documents.Process(ctx, att)
	if err != nil {
		if !document.IsUnsupported(err) {
			return 0, err
		}
		return r.recordUnrecognized(ctx, msg, client, att, err)
	}

	existing, err := r.d.Store.FindPieceByHash(ctx, client.ID, art.ContentHash)
	if err != nil {
		return 0, fmt.Errorf("find piece by hash: %w", err)
	}
	if existing != nil {
		slog.Info("duplicate document skipped",
			"message_id", msg.ID,
			"client_id", client.ID,
			"filename", att.Filename,
			"piece_id", existing.ID,
		)
		return fileDuplicate, nil
	}

	ref, err := r.d.Storage.Upload(ctx, client.FolderRef, art)
	if err != nil {
		return 0, err
	}

	now := r.d.Now()
	rec := &models.PieceRecord{
		ClientID:    client.ID,
		Status:      models.PieceReceived,
		ContentHash: art.ContentHash,
		StorageRef:  ref,
		Filename:    art.Filename,
		MessageID:   msg.ID,
		ReceivedAt:  &now,
	}

	// A received document fills the first missing slot its name matches.
	slot, err := r.missingSlot(ctx, client.ID, catalog, att.Filename)
	if err != nil {
		return 0, err
	}
	if slot != nil {
		rec.ID = slot.ID
		rec.PieceTypeID = slot.PieceTypeID
		rec.Note = slot.Note
		rec.CreatedAt = slot.CreatedAt
		err = r.d.Store.UpdatePieceRecord(ctx, rec)
	} else {
		err = r.d.Store.InsertPieceRecord(ctx, rec)
	}
	if errors.Is(err, store.ErrDuplicateHash) {
		slog.Info("duplicate document skipped", "message_id", msg.ID, "client_id", client.ID, "filename", att.Filename)
		return fileDuplicate, nil
	}
	if err != nil {
		return 0, fmt.Errorf("record piece: %w", err)
	}

	slog.Info("document received",
		"message_id", msg.ID,
		"client_id", client.ID,
		"piece_id", rec.ID,
		"piece_type_id", rec.PieceTypeID,
		"filename", rec.Filename,
	)
	return fileReceived, nil
}

// recordUnrecognized keeps a trace of an attachment that could not be
// normalised. Nothing is uploaded.
func (r *Router) recordUnrecognized(ctx context.Context, msg *models.Message, client *models.Client, att models.Attachment, cause error) (fileResult, error) {
	result := fileUnrecognized
	if errors.Is(cause, failure.ConversionTool) {
		result = fileConversionFailed
	}

	now := r.d.Now()
	rec := &models.PieceRecord{
		ClientID:    client.ID,
		Status:      models.PieceUnrecognized,
		ContentHash: document.Hash(att.Data),
		Filename:    att.Filename,
		MessageID:   msg.ID,
		ReceivedAt:  &now,
		Note:        cause.Error(),
	}
	if err := r.d.Store.InsertPieceRecord(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateHash) {
			slog.Info("unrecognized document already recorded", "message_id", msg.ID, "client_id", client.ID, "filename", att.Filename)
			return fileDuplicate, nil
		}
		return 0, fmt.Errorf("record unrecognized piece: %w", err)
	}
	slog.Warn("document unrecognized",
		"message_id", msg.ID,
		"client_id", client.ID,
		"filename", att.Filename,
		"mime_type", att.MimeType,
		"error", cause,
	)
	return result, nil
}

// quarantine files the raw attachments of a message whose client could not
// be determined under the broker's quarantine area, grouped by the
// extracted client name. No piece records are written.
func (r *Router) quarantine(ctx context.Context, msg *models.Message, res *resolver.Resolution, f models.Fields) (outcome, error) {
	broker := res.Broker
	group := storage.QuarantineGroup(f)
	candidates := candidateNames(res.Candidates)

	if len(msg.Attachments) == 0 {
		out := ambiguousOutcome(res)
		r.notifyAmbiguous(broker, msg, candidates, nil, "")
		return out, nil
	}

	var files []string
	var folder string
	err := r.withLock(ctx, "broker:"+broker.ID+":quarantine", func() error {
		var err error
		folder, err = r.d.Storage.EnsureQuarantineFolder(ctx, broker, group)
		if err != nil {
			return err
		}
		for _, att := range msg.Attachments {
			if len(att.Data) == 0 {
				continue
			}
			name := quarantineName(msg.ID, att.Filename)
			_, err := r.d.Storage.Upload(ctx, folder, &document.Artifact{
				Data:        att.Data,
				Filename:    name,
				MimeType:    att.MimeType,
				ContentHash: document.Hash(att.Data),
				SourceMime:  att.MimeType,
			})
			if err != nil {
				return err
			}
			files = append(files, name)
		}
		return nil
	})
	if err != nil {
		return outcome{}, err
	}

	slog.Info("documents quarantined",
		"message_id", msg.ID,
		"broker_id", broker.ID,
		"group", group,
		"files", len(files),
		"reason", res.Reason,
	)

	link, err := r.d.Storage.ShareableLink(ctx, folder)
	if err != nil {
		slog.Warn("failed to share quarantine folder", "broker_id", broker.ID, "error", err)
	}
	r.notifyAmbiguous(broker, msg, candidates, files, link)

	return outcome{kind: models.ActivityDocumentsQuarantined, detail: map[string]any{
		"reason":     res.Reason,
		"group":      group,
		"folder_ref": folder,
		"files":      files,
		"candidates": candidates,
	}}, nil
}

func (r *Router) notifyAmbiguous(broker *models.Broker, msg *models.Message, candidates, files []string, link string) {
	r.d.Notifier.Notify(broker, notify.TemplateAmbiguousClient, notify.AmbiguousClient{
		Broker:     broker,
		Subject:    msg.Subject,
		Candidates: candidates,
		Files:      files,
		FolderLink: link,
	})
}

// quarantineName prefixes the original name with the message id so
// quarantined files can be traced back to their email.
func quarantineName(messageID, filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "attachment"
	}
	return messageID + "_" + base
}

// ensureFolder provisions the client's folder and stores its ref.
func (r *Router) ensureFolder(ctx context.Context, broker *models.Broker, client *models.Client) error {
	ref, err := r.d.Storage.EnsureClientFolder(ctx, broker, client)
	if err != nil {
		return err
	}
	if client.FolderRef == ref {
		return nil
	}
	if err := r.d.Store.SetClientFolder(ctx, client.ID, ref); err != nil {
		return fmt.Errorf("store folder ref: %w", err)
	}
	client.FolderRef = ref
	return nil
}

// reload replaces client with the stored row. Callers hold the client's
// lock, so the copy stays current until they release it.
func (r *Router) reload(ctx context.Context, client *models.Client) error {
	fresh, err := r.d.Store.GetClient(ctx, client.ID)
	if err != nil {
		return fmt.Errorf("get client: %w", err)
	}
	if fresh == nil {
		return fmt.Errorf("client %s vanished", client.ID)
	}
	*client = *fresh
	return nil
}

// findByName returns the broker's client whose folded name equals the
// extracted one, or nil.
func (r *Router) findByName(ctx context.Context, brokerID string, f models.Fields) (*models.Client, error) {
	clients, err := r.d.Store.ListClientsByBroker(ctx, brokerID)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	surname := models.FoldName(f.ClientSurname)
	given := models.FoldName(f.ClientGivenName)
	for i := range clients {
		c := clients[i]
		if models.FoldName(c.Surname) == surname && models.FoldName(c.GivenName) == given {
			return &c, nil
		}
	}
	return nil, nil
}

// normalizeLoanType maps free text such as "Prêt immo" onto the catalog's
// loan types.
func normalizeLoanType(raw string) string {
	lt := models.FoldName(raw)
	switch {
	case lt == "":
		return ""
	case strings.Contains(lt, "immo"):
		return "immobilier"
	case strings.Contains(lt, "pro"):
		return "professionnel"
	}
	return lt
}
