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
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/leonie/brokerflow/internal/models"
	"github.com/leonie/brokerflow/internal/store"
)

// seedChecklist adds a missing record for every required piece type of
// the client's loan type that has no record yet. It returns the names of
// the pieces it added.
func (r *Router) seedChecklist(ctx context.Context, client *models.Client) ([]string, error) {
	loanType := client.LoanType
	if loanType == "" {
		loanType = store.CommonLoanType
	}
	catalog, err := r.d.Store.ListPieceTypes(ctx, loanType)
	if err != nil {
		return nil, fmt.Errorf("list piece types: %w", err)
	}
	records, err := r.d.Store.ListPieceRecords(ctx, client.ID)
	if err != nil {
		return nil, fmt.Errorf("list piece records: %w", err)
	}
	have := make(map[string]bool, len(records))
	for _, rec := range records {
		have[rec.PieceTypeID] = true
	}

	var added []string
	for _, pt := range catalog {
		if !pt.Required || have[pt.ID] {
			continue
		}
		if err := r.insertMissing(ctx, client.ID, pt); err != nil {
			return added, err
		}
		added = append(added, pt.Name)
	}
	if len(added) > 0 {
		slog.Info("checklist seeded", "client_id", client.ID, "loan_type", loanType, "pieces", len(added))
	}
	return added, nil
}

func (r *Router) insertMissing(ctx context.Context, clientID string, pt models.PieceType) error {
	err := r.d.Store.InsertPieceRecord(ctx, &models.PieceRecord{
		ClientID:    clientID,
		PieceTypeID: pt.ID,
		Status:      models.PieceMissing,
	})
	if err != nil {
		return fmt.Errorf("insert missing piece %s: %w", pt.ID, err)
	}
	return nil
}

// missingPieces names the client's outstanding pieces in catalog order.
func (r *Router) missingPieces(ctx context.Context, client *models.Client) ([]string, error) {
	catalog, err := r.d.Store.ListPieceTypes(ctx, "")
	if err != nil {
		return nil, err
	}
	records, err := r.d.Store.ListPieceRecords(ctx, client.ID)
	if err != nil {
		return nil, err
	}
	missing := make(map[string]bool)
	for _, rec := range records {
		if rec.Status == models.PieceMissing {
			missing[rec.PieceTypeID] = true
		}
	}
	var names []string
	for _, pt := range catalog {
		if missing[pt.ID] {
			names = append(names, pt.Name)
		}
	}
	return names, nil
}

// missingSlot returns the client's first missing record whose piece type
// matches the attachment's file name, or nil.
func (r *Router) missingSlot(ctx context.Context, clientID string, catalog []models.PieceType, filename string) (*models.PieceRecord, error) {
	label := fileLabel(filename)
	if label == "" {
		return nil, nil
	}
	records, err := r.d.Store.ListPieceRecords(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("list piece records: %w", err)
	}
	byID := indexCatalog(catalog)
	for i := range records {
		rec := records[i]
		if rec.Status != models.PieceMissing || rec.PieceTypeID == "" {
			continue
		}
		if pt, ok := byID[rec.PieceTypeID]; ok && pt.Matches(label) {
			return &rec, nil
		}
	}
	return nil, nil
}

// updateChecklist applies the loan type and status deltas and the piece
// additions and removals the broker asked for.
func (r *Router) updateChecklist(ctx context.Context, client *models.Client, f models.Fields) (outcome, error) {
	changes := map[string]any{}
	var added, removed, unknown []string

	err := r.withLock(ctx, "client:"+client.ID, func() error {
		if err := r.reload(ctx, client); err != nil {
			return err
		}
		loanChanged := false
		if lt := normalizeLoanType(f.LoanType); lt != "" && lt != client.LoanType {
			changes["loan_type"] = lt
			client.LoanType = lt
			loanChanged = true
		}
		if status, ok := models.ParseClientStatus(f.Status); ok && status != client.Status {
			changes["status"] = string(status)
			client.Status = status
		}
		if len(changes) > 0 {
			if err := r.d.Store.UpdateClient(ctx, client); err != nil {
				return fmt.Errorf("update client: %w", err)
			}
		}
		if loanChanged {
			seeded, err := r.seedChecklist(ctx, client)
			if err != nil {
				return err
			}
			added = append(added, seeded...)
		}

		all, err := r.d.Store.ListPieceTypes(ctx, "")
		if err != nil {
			return fmt.Errorf("list piece types: %w", err)
		}
		preferred, err := r.d.Store.ListPieceTypes(ctx, client.LoanType)
		if err != nil {
			return fmt.Errorf("list piece types: %w", err)
		}
		records, err := r.d.Store.ListPieceRecords(ctx, client.ID)
		if err != nil {
			return fmt.Errorf("list piece records: %w", err)
		}
		have := make(map[string]bool, len(records))
		for _, rec := range records {
			have[rec.PieceTypeID] = true
		}

		for _, label := range f.PiecesToAdd {
			pt := matchPieceType(preferred, label)
			if pt == nil {
				pt = matchPieceType(all, label)
			}
			if pt == nil {
				unknown = append(unknown, label)
				continue
			}
			if have[pt.ID] {
				continue
			}
			if err := r.insertMissing(ctx, client.ID, *pt); err != nil {
				return err
			}
			have[pt.ID] = true
			added = append(added, pt.Name)
		}

		byID := indexCatalog(all)
		for _, label := range f.PiecesToRemove {
			hit := false
			for _, rec := range records {
				if rec.Status != models.PieceMissing {
					continue
				}
				pt, ok := byID[rec.PieceTypeID]
				if !ok || !pt.Matches(label) {
					continue
				}
				if err := r.d.Store.DeletePieceRecord(ctx, rec.ID); err != nil {
					return fmt.Errorf("delete piece %s: %w", rec.ID, err)
				}
				removed = append(removed, pt.Name)
				hit = true
			}
			if !hit {
				unknown = append(unknown, label)
			}
		}
		return nil
	})
	if err != nil {
		return outcome{}, err
	}

	slog.Info("checklist updated",
		"client_id", client.ID,
		"changes", len(changes),
		"added", len(added),
		"removed", len(removed),
		"unknown", len(unknown),
	)
	return outcome{
		kind:   models.ActivityChecklistUpdated,
		client: client,
		detail: map[string]any{
			"changes": changes,
			"added":   added,
			"removed": removed,
			"unknown": unknown,
		},
	}, nil
}

func matchPieceType(catalog []models.PieceType, label string) *models.PieceType {
	for i := range catalog {
		if catalog[i].Matches(label) {
			return &catalog[i]
		}
	}
	return nil
}

func indexCatalog(catalog []models.PieceType) map[string]models.PieceType {
	byID := make(map[string]models.PieceType, len(catalog))
	for _, pt := range catalog {
		byID[pt.ID] = pt
	}
	return byID
}

// fileLabel turns "avis_imposition-2024.pdf" into "avis imposition 2024".
func fileLabel(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return strings.Join(strings.FieldsFunc(stem, func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || r == ' '
	}), " ")
}
