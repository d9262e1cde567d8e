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

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/leonie/brokerflow/internal/failure"
)

const folderMime = "application/vnd.google-apps.folder"

// Drive is a Backend on Google Drive v3. Refs are file ids.
type Drive struct {
	svc *drive.Service
}

// NewDrive creates a Drive backend from an authorized HTTP client.
func NewDrive(ctx context.Context, httpClient *http.Client, opts ...option.ClientOption) (*Drive, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return &Drive{svc: svc}, nil
}

// CheckFolder implements Backend.
func (d *Drive) CheckFolder(ctx context.Context, ref string) error {
	f, err := d.svc.Files.Get(ref).
		Fields("id", "mimeType", "trashed").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusForbidden) {
			return failure.Newf(failure.InvalidRootFolder, "drive.check_folder", "%s: %v", ref, err)
		}
		return failure.New(failure.TransientExternal, "drive.check_folder", err)
	}
	if f.Trashed {
		return failure.Newf(failure.InvalidRootFolder, "drive.check_folder", "%s is in the trash", ref)
	}
	if f.MimeType != folderMime {
		return failure.Newf(failure.InvalidRootFolder, "drive.check_folder", "%s is a %s, not a folder", ref, f.MimeType)
	}
	return nil
}

// EnsureFolder implements Backend. Lookup is by exact name under parent.
func (d *Drive) EnsureFolder(ctx context.Context, parentRef, name string) (string, error) {
	q := fmt.Sprintf("name = '%s' and '%s' in parents and mimeType = '%s' and trashed = false",
		escapeQuery(name), escapeQuery(parentRef), folderMime)

	list, err := d.svc.Files.List().
		Q(q).
		Fields("files(id)").
		PageSize(1).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("list folders: %w", err)
	}
	if len(list.Files) > 0 {
		return list.Files[0].Id, nil
	}

	created, err := d.svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: folderMime,
		Parents:  []string{parentRef},
	}).Fields("id").SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("create folder %q: %w", name, err)
	}
	return created.Id, nil
}

// Put implements Backend. Drive tolerates duplicate names in a folder.
func (d *Drive) Put(ctx context.Context, folderRef, name, mimeType string, data []byte) (string, error) {
	f, err := d.svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: mimeType,
		Parents:  []string{folderRef},
	}).
		Media(bytes.NewReader(data), googleapi.ContentType(mimeType)).
		Fields("id").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("upload %q: %w", name, err)
	}
	return f.Id, nil
}

// Link implements Backend. It grants "anyone with the link" read access.
func (d *Drive) Link(ctx context.Context, ref string) (string, error) {
	_, err := d.svc.Permissions.Create(ref, &drive.Permission{
		Type: "anyone",
		Role: "reader",
	}).SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("share %s: %w", ref, err)
	}

	f, err := d.svc.Files.Get(ref).Fields("webViewLink").SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("get link %s: %w", ref, err)
	}
	return f.WebViewLink, nil
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
