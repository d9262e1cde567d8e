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
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/leonie/brokerflow/internal/failure"
)

// StoredFile is a file held by the in-memory backend.
type StoredFile struct {
	Ref      string
	Folder   string
	Name     string
	MimeType string
	Data     []byte
}

type memFolder struct {
	name    string
	parent  string
	trashed bool
}

// Memory is an in-process Backend for tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	seq     int
	folders map[string]*memFolder
	files   map[string]*StoredFile
	failPut error
}

// NewMemory returns an empty backend.
func NewMemory() *Memory {
	return &Memory{
		folders: make(map[string]*memFolder),
		files:   make(map[string]*StoredFile),
	}
}

// AddRoot registers a live root folder.
func (m *Memory) AddRoot(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folders[ref] = &memFolder{name: ref}
}

// Trash marks a folder as trashed.
func (m *Memory) Trash(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.folders[ref]; ok {
		f.trashed = true
	}
}

// FailPuts makes every Put return err until called again with nil.
func (m *Memory) FailPuts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPut = err
}

// CheckFolder implements Backend.
func (m *Memory) CheckFolder(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.folders[ref]
	if !ok {
		if _, isFile := m.files[ref]; isFile {
			return failure.Newf(failure.InvalidRootFolder, "memory.check_folder", "%s is not a folder", ref)
		}
		return failure.Newf(failure.InvalidRootFolder, "memory.check_folder", "%s not found", ref)
	}
	if f.trashed {
		return failure.Newf(failure.InvalidRootFolder, "memory.check_folder", "%s is in the trash", ref)
	}
	return nil
}

// EnsureFolder implements Backend.
func (m *Memory) EnsureFolder(_ context.Context, parentRef, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.folders[parentRef]; !ok {
		return "", fmt.Errorf("parent %s not found", parentRef)
	}
	for ref, f := range m.folders {
		if f.parent == parentRef && f.name == name && !f.trashed {
			return ref, nil
		}
	}
	m.seq++
	ref := fmt.Sprintf("folder-%d", m.seq)
	m.folders[ref] = &memFolder{name: name, parent: parentRef}
	return ref, nil
}

// Put implements Backend.
func (m *Memory) Put(_ context.Context, folderRef, name, mimeType string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut != nil {
		return "", m.failPut
	}
	if _, ok := m.folders[folderRef]; !ok {
		return "", fmt.Errorf("folder %s not found", folderRef)
	}
	name = uniqueName(name, func(candidate string) bool {
		for _, f := range m.files {
			if f.Folder == folderRef && f.Name == candidate {
				return true
			}
		}
		return false
	})
	m.seq++
	ref := fmt.Sprintf("file-%d", m.seq)
	m.files[ref] = &StoredFile{
		Ref:      ref,
		Folder:   folderRef,
		Name:     name,
		MimeType: mimeType,
		Data:     append([]byte(nil), data...),
	}
	return ref, nil
}

// Link implements Backend for files and folders.
func (m *Memory) Link(_ context.Context, ref string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, isFile := m.files[ref]
	_, isFolder := m.folders[ref]
	if !isFile && !isFolder {
		return "", fmt.Errorf("%s not found", ref)
	}
	return "memory://" + ref, nil
}

// Path returns the folder names from the root down to ref, root excluded.
func (m *Memory) Path(ref string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var parts []string
	for {
		f, ok := m.folders[ref]
		if !ok || f.parent == "" {
			break
		}
		parts = append([]string{f.name}, parts...)
		ref = f.parent
	}
	return parts
}

// Files returns the files stored in folderRef, sorted by name.
func (m *Memory) Files(folderRef string) []StoredFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StoredFile
	for _, f := range m.files {
		if f.Folder == folderRef {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FileCount returns the number of stored files across all folders.
func (m *Memory) FileCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}
