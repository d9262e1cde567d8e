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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// TestLoadFile_ExpandsEnvAndDefaults verifies ${VAR} expansion and defaults.
func TestLoadFile_ExpandsEnvAndDefaults(t *testing.T) {
	t.Setenv("TEST_DB_URL", "postgres://u:p@db/brokerflow")
	t.Setenv("POLL_INTERVAL", "15s")

	path := writeConfig(t, `
database:
  url: ${TEST_DB_URL}
redis:
  url: redis://cache:6379/1
piece_types:
  - id: immo-identite
    loan_type: immobilier
    category: identite
    name: Pièce d'identité
    keywords: [cni, passeport]
    required: true
    order: 1
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db/brokerflow", cfg.Database.URL)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "redis://cache:6379/1", cfg.RedisURL)
	assert.Equal(t, "drive", cfg.Storage.Backend)
	assert.Equal(t, 15*time.Second, cfg.Mail.PollInterval)
	assert.Equal(t, int64(1_800_000), cfg.Documents.TargetBytes)
	assert.Equal(t, 3, cfg.Classifier.MaxAttempts)
	require.Len(t, cfg.PieceTypes, 1)
	assert.Equal(t, []string{"cni", "passeport"}, cfg.PieceTypes[0].Keywords)
	assert.True(t, cfg.PieceTypes[0].Required)
}

// TestLoadFile_Validation verifies configuration errors are reported.
func TestLoadFile_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing database url", "storage:\n  backend: drive\n"},
		{"unknown backend", "database:\n  url: x\nstorage:\n  backend: ftp\n"},
		{"minio without bucket", "database:\n  url: x\nstorage:\n  backend: minio\n  minio:\n    endpoint: localhost:9000\n"},
		{"unknown driver", "database:\n  driver: oracle\n  url: x\n"},
		{"piece type without id", "database:\n  url: x\npiece_types:\n  - name: CNI\n    loan_type: immobilier\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "")
			_, err := LoadFile(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

// TestLoadFile_MissingFile verifies a missing config file is an error.
func TestLoadFile_MissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

// TestFirstNonEmpty verifies whitespace-only values are skipped.
func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "  ", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", " "))
}
