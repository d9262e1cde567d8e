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

package document

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leonie/brokerflow/internal/failure"
)

// LibreOffice converts office documents with a headless soffice.
type LibreOffice struct {
	Path    string
	Timeout time.Duration
}

// ToPDF implements Converter. Each call uses its own user profile so
// conversions can run concurrently.
func (l LibreOffice) ToPDF(ctx context.Context, data []byte, filename string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "brokerflow-lo-")
	if err != nil {
		return nil, failure.New(failure.ConversionTool, "libreoffice", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input"+strings.ToLower(filepath.Ext(filename)))
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, failure.New(failure.ConversionTool, "libreoffice", err)
	}
	outDir := filepath.Join(dir, "out")
	profile := "file://" + filepath.Join(dir, "profile-"+uuid.NewString())

	args := []string{
		"-env:UserInstallation=" + profile,
		"--headless", "--norestore", "--nolockcheck",
		"--convert-to", "pdf",
		"--outdir", outDir,
		in,
	}
	if err := run(ctx, l.Timeout, l.Path, args...); err != nil {
		return nil, failure.New(failure.ConversionTool, "libreoffice", err)
	}

	out, err := os.ReadFile(filepath.Join(outDir, "input.pdf"))
	if err != nil {
		return nil, failure.New(failure.ConversionTool, "libreoffice", fmt.Errorf("no output: %w", err))
	}
	return out, nil
}

// Ghostscript recompresses PDFs with the pdfwrite device.
type Ghostscript struct {
	Path    string
	Timeout time.Duration
}

// Compress implements Compressor.
func (g Ghostscript) Compress(ctx context.Context, pdf []byte, preset string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "brokerflow-gs-")
	if err != nil {
		return nil, failure.New(failure.ConversionTool, "ghostscript", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in.pdf")
	out := filepath.Join(dir, "out.pdf")
	if err := os.WriteFile(in, pdf, 0o600); err != nil {
		return nil, failure.New(failure.ConversionTool, "ghostscript", err)
	}

	args := []string{
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=1.4",
		"-dPDFSETTINGS=" + preset,
		"-dNOPAUSE", "-dQUIET", "-dBATCH", "-dSAFER",
		"-sOutputFile=" + out,
		in,
	}
	if err := run(ctx, g.Timeout, g.Path, args...); err != nil {
		return nil, failure.New(failure.ConversionTool, "ghostscript", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, failure.New(failure.ConversionTool, "ghostscript", err)
	}
	return data, nil
}

func run(ctx context.Context, timeout time.Duration, name string, args ...string) error {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s timed out after %s", filepath.Base(name), timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return fmt.Errorf("%s: %w: %s", filepath.Base(name), err, msg)
	}
	return nil
}
