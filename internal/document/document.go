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

// Package document normalises attachments into size-bounded PDFs with a
// stable content hash.
package document

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/png"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/leonie/brokerflow/internal/failure"
	"github.com/leonie/brokerflow/internal/models"
)

// MimePDF is the only output type.
const MimePDF = "application/pdf"

// Artifact is a normalised document ready for storage.
type Artifact struct {
	Data        []byte
	Filename    string
	MimeType    string
	ContentHash string
	SourceMime  string
	Converted   bool
}

// Converter turns an office document into a PDF.
type Converter interface {
	ToPDF(ctx context.Context, data []byte, filename string) ([]byte, error)
}

// Compressor rewrites a PDF with a quality preset ("/ebook", "/screen").
type Compressor interface {
	Compress(ctx context.Context, pdf []byte, preset string) ([]byte, error)
}

// Config bounds input and output sizes.
type Config struct {
	TargetBytes   int64
	MaxInputBytes int64
}

var officeTypes = map[string]bool{
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.oasis.opendocument.text":                                   true,
	"application/vnd.ms-excel":                                                  true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.oasis.opendocument.spreadsheet":                            true,
	"application/vnd.ms-powerpoint":                                             true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/rtf": true,
	"text/rtf":        true,
}

var imageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
	"image/tiff": true,
}

var disableConfigDir sync.Once

// Processor normalises attachments.
type Processor struct {
	cfg    Config
	office Converter
	gs     Compressor
	pdf    *model.Configuration
}

// NewProcessor creates a processor. office and gs may be nil, in which
// case office documents are unsupported and PDFs are only optimised
// in-process.
func NewProcessor(cfg Config, office Converter, gs Compressor) *Processor {
	if cfg.TargetBytes <= 0 {
		cfg.TargetBytes = 1_800_000
	}
	if cfg.MaxInputBytes <= 0 {
		cfg.MaxInputBytes = 10 * 1024 * 1024
	}
	disableConfigDir.Do(api.DisableConfigDir)

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	return &Processor{cfg: cfg, office: office, gs: gs, pdf: conf}
}

// Process converts an attachment into an Artifact. Unsupported input is a
// failure.UnsupportedDocument; a converter that fails twice is a
// failure.ConversionTool.
func (p *Processor) Process(ctx context.Context, att models.Attachment) (*Artifact, error) {
	if len(att.Data) == 0 {
		return nil, failure.Newf(failure.UnsupportedDocument, "document.process", "%s: empty attachment", att.Filename)
	}
	if int64(len(att.Data)) > p.cfg.MaxInputBytes {
		return nil, failure.Newf(failure.UnsupportedDocument, "document.process",
			"%s: %d bytes exceeds the %d byte limit", att.Filename, len(att.Data), p.cfg.MaxInputBytes)
	}

	mime := ResolveMime(att.MimeType, att.Filename, att.Data)

	var (
		out       []byte
		err       error
		converted bool
	)
	switch {
	case mime == MimePDF:
		if err := api.Validate(bytes.NewReader(att.Data), p.pdf); err != nil {
			return nil, failure.Newf(failure.UnsupportedDocument, "document.process", "%s: invalid pdf: %v", att.Filename, err)
		}
		out = att.Data
	case imageTypes[mime]:
		out, err = p.imageToPDF(att.Data, mime)
		if err != nil {
			return nil, failure.Newf(failure.UnsupportedDocument, "document.process", "%s: %v", att.Filename, err)
		}
		converted = true
	case officeTypes[mime]:
		if p.office == nil {
			return nil, failure.Newf(failure.UnsupportedDocument, "document.process", "%s: no office converter", att.Filename)
		}
		out, err = p.convertOffice(ctx, att)
		if err != nil {
			return nil, err
		}
		converted = true
	default:
		return nil, failure.Newf(failure.UnsupportedDocument, "document.process", "%s: unsupported type %s", att.Filename, mime)
	}

	out = p.shrink(ctx, att.Filename, out)

	slog.Debug("document normalised",
		"filename", att.Filename,
		"source_mime", mime,
		"in_bytes", len(att.Data),
		"out_bytes", len(out),
		"converted", converted,
	)

	return &Artifact{
		Data:        out,
		Filename:    PDFName(att.Filename),
		MimeType:    MimePDF,
		ContentHash: Hash(out),
		SourceMime:  mime,
		Converted:   converted,
	}, nil
}

// convertOffice runs the converter, retrying once.
func (p *Processor) convertOffice(ctx context.Context, att models.Attachment) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		out, err := p.office.ToPDF(ctx, att.Data, att.Filename)
		if err == nil {
			return out, nil
		}
		lastErr = err
		slog.Warn("office conversion failed", "filename", att.Filename, "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	if failure.KindOf(lastErr) == failure.ConversionTool {
		return nil, lastErr
	}
	return nil, failure.New(failure.ConversionTool, "document.convert", lastErr)
}

func (p *Processor) imageToPDF(data []byte, mime string) ([]byte, error) {
	if mime == "image/gif" {
		// pdfcpu does not import GIF; re-encode the first frame as PNG.
		img, err := gif.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode gif: %w", err)
		}
		data, err = encodePNG(img)
		if err != nil {
			return nil, err
		}
	}

	imp := pdfcpu.DefaultImportConfig()
	var buf bytes.Buffer
	if err := api.ImportImages(nil, &buf, []io.Reader{bytes.NewReader(data)}, imp, p.pdf); err != nil {
		return nil, fmt.Errorf("import image: %w", err)
	}
	return buf.Bytes(), nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// shrink brings a PDF under the target size if it can: in-process
// optimisation first, then Ghostscript /ebook and /screen. The smallest
// candidate wins; failures along the way keep the current best.
func (p *Processor) shrink(ctx context.Context, name string, pdf []byte) []byte {
	target := int(p.cfg.TargetBytes)
	if len(pdf) <= target {
		return pdf
	}

	best := pdf
	var buf bytes.Buffer
	if err := api.Optimize(bytes.NewReader(pdf), &buf, p.pdf); err != nil {
		slog.Warn("pdf optimise failed", "filename", name, "error", err)
	} else if buf.Len() < len(best) {
		best = append([]byte(nil), buf.Bytes()...)
	}

	if p.gs == nil {
		return best
	}
	for _, preset := range []string{"/ebook", "/screen"} {
		if len(best) <= target {
			break
		}
		out, err := p.gs.Compress(ctx, best, preset)
		if err != nil {
			slog.Warn("ghostscript compression failed", "filename", name, "preset", preset, "error", err)
			continue
		}
		if len(out) > 0 && len(out) < len(best) {
			best = out
		}
	}

	if len(best) > target {
		slog.Info("pdf still above target size", "filename", name, "bytes", len(best), "target", target)
	}
	return best
}

// ResolveMime returns the declared type unless it is missing or generic,
// in which case the content is sniffed. Parameters are dropped.
func ResolveMime(declared, filename string, data []byte) string {
	m := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	if m == "image/jpg" || m == "image/pjpeg" {
		m = "image/jpeg"
	}
	if m != "" && m != "application/octet-stream" && m != "application/zip" && m != "application/x-zip-compressed" {
		return m
	}

	detected := mimetype.Detect(data).String()
	if i := strings.IndexByte(detected, ';'); i >= 0 {
		detected = detected[:i]
	}
	if detected == "application/octet-stream" || detected == "application/zip" {
		if byExt := extensionMime(filename); byExt != "" {
			return byExt
		}
	}
	return detected
}

// extensionMime maps office extensions for containers the sniffer cannot
// see into.
func extensionMime(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".xls":
		return "application/vnd.ms-excel"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".ppt":
		return "application/vnd.ms-powerpoint"
	case ".pptx":
		return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	case ".odt":
		return "application/vnd.oasis.opendocument.text"
	case ".ods":
		return "application/vnd.oasis.opendocument.spreadsheet"
	}
	return ""
}

// PDFName keeps the original stem and swaps the extension for .pdf.
func PDFName(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	stem = strings.TrimSpace(stem)
	if stem == "" || stem == "." || stem == "/" {
		stem = "document"
	}
	return stem + ".pdf"
}

// Hash is the hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IsUnsupported reports whether err means the attachment cannot be
// normalised, whatever the cause.
func IsUnsupported(err error) bool {
	return errors.Is(err, failure.UnsupportedDocument) || errors.Is(err, failure.ConversionTool)
}
