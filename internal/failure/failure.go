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

// Package failure defines the typed error kinds that cross pipeline stage
// boundaries. Components wrap their raw errors in an *Error carrying a Kind;
// the router and the job queue only ever branch on the kind.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	// TransientExternal covers network failures against mail, classification,
	// storage or notification services. Retried with bounded backoff.
	TransientExternal Kind = "transient_external"

	// MailConnection is a transport failure talking to the mail endpoint.
	MailConnection Kind = "mail_connection"

	// MailAuth means the mail endpoint rejected our credentials. Fatal.
	MailAuth Kind = "mail_auth"

	// ClassificationDegraded means the classifier gave up or returned
	// something unusable; the message is routed to OTHER.
	ClassificationDegraded Kind = "classification_degraded"

	// EntityAmbiguous means no single client could be picked.
	EntityAmbiguous Kind = "entity_ambiguous"

	// UnsupportedDocument means an attachment cannot be normalised.
	UnsupportedDocument Kind = "unsupported_document"

	// ConversionTool means an external converter (LibreOffice, Ghostscript)
	// failed or timed out.
	ConversionTool Kind = "conversion_tool"

	// InvalidRootFolder means a broker's storage root does not resolve.
	InvalidRootFolder Kind = "invalid_root_folder"

	// DuplicateArtifact is not an error: the content is already filed.
	DuplicateArtifact Kind = "duplicate_artifact"
)

// Error is a kind-tagged error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, failure.InvalidRootFolder) style checks work by
// comparing against a bare Kind.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	return false
}

// Error makes Kind usable as an errors.Is target.
func (k Kind) Error() string { return string(k) }

// New wraps err with a kind and the operation that failed.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a kind-tagged error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsTransient reports whether err should be retried by the job queue.
// Untyped errors are treated as transient so nothing is dropped silently.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case TransientExternal, MailConnection, "":
		return true
	default:
		return false
	}
}
