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

package notify

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/leonie/brokerflow/internal/models"
)

// Template names.
const (
	TemplateCaseCreated          = "case_created"
	TemplateAmbiguousClient      = "ambiguous_client"
	TemplateUnrecognizedDocument = "unrecognized_document"
	TemplateOperatorAlert        = "operator_alert"
)

// CaseCreated is the data for TemplateCaseCreated.
type CaseCreated struct {
	Broker     *models.Broker
	Client     *models.Client
	FolderLink string
	Pieces     []string
}

// AmbiguousClient is the data for TemplateAmbiguousClient.
type AmbiguousClient struct {
	Broker     *models.Broker
	Subject    string
	Candidates []string
	Files      []string
	FolderLink string
}

// UnrecognizedDocument is the data for TemplateUnrecognizedDocument.
type UnrecognizedDocument struct {
	Broker *models.Broker
	Client *models.Client
	Files  []string
}

type operatorAlert struct {
	Kind   string
	Detail []detailLine
	At     time.Time
}

type detailLine struct {
	Key   string
	Value any
}

const templateText = `
{{- define "case_created.subject"}}Nouveau dossier : {{.Client.DisplayName}}{{end}}
{{- define "case_created.body"}}Bonjour {{.Broker.GivenName}},

Le dossier de {{.Client.DisplayName}} a bien été créé{{with .Client.LoanType}} (prêt {{.}}){{end}}.
{{- with .FolderLink}}

Dossier : {{.}}
{{- end}}
{{- if .Pieces}}

Pièces attendues :
{{- range .Pieces}}
  - {{.}}
{{- end}}
{{- end}}

Les documents envoyés en réponse à ce message seront classés automatiquement.
{{end}}

{{- define "ambiguous_client.subject"}}Documents à rattacher : {{.Subject}}{{end}}
{{- define "ambiguous_client.body"}}Bonjour {{.Broker.GivenName}},

Nous n'avons pas pu déterminer à quel dossier rattacher les documents de votre message « {{.Subject}} ».
{{- if .Candidates}}

Dossiers possibles :
{{- range .Candidates}}
  - {{.}}
{{- end}}
{{- end}}
{{- if .Files}}

Documents mis en attente :
{{- range .Files}}
  - {{.}}
{{- end}}
{{- end}}
{{- with .FolderLink}}

Ils sont disponibles ici : {{.}}
{{- end}}

Merci de renvoyer le message en précisant le nom et le prénom du client.
{{end}}

{{- define "unrecognized_document.subject"}}Documents non reconnus : {{.Client.DisplayName}}{{end}}
{{- define "unrecognized_document.body"}}Bonjour {{.Broker.GivenName}},

Les documents suivants, reçus pour {{.Client.DisplayName}}, n'ont pas pu être traités :
{{- range .Files}}
  - {{.}}
{{- end}}

Merci de les renvoyer au format PDF, JPEG ou PNG.
{{end}}

{{- define "operator_alert.subject"}}[brokerflow] {{.Kind}}{{end}}
{{- define "operator_alert.body"}}Alert: {{.Kind}}
Time: {{.At.Format "2006-01-02T15:04:05Z07:00"}}
{{range .Detail}}
{{.Key}}: {{.Value}}
{{- end}}
{{end}}
`

var templates = template.Must(template.New("notify").Parse(templateText))

// render returns the subject and body for a named template.
func render(name string, data any) (subject, body string, err error) {
	if templates.Lookup(name+".subject") == nil {
		return "", "", fmt.Errorf("unknown template %q", name)
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name+".subject", data); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", name, err)
	}
	subject = strings.TrimSpace(buf.String())

	buf.Reset()
	if err := templates.ExecuteTemplate(&buf, name+".body", data); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", name, err)
	}
	return subject, strings.TrimLeft(buf.String(), "\n"), nil
}

func newOperatorAlert(kind string, detail map[string]any, at time.Time) operatorAlert {
	lines := make([]detailLine, 0, len(detail))
	for k, v := range detail {
		lines = append(lines, detailLine{Key: k, Value: v})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Key < lines[j].Key })
	return operatorAlert{Kind: kind, Detail: lines, At: at}
}
