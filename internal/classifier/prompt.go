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

package classifier

import (
	"fmt"
	"strings"

	"github.com/leonie/brokerflow/internal/models"
)

// systemPrompt is the fixed instruction template. The labels and keys it
// asks for are the canonical ones; decode also accepts the legacy French
// labels and keys.
const systemPrompt = `Tu es l'assistante des courtiers en prêts immobiliers et professionnels.
Tu analyses les emails reçus par un courtier et tu détermines l'action à effectuer.

Classe chaque email dans UNE seule catégorie :

1. NEW_CASE : le courtier ouvre un nouveau dossier pour un client ("nouveau client", "nouveau dossier", "prêt pour M./Mme X"),
   ou envoie la liste des documents à fournir ("Documents à fournir.pdf", "Checklist.pdf").
   Extrais : nom, prénom, email du client, type de prêt, pièces mentionnées.

2. SEND_DOCUMENTS : le client (ou le courtier) envoie des documents réels pour un dossier existant
   (CNI, bulletins de salaire, avis d'imposition, photos, scans ; "ci-joint", "voici les documents").
   Extrais : nombre de pièces, nom et prénom du client si mentionnés.

3. UPDATE_CHECKLIST : le courtier demande d'ajouter ou de retirer des pièces attendues, ou change le statut du dossier
   ("il faut aussi", "ajouter", "pas besoin de", "dossier complet").
   Extrais : nom du client, pièces à ajouter, pièces à retirer, statut demandé.

4. OTHER : question, remerciement, information de suivi, ou tout autre message.

Distingue bien une LISTE de documents à fournir (NEW_CASE) de documents RÉELS (SEND_DOCUMENTS) en regardant le nom des pièces jointes.

Pour un email transféré ("Fwd:", "TR:", "---------- Forwarded message"), utilise l'historique pour extraire le client
et le type de prêt, mais classe selon le NOUVEAU contenu.

Réponds UNIQUEMENT avec un objet JSON de ce format :
{
  "action": "NEW_CASE" | "SEND_DOCUMENTS" | "UPDATE_CHECKLIST" | "OTHER",
  "confidence": 0.0 à 1.0,
  "summary": "résumé en une phrase (200 caractères max)",
  "fields": {
    "client_surname": "Dupont",
    "client_given_name": "Jean",
    "client_email": "jean.dupont@email.com",
    "loan_type": "immobilier" | "professionnel",
    "attachment_count": 3,
    "pieces_to_add": ["compromis de vente"],
    "pieces_to_remove": [],
    "status": "open" | "complete" | "archived"
  }
}
Si une information manque, mets null. La confiance reflète ta certitude.`

// Describe renders a message as the body passed to Classify: the text
// followed by the attachment list, which the model uses to tell a
// checklist from real documents.
func Describe(msg *models.Message) string {
	var b strings.Builder
	body := strings.TrimSpace(msg.Body)
	if body == "" {
		body = "(vide)"
	}
	b.WriteString(body)

	if len(msg.Attachments) > 0 {
		fmt.Fprintf(&b, "\n\nPIÈCES JOINTES (%d) :\n", len(msg.Attachments))
		for _, a := range msg.Attachments {
			fmt.Fprintf(&b, "- %s (%s, %d octets)\n", a.Filename, a.MimeType, a.Size)
		}
	}
	if msg.IsForward() {
		b.WriteString("\nEMAIL TRANSFÉRÉ : classe selon le nouveau contenu.\n")
	}
	return b.String()
}

// maxBodyRunes bounds the prompt size.
const maxBodyRunes = 12000

func userPrompt(subject, body string) string {
	if r := []rune(body); len(r) > maxBodyRunes {
		body = string(r[:maxBodyRunes]) + "\n[...]"
	}
	return fmt.Sprintf("Analyse cet email et détermine l'action à effectuer.\n\nSujet : %s\n\nCorps du message :\n%s\n\nRéponds avec le JSON de classification.", subject, body)
}
