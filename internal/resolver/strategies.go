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

package resolver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/leonie/brokerflow/internal/mail"
	"github.com/leonie/brokerflow/internal/models"
	"github.com/leonie/brokerflow/internal/store"
)

// BrokerBySender matches the sender against active brokers, exactly and
// case-insensitively.
type BrokerBySender struct{}

func (BrokerBySender) Name() string { return "broker_by_sender" }

func (BrokerBySender) TryResolve(ctx context.Context, st store.Store, a *Attempt) (Outcome, error) {
	b, err := st.FindBrokerByEmail(ctx, models.NormalizeAddress(a.Message.From))
	if err != nil {
		return NoMatch, err
	}
	if b == nil || !b.Active {
		a.Reason = ReasonUnknownBroker
		return NoMatch, nil
	}
	a.Broker = b
	a.MatchedBy = "broker_by_sender"
	return Matched, nil
}

// ClientByAddress looks for a client of the broker registered under the
// sender, then the extracted client email, then any address found in the
// body. The broker's own address is never used.
type ClientByAddress struct{}

func (ClientByAddress) Name() string { return "client_by_address" }

func (ClientByAddress) TryResolve(ctx context.Context, st store.Store, a *Attempt) (Outcome, error) {
	clients, err := a.brokerClients(ctx, st)
	if err != nil {
		return NoMatch, err
	}
	if len(clients) == 0 {
		return NoMatch, nil
	}

	for _, addr := range candidateAddresses(a) {
		var hits []models.Client
		for _, c := range clients {
			if c.HasEmail(addr) {
				hits = append(hits, c)
			}
		}
		switch len(hits) {
		case 0:
			continue
		case 1:
			c := hits[0]
			a.Client = &c
			return Matched, nil
		default:
			a.Candidates = hits
			a.Reason = ReasonMultipleCandidates
			return Ambiguous, nil
		}
	}
	return NoMatch, nil
}

func candidateAddresses(a *Attempt) []string {
	brokerEmail := models.NormalizeAddress(a.Broker.Email)
	seen := map[string]bool{brokerEmail: true, "": true}
	var out []string
	add := func(addr string) {
		addr = models.NormalizeAddress(addr)
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	add(a.Message.From)
	add(a.Result.Fields.ClientEmail)
	for _, addr := range mail.ExtractAddresses(a.Message.Body, brokerEmail) {
		add(addr)
	}
	return out
}

// ClientByName ranks the broker's clients by folded surname and given
// name. One best candidate wins; a tie is ambiguous. A match learns the
// extracted client email and forwarded senders as secondary addresses.
type ClientByName struct{}

func (ClientByName) Name() string { return "client_by_name" }

func (ClientByName) TryResolve(ctx context.Context, st store.Store, a *Attempt) (Outcome, error) {
	f := a.Result.Fields
	if !f.HasName() {
		return NoMatch, nil
	}
	clients, err := a.brokerClients(ctx, st)
	if err != nil {
		return NoMatch, err
	}

	best := -1
	var top []models.Client
	for _, c := range clients {
		score, ok := nameScore(c, f.ClientSurname, f.ClientGivenName)
		if !ok {
			continue
		}
		switch {
		case score > best:
			best = score
			top = []models.Client{c}
		case score == best:
			top = append(top, c)
		}
	}

	switch len(top) {
	case 0:
		return NoMatch, nil
	case 1:
		c := top[0]
		a.Client = &c
		if err := learnAddresses(ctx, st, a); err != nil {
			return NoMatch, err
		}
		return Matched, nil
	default:
		a.Candidates = top
		a.Reason = ReasonMultipleCandidates
		return Ambiguous, nil
	}
}

// nameScore ranks a client against an extracted name. ok is false when
// the client cannot be the one named. Surname and given name swapped by
// the model still match.
func nameScore(c models.Client, surname, given string) (int, bool) {
	s, g := models.FoldName(surname), models.FoldName(given)
	cs, cg := models.FoldName(c.Surname), models.FoldName(c.GivenName)

	score := 0
	switch {
	case cs == s:
		if g != "" && cg != "" {
			if cg != g {
				return 0, false
			}
			score += 2
		}
	case g != "" && cs == g && cg == s:
		score += 2
	default:
		return 0, false
	}

	if c.Status != models.ClientArchived {
		score++
	}
	return score, true
}

func learnAddresses(ctx context.Context, st store.Store, a *Attempt) error {
	brokerEmail := models.NormalizeAddress(a.Broker.Email)
	learn := []string{a.Result.Fields.ClientEmail}
	learn = append(learn, mail.ForwardedSenders(a.Message.Body, brokerEmail)...)

	for _, addr := range learn {
		addr = models.NormalizeAddress(addr)
		if addr == "" || addr == brokerEmail || a.Client.HasEmail(addr) {
			continue
		}
		if err := st.AddClientEmail(ctx, a.Client.ID, addr); err != nil {
			return fmt.Errorf("learn client email: %w", err)
		}
		a.Client.Emails = append(a.Client.Emails, addr)
		slog.Info("learned secondary client email",
			"client_id", a.Client.ID,
			"broker_id", a.Broker.ID,
			"email", addr,
		)
	}
	return nil
}
