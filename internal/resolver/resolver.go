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

// Package resolver maps a classified message to the broker and client it
// concerns. Strategies run in order; the first decisive outcome wins and an
// ambiguous outcome is never guessed away.
package resolver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/leonie/brokerflow/internal/models"
	"github.com/leonie/brokerflow/internal/store"
)

// Outcome is the result of one strategy.
type Outcome int

const (
	// NoMatch lets the next strategy try.
	NoMatch Outcome = iota
	// Matched means the strategy filled in the attempt.
	Matched
	// Ambiguous stops resolution; the attempt carries reason and candidates.
	Ambiguous
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case Ambiguous:
		return "ambiguous"
	default:
		return "no_match"
	}
}

// Ambiguity reasons.
const (
	ReasonUnknownBroker      = "unknown_broker"
	ReasonNoMatch            = "no_match"
	ReasonMultipleCandidates = "multiple_candidates"
	ReasonNoNameExtracted    = "no_name_extracted"
)

// Attempt is the mutable state strategies work on.
type Attempt struct {
	Message *models.Message
	Result  models.ClassificationResult

	Broker     *models.Broker
	Client     *models.Client
	Candidates []models.Client
	Reason     string
	MatchedBy  string

	clients []models.Client
	loaded  bool
}

// Strategy is one resolution step.
type Strategy interface {
	Name() string
	TryResolve(ctx context.Context, st store.Store, a *Attempt) (Outcome, error)
}

// Resolution is the resolver's answer.
type Resolution struct {
	Broker     *models.Broker
	Client     *models.Client
	Ambiguous  bool
	Reason     string
	Candidates []models.Client
	MatchedBy  string
}

// Resolver runs the broker strategy, then the client strategies for
// actions that operate on an existing client.
type Resolver struct {
	store  store.Store
	broker Strategy
	client []Strategy
}

// New creates a resolver with the default strategy order.
func New(st store.Store) *Resolver {
	return &Resolver{
		store:  st,
		broker: BrokerBySender{},
		client: []Strategy{ClientByAddress{}, ClientByName{}},
	}
}

// Resolve determines the broker and, when the action needs one, the client.
func (r *Resolver) Resolve(ctx context.Context, msg *models.Message, result models.ClassificationResult) (*Resolution, error) {
	a := &Attempt{Message: msg, Result: result}

	out, err := r.broker.TryResolve(ctx, r.store, a)
	if err != nil {
		return nil, fmt.Errorf("resolve broker: %w", err)
	}
	if out != Matched {
		slog.Info("sender is not a known broker", "message_id", msg.ID, "from", msg.From)
		return &Resolution{Ambiguous: true, Reason: ReasonUnknownBroker}, nil
	}

	if !result.Action.NeedsClient() {
		return &Resolution{Broker: a.Broker, MatchedBy: a.MatchedBy}, nil
	}

	for _, s := range r.client {
		out, err := s.TryResolve(ctx, r.store, a)
		if err != nil {
			return nil, fmt.Errorf("resolve client (%s): %w", s.Name(), err)
		}
		switch out {
		case Matched:
			slog.Info("client resolved",
				"message_id", msg.ID,
				"broker_id", a.Broker.ID,
				"client_id", a.Client.ID,
				"strategy", s.Name(),
			)
			return &Resolution{Broker: a.Broker, Client: a.Client, MatchedBy: s.Name()}, nil
		case Ambiguous:
			slog.Info("client ambiguous",
				"message_id", msg.ID,
				"broker_id", a.Broker.ID,
				"strategy", s.Name(),
				"reason", a.Reason,
				"candidates", len(a.Candidates),
			)
			return &Resolution{Broker: a.Broker, Ambiguous: true, Reason: a.Reason, Candidates: a.Candidates}, nil
		}
	}

	reason := ReasonNoMatch
	if !result.Fields.HasName() {
		reason = ReasonNoNameExtracted
	}
	slog.Info("no client matched", "message_id", msg.ID, "broker_id", a.Broker.ID, "reason", reason)
	return &Resolution{Broker: a.Broker, Ambiguous: true, Reason: reason}, nil
}

// brokerClients loads the broker's clients once per attempt.
func (a *Attempt) brokerClients(ctx context.Context, st store.Store) ([]models.Client, error) {
	if a.loaded {
		return a.clients, nil
	}
	clients, err := st.ListClientsByBroker(ctx, a.Broker.ID)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	a.clients, a.loaded = clients, true
	return clients, nil
}
