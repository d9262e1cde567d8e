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

package mail

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leonie/brokerflow/internal/failure"
	"github.com/leonie/brokerflow/internal/models"
)

// recorder captures the order of side effects across the fakes.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeSource struct {
	rec      *recorder
	mu       sync.Mutex
	batches  [][]models.Message
	fetchErr error
	polls    int
}

func (s *fakeSource) FetchNew(context.Context) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	if len(s.batches) == 0 {
		return nil, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func (s *fakeSource) MarkSeen(_ context.Context, id string) error {
	s.rec.add("seen:" + id)
	return nil
}

func (s *fakeSource) pollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

type fakeQueue struct {
	rec    *recorder
	failOn string
}

func (q *fakeQueue) Enqueue(_ context.Context, msg *models.Message) (string, error) {
	if msg.ID == q.failOn {
		return "", errors.New("redis down")
	}
	q.rec.add("enqueue:" + msg.ID)
	return "job-" + msg.ID, nil
}

type ledger struct{ rec *recorder }

func (l ledger) Seen(context.Context, string) (bool, error) { return false, nil }
func (l ledger) Mark(_ context.Context, id string) error {
	l.rec.add("mark:" + id)
	return nil
}

type fakeAlerter struct {
	mu    sync.Mutex
	kinds []string
}

func (a *fakeAlerter) Alert(kind string, _ map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kinds = append(a.kinds, kind)
}

// TestPoller_OrderEnqueueThenMark verifies marking strictly follows a
// successful enqueue.
func TestPoller_OrderEnqueueThenMark(t *testing.T) {
	rec := &recorder{}
	src := &fakeSource{rec: rec, batches: [][]models.Message{{{ID: "m1"}, {ID: "m2"}}}}
	p := NewPoller(PollerConfig{Source: src, Queue: &fakeQueue{rec: rec}, Seen: ledger{rec}})

	n, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if n != 2 {
		t.Errorf("enqueued = %d, want 2", n)
	}

	want := []string{"enqueue:m1", "mark:m1", "seen:m1", "enqueue:m2", "mark:m2", "seen:m2"}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

// TestPoller_EnqueueFailureLeavesUnmarked verifies a failed enqueue stops
// the cycle without marking.
func TestPoller_EnqueueFailureLeavesUnmarked(t *testing.T) {
	rec := &recorder{}
	src := &fakeSource{rec: rec, batches: [][]models.Message{{{ID: "m1"}, {ID: "m2"}}}}
	p := NewPoller(PollerConfig{Source: src, Queue: &fakeQueue{rec: rec, failOn: "m1"}, Seen: ledger{rec}})

	n, err := p.PollOnce(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !failure.IsTransient(err) {
		t.Errorf("enqueue failure should be transient, got %v", err)
	}
	if n != 0 {
		t.Errorf("enqueued = %d", n)
	}
	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("events = %v, want none", got)
	}
}

// TestPoller_AuthFailureStops verifies Run returns and alerts on MailAuth.
func TestPoller_AuthFailureStops(t *testing.T) {
	rec := &recorder{}
	src := &fakeSource{rec: rec, fetchErr: failure.New(failure.MailAuth, "mail.list", errors.New("401"))}
	alerts := &fakeAlerter{}
	p := NewPoller(PollerConfig{Source: src, Queue: &fakeQueue{rec: rec}, Alerter: alerts, Interval: time.Hour})

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	select {
	case err := <-done:
		if failure.KindOf(err) != failure.MailAuth {
			t.Errorf("Run err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on auth failure")
	}
	if len(alerts.kinds) != 1 || alerts.kinds[0] != "mail_auth" {
		t.Errorf("alerts = %v", alerts.kinds)
	}
}

// TestPoller_Trigger verifies a trigger runs a poll before the interval.
func TestPoller_Trigger(t *testing.T) {
	rec := &recorder{}
	src := &fakeSource{rec: rec}
	p := NewPoller(PollerConfig{Source: src, Queue: &fakeQueue{rec: rec}, Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for src.pollCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Trigger()
	for src.pollCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := src.pollCount(); got < 2 {
		t.Errorf("polls = %d, want at least 2", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

// TestNextBackoff verifies doubling and the cap.
func TestNextBackoff(t *testing.T) {
	min, max := time.Second, 5*time.Second
	got := []time.Duration{}
	cur := time.Duration(0)
	for i := 0; i < 5; i++ {
		cur = nextBackoff(cur, min, max)
		got = append(got, cur)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("step %d = %v, want %v", i, got[i], want[i])
		}
	}
}
