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

package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonie/brokerflow/internal/models"
	"github.com/leonie/brokerflow/internal/queue"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type countingTrigger struct {
	mu sync.Mutex
	n  int
}

func (t *countingTrigger) Trigger() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n++
}

type fakeDLQ struct {
	items    []queue.DeadLetter
	requeued []string
}

func (f *fakeDLQ) List(_ context.Context, n int64) ([]queue.DeadLetter, error) {
	if int64(len(f.items)) > n {
		return f.items[:n], nil
	}
	return f.items, nil
}

func (f *fakeDLQ) Requeue(_ context.Context, id string) (string, error) {
	for _, dl := range f.items {
		if dl.ID == id {
			f.requeued = append(f.requeued, id)
			return "9-0", nil
		}
	}
	return "", fmt.Errorf("%w: %s", queue.ErrDeadLetterNotFound, id)
}

type fakeActivity struct {
	gotBroker string
	gotLimit  int
}

func (f *fakeActivity) ListActivity(_ context.Context, brokerID string, limit int) ([]models.ActivityLogEntry, error) {
	f.gotBroker, f.gotLimit = brokerID, limit
	return []models.ActivityLogEntry{{ID: "a1", Kind: models.ActivityCaseCreated, BrokerID: brokerID}}, nil
}

func do(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var bearer = map[string]string{"Authorization": "Bearer s3cret"}

// TestHealth verifies dependency checks drive the status code.
func TestHealth(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	rec := do(t, New(Config{Checks: map[string]Pinger{"redis": ok, "database": ok}}), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, New(Config{Checks: map[string]Pinger{"redis": ok, "database": down}}), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "connection refused", body.Checks["database"])
}

// TestGmailPush verifies the token check and the poller trigger.
func TestGmailPush(t *testing.T) {
	trig := &countingTrigger{}
	e := New(Config{Poller: trig, PushToken: "push-tok"})

	data := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"inbox@courtage.fr","historyId":1234}`))
	body := `{"message":{"data":"` + data + `","messageId":"p1"},"subscription":"projects/x/subscriptions/y"}`

	rec := do(t, e, http.MethodPost, "/push/gmail?token=wrong", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, e, http.MethodPost, "/push/gmail", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing token")
	assert.Equal(t, 0, trig.n)

	rec = do(t, e, http.MethodPost, "/push/gmail?token=push-tok", body, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, trig.n)

	rec = do(t, e, http.MethodPost, "/push/gmail?token=push-tok", "not json", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, "malformed pushes are acknowledged")
}

// TestGmailPush_DisabledWithoutToken verifies the route is not exposed.
func TestGmailPush_DisabledWithoutToken(t *testing.T) {
	rec := do(t, New(Config{Poller: &countingTrigger{}}), http.MethodPost, "/push/gmail", "{}", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestOps_RequiresBearer verifies the ops routes are protected.
func TestOps_RequiresBearer(t *testing.T) {
	e := New(Config{OpsToken: "s3cret", DeadLetters: &fakeDLQ{}})

	assert.Equal(t, http.StatusUnauthorized, do(t, e, http.MethodGet, "/ops/deadletters", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, e, http.MethodGet, "/ops/deadletters", "", map[string]string{"Authorization": "Bearer nope"}).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, e, http.MethodGet, "/ops/deadletters", "", map[string]string{"Authorization": "Basic s3cret"}).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, e, http.MethodGet, "/ops/deadletters?token=s3cret", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, e, http.MethodGet, "/ops/deadletters", "", bearer).Code)
}

// TestOps_DeadLetters verifies listing and requeueing.
func TestOps_DeadLetters(t *testing.T) {
	dlq := &fakeDLQ{items: []queue.DeadLetter{
		{ID: "2-0", MessageID: "m2", Reason: "max deliveries"},
		{ID: "1-0", MessageID: "m1", Reason: "decode"},
	}}
	e := New(Config{OpsToken: "s3cret", DeadLetters: dlq})

	rec := do(t, e, http.MethodGet, "/ops/deadletters?limit=1", "", bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		DeadLetters []queue.DeadLetter `json:"dead_letters"`
		Count       int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, "m2", list.DeadLetters[0].MessageID)

	assert.Equal(t, http.StatusBadRequest, do(t, e, http.MethodGet, "/ops/deadletters?limit=abc", "", bearer).Code)

	rec = do(t, e, http.MethodPost, "/ops/deadletters/1-0/requeue", "", bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"entry_id":"9-0"`)
	assert.Equal(t, []string{"1-0"}, dlq.requeued)

	rec = do(t, e, http.MethodPost, "/ops/deadletters/7-0/requeue", "", bearer)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestOps_Activity verifies query parameters reach the store.
func TestOps_Activity(t *testing.T) {
	act := &fakeActivity{}
	e := New(Config{OpsToken: "s3cret", Activity: act})

	rec := do(t, e, http.MethodGet, "/ops/activity?broker_id=b1&limit=5", "", bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "b1", act.gotBroker)
	assert.Equal(t, 5, act.gotLimit)
	assert.Contains(t, rec.Body.String(), `"kind":"case_created"`)
}
