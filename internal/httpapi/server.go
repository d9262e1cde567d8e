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

// Package httpapi serves the small HTTP surface the pipeline exposes:
// health, the Gmail push endpoint that wakes the poller, and operator
// routes over the dead-letter queue and the activity log.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/leonie/brokerflow/internal/models"
	"github.com/leonie/brokerflow/internal/queue"
)

// Pinger is a dependency whose liveness /health reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Trigger wakes the mail poller.
type Trigger interface {
	Trigger()
}

// DeadLetters is the operator view of the dead-letter queue.
type DeadLetters interface {
	List(ctx context.Context, n int64) ([]queue.DeadLetter, error)
	Requeue(ctx context.Context, id string) (string, error)
}

// ActivityLog lists audit entries.
type ActivityLog interface {
	ListActivity(ctx context.Context, brokerID string, limit int) ([]models.ActivityLogEntry, error)
}

// Config wires the server.
type Config struct {
	// Checks are pinged by /health, keyed by name.
	Checks      map[string]Pinger
	Poller      Trigger
	DeadLetters DeadLetters
	Activity    ActivityLog

	// PushToken must match the "token" query parameter on push requests.
	// Empty disables the push route.
	PushToken string
	// OpsToken is the bearer token for /ops routes. Empty disables them.
	OpsToken string
}

// New builds the echo instance with all routes registered.
func New(cfg Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	h := &handlers{cfg: cfg}
	e.GET("/health", h.health)

	if cfg.PushToken != "" && cfg.Poller != nil {
		e.POST("/push/gmail", h.gmailPush, tokenAuth("query:token", cfg.PushToken))
	}

	if cfg.OpsToken != "" {
		ops := e.Group("/ops", tokenAuth("header:"+echo.HeaderAuthorization, cfg.OpsToken))
		if cfg.DeadLetters != nil {
			ops.GET("/deadletters", h.listDeadLetters)
			ops.POST("/deadletters/:id/requeue", h.requeue)
		}
		if cfg.Activity != nil {
			ops.GET("/activity", h.listActivity)
		}
	}
	return e
}

type handlers struct {
	cfg Config
}

func (h *handlers) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	status := map[string]string{}
	healthy := true
	for name, p := range h.cfg.Checks {
		if err := p.Ping(ctx); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	if !healthy {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "degraded", "checks": status})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "checks": status})
}

// pushEnvelope is the body Pub/Sub push subscriptions POST.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gmailNotification is the decoded Pub/Sub data Gmail publishes.
type gmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// gmailPush acknowledges a Gmail push and wakes the poller. The payload
// only says that something changed, so a malformed body is acknowledged
// too; Pub/Sub would otherwise redeliver it forever.
func (h *handlers) gmailPush(c echo.Context) error {
	var env pushEnvelope
	if err := json.NewDecoder(c.Request().Body).Decode(&env); err != nil {
		slog.Warn("push body not valid JSON", "error", err)
		return c.NoContent(http.StatusNoContent)
	}

	var n gmailNotification
	if raw, err := base64.StdEncoding.DecodeString(env.Message.Data); err == nil {
		_ = json.Unmarshal(raw, &n)
	}
	slog.Info("gmail push received",
		"pubsub_message_id", env.Message.MessageID,
		"email", n.EmailAddress,
		"history_id", n.HistoryID,
	)

	h.cfg.Poller.Trigger()
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) listDeadLetters(c echo.Context) error {
	n, err := limitParam(c, 50)
	if err != nil {
		return err
	}
	dls, err := h.cfg.DeadLetters.List(c.Request().Context(), int64(n))
	if err != nil {
		slog.Error("failed to list dead letters", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list dead letters")
	}
	return c.JSON(http.StatusOK, map[string]any{"dead_letters": dls, "count": len(dls)})
}

func (h *handlers) requeue(c echo.Context) error {
	id := c.Param("id")
	newID, err := h.cfg.DeadLetters.Requeue(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrDeadLetterNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "dead letter not found")
		}
		slog.Error("failed to requeue dead letter", "dead_letter_id", id, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to requeue")
	}
	return c.JSON(http.StatusOK, map[string]string{"dead_letter_id": id, "entry_id": newID})
}

func (h *handlers) listActivity(c echo.Context) error {
	n, err := limitParam(c, 100)
	if err != nil {
		return err
	}
	entries, err := h.cfg.Activity.ListActivity(c.Request().Context(), c.QueryParam("broker_id"), n)
	if err != nil {
		slog.Error("failed to list activity", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list activity")
	}
	return c.JSON(http.StatusOK, map[string]any{"activity": entries, "count": len(entries)})
}

func limitParam(c echo.Context, def int) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 1000")
	}
	return n, nil
}

// tokenAuth accepts requests whose key, found per lookup ("header:" keys
// carry the Bearer scheme), equals token. Missing and wrong keys are both 401.
func tokenAuth(lookup, token string) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  lookup,
		AuthScheme: "Bearer",
		Validator: func(key string, _ echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1, nil
		},
		ErrorHandler: func(_ error, c echo.Context) error {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		},
	})
}
