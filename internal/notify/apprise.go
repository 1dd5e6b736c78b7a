// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

// Package notify mirrors warning-and-above log lines to an Apprise
// endpoint so problems reach the operator without watching the log.
package notify

import (
	"bytes"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/brikim/loomis/internal/config"
)

const (
	defaultTitle   = "Loomis"
	requestTimeout = 5 * time.Second
	queueDepth     = 64
)

// AppriseHook is a zerolog hook that forwards warn+ messages to an
// Apprise server. Delivery is asynchronous; a hook must never block or
// fail the log call, so a backed-up queue drops messages.
type AppriseHook struct {
	url    string
	key    string
	title  string
	client *http.Client
	queue  chan string
}

// NewAppriseHook starts the delivery worker and returns the hook. Attach
// it with logger.Hook(); call Close on shutdown to flush the queue.
func NewAppriseHook(cfg config.AppriseConfig) *AppriseHook {
	title := cfg.Title
	if title == "" {
		title = defaultTitle
	}
	h := &AppriseHook{
		url:    cfg.URL,
		key:    cfg.Key,
		title:  title,
		client: &http.Client{Timeout: requestTimeout},
		queue:  make(chan string, queueDepth),
	}
	go h.worker()
	return h
}

// Run implements zerolog.Hook.
func (h *AppriseHook) Run(_ *zerolog.Event, level zerolog.Level, message string) {
	if level < zerolog.WarnLevel || level >= zerolog.NoLevel {
		return
	}
	select {
	case h.queue <- level.String() + ": " + message:
	default:
	}
}

// Close stops the worker after the queued messages are delivered.
func (h *AppriseHook) Close() {
	close(h.queue)
}

func (h *AppriseHook) worker() {
	for body := range h.queue {
		h.post(body)
	}
}

// post sends one notification. A failed delivery is dropped; the logger
// cannot be used here without recursing into this hook.
func (h *AppriseHook) post(body string) {
	payload, err := json.Marshal(map[string]string{"title": h.title, "body": body})
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, h.url+"/notify/"+h.key, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}
