// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package stubupdates is a reference, in-memory clonetransport.Updates
// implementation. It is adapted from the teacher's network.Network
// pending-request bookkeeping (see network/network.go): instead of a
// map[uint32]chan []byte keyed by request ID, it keeps a per-account-key
// subscription record and a fastcache-backed table of last-delivered
// slots, since a real Geyser-style feed updates that table far more often
// than it opens new subscriptions.
package stubupdates

import (
	"context"
	"encoding/binary"
	"net/http"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/ephemeral-cloner/accountkey"
	"github.com/luxfi/ephemeral-cloner/clonestate"
)

type subscription struct {
	firstSlot clonestate.Slot
	confirmed bool
}

// Transport is the reference Updates implementation.
type Transport struct {
	log log.Logger

	mu   sync.Mutex
	subs map[accountkey.Key]*subscription

	lastKnown *fastcache.Cache

	broadcastMu sync.Mutex
	clients     map[*websocket.Conn]struct{}
	upgrader    websocket.Upgrader
}

// New creates a Transport. lastKnownCacheBytes sizes the fastcache table
// backing LastKnownUpdateSlot; 0 selects a small default suitable for
// tests.
func New(logger log.Logger, lastKnownCacheBytes int) *Transport {
	if lastKnownCacheBytes <= 0 {
		lastKnownCacheBytes = 1 << 20 // 1 MiB, plenty for a demo/test node
	}
	if logger == nil {
		logger = log.Root()
	}
	return &Transport{
		log:       logger,
		subs:      make(map[accountkey.Key]*subscription),
		lastKnown: fastcache.New(lastKnownCacheBytes),
		clients:   make(map[*websocket.Conn]struct{}),
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

// EnsureMonitoring starts a subscription for key if none exists. The new
// subscription is unconfirmed: as with a real Geyser client that confirms
// once the upstream ack arrives, FirstSubscribedSlot returns ok=false until
// ConfirmSubscription simulates that ack.
func (t *Transport) EnsureMonitoring(_ context.Context, key accountkey.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[key]; ok {
		return nil
	}
	t.subs[key] = &subscription{}
	return nil
}

// StopMonitoring tears down any subscription for key.
func (t *Transport) StopMonitoring(_ context.Context, key accountkey.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, key)
	t.lastKnown.Del(key.Bytes())
	return nil
}

// FirstSubscribedSlot returns the confirmed subscription fence for key.
func (t *Transport) FirstSubscribedSlot(key accountkey.Key) (clonestate.Slot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.subs[key]
	if !ok || !sub.confirmed {
		return 0, false
	}
	return sub.firstSlot, true
}

// LastKnownUpdateSlot returns the highest delivered slot for key.
func (t *Transport) LastKnownUpdateSlot(key accountkey.Key) (clonestate.Slot, bool) {
	raw, ok := t.lastKnown.HasGet(nil, key.Bytes())
	if !ok || len(raw) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(raw), true
}

// ConfirmSubscription simulates the upstream ack arriving at slot, letting
// FirstSubscribedSlot start returning a value. Test and demo code drives
// this directly; a production client would drive it from the wire.
func (t *Transport) ConfirmSubscription(key accountkey.Key, slot clonestate.Slot) {
	t.mu.Lock()
	sub, ok := t.subs[key]
	if !ok {
		sub = &subscription{}
		t.subs[key] = sub
	}
	sub.firstSlot = slot
	sub.confirmed = true
	t.mu.Unlock()
}

// DeliverUpdate records slot as the latest known update for key and fans
// it out to any attached websocket dev clients.
func (t *Transport) DeliverUpdate(key accountkey.Key, slot clonestate.Slot) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], slot)
	t.lastKnown.Set(key.Bytes(), buf[:])
	t.broadcast(key, slot)
}

func (t *Transport) broadcast(key accountkey.Key, slot clonestate.Slot) {
	t.broadcastMu.Lock()
	defer t.broadcastMu.Unlock()
	if len(t.clients) == 0 {
		return
	}
	msg := []byte(key.String() + " " + uitoa(slot))
	for conn := range t.clients {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			t.log.Debug("dropping dev fan-out client after write error", "err", err)
			conn.Close()
			delete(t.clients, conn)
		}
	}
}

// ServeDevFanOut upgrades an HTTP connection to a websocket that receives
// every DeliverUpdate as a text frame "<key> <slot>". This is the minimal
// reference stand-in for the Geyser-style pub/sub fan-out layer spec.md
// declares out of scope for the cloning engine itself; it exists only so
// cmd/ephemeral-cloner's demo mode has something concrete to expose.
func (t *Transport) ServeDevFanOut(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Error("dev fan-out upgrade failed", "err", err)
		return
	}
	t.broadcastMu.Lock()
	t.clients[conn] = struct{}{}
	t.broadcastMu.Unlock()
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
