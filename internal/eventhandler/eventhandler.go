// Package eventhandler demultiplexes control-channel descriptor events onto
// the owning Instance, locating it by exact onion-address match across all
// configured services.
package eventhandler

import (
	"time"

	"github.com/opd-ai/onionbalance-manager/internal/descriptor"
	"github.com/opd-ai/onionbalance-manager/internal/instance"
	"github.com/opd-ai/onionbalance-manager/internal/obslog"
	"github.com/opd-ai/onionbalance-manager/internal/torcontrol"
)

// InstanceLookup resolves an onion address to its owning Instance.
type InstanceLookup interface {
	FindInstance(onionAddr string) *instance.Instance
}

// Handler applies control-channel descriptor events to the instance model.
type Handler struct {
	lookup InstanceLookup
	log    *obslog.Logger
}

// New creates a Handler backed by lookup.
func New(lookup InstanceLookup, log *obslog.Logger) *Handler {
	return &Handler{lookup: lookup, log: log}
}

// Handle dispatches a single decoded event to the appropriate entry point.
func (h *Handler) Handle(ev torcontrol.DescriptorEvent, now time.Time) {
	switch ev.Kind {
	case torcontrol.EventDescriptorStateChange:
		h.onDescriptorEvent(ev.OnionAddr, ev.Action)
	case torcontrol.EventDescriptorContent:
		h.onDescriptorContent(ev.OnionAddr, ev.Body, now)
	}
}

// onDescriptorEvent logs a state-change notice. A FAILED action also clears
// the instance's received-at via MarkFetchFailed; otherwise a subsequent
// onDescriptorContent call is the authoritative update.
func (h *Handler) onDescriptorEvent(onionAddr, action string) {
	if action == "FAILED" {
		if inst := h.lookup.FindInstance(onionAddr); inst != nil {
			inst.MarkFetchFailed()
		}
	}
	h.log.Info("descriptor state change", "onion_address", onionAddr, "action", action)
}

// onDescriptorContent locates the owning instance and applies the parsed
// descriptor. All errors are logged and never propagated, matching
// spec.md §4.7 — a single malformed or unexpected descriptor from one
// instance must never interrupt the main loop.
func (h *Handler) onDescriptorContent(onionAddr, body string, now time.Time) {
	inst := h.lookup.FindInstance(onionAddr)
	if inst == nil {
		h.log.Debug("descriptor content for unknown instance, dropping", "onion_address", onionAddr)
		return
	}

	parsed, err := descriptor.Parse([]byte(body))
	if err != nil {
		h.log.Error("malformed descriptor, instance left untouched", "onion_address", onionAddr, "err", err)
		return
	}

	ips, err := parsed.IntroductionPoints(inst.AuthCookie[:], inst.HasAuthCookie)
	if err != nil {
		h.log.Error("descriptor decryption failed, instance left untouched", "onion_address", onionAddr, "err", err)
		return
	}

	if !inst.UpdateDescriptor(parsed.PublishedAt, ips, now) {
		h.log.Debug("rejected stale/replayed descriptor", "onion_address", onionAddr, "published_at", parsed.PublishedAt)
	}
}
