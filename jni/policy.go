package jni

import (
	"context"
	"log/slog"
)

// WrapperID identifies a host wrapper whose handle the VM tracks.
type WrapperID uint64

// DisposalPolicy decides whether the handle of an unreachable host wrapper
// may be released now. TryCollect runs in a cleanup context and must not
// call into the foreign runtime. It answers true for an invalid handle.
type DisposalPolicy interface {
	TryCollect(id WrapperID, h *Handle) bool
}

// ImmediatePolicy releases every unreachable wrapper's handle on the next
// attached operation.
type ImmediatePolicy struct{}

func (ImmediatePolicy) TryCollect(WrapperID, *Handle) bool {
	return true
}

// ConservativePolicy keeps handles of unreachable wrappers alive until the
// host calls VM.Safepoint. Invalid handles have nothing to keep alive.
type ConservativePolicy struct{}

func (ConservativePolicy) TryCollect(_ WrapperID, h *Handle) bool {
	return !h.Valid()
}

// LoggingPolicy records every disposal decision of the wrapped policy.
type LoggingPolicy struct {
	Policy DisposalPolicy
	Logger *slog.Logger
}

func (p LoggingPolicy) TryCollect(id WrapperID, h *Handle) bool {
	inner := p.Policy
	if inner == nil {
		inner = ImmediatePolicy{}
	}
	collect := !h.Valid() || inner.TryCollect(id, h)
	if p.Logger != nil {
		p.Logger.LogAttrs(context.Background(), slog.LevelDebug, "disposal decision",
			slog.Uint64("wrapper", uint64(id)),
			slog.String("handle", h.String()),
			slog.Bool("collect", collect),
		)
	}
	return collect
}
