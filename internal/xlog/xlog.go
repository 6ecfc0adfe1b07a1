// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package xlog provides the logging idiom used across this module: a
// first-class function value rather than a package-level logger, so every
// component can be constructed with its own namespaced sink.
package xlog

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Logf is a printf-shaped log sink. A nil Logf is never passed to a
// constructor; callers that have nothing to log to should pass Discard.
type Logf func(format string, args ...any)

// Discard drops everything written to it.
func Discard(string, ...any) {}

// Std returns a Logf backed by the standard library logger.
func Std(l *log.Logger) Logf {
	return func(format string, args ...any) {
		l.Output(2, fmt.Sprintf(format, args...))
	}
}

// WithPrefix returns a Logf that prepends prefix to every message.
func WithPrefix(logf Logf, prefix string) Logf {
	if prefix == "" {
		return logf
	}
	return func(format string, args ...any) {
		logf(prefix+format, args...)
	}
}

// RateLimited returns a Logf that forwards at most one message per interval;
// suppressed calls are counted and a summary is flushed on the next admitted
// call. No component in this module wraps its Logf with it; the watchdogs
// and poll paths log through plain WithPrefix loggers.
func RateLimited(logf Logf, interval time.Duration) Logf {
	var mu sync.Mutex
	var last time.Time
	var dropped int
	return func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		if !last.IsZero() && now.Sub(last) < interval {
			dropped++
			return
		}
		if dropped > 0 {
			logf("(suppressed %d similar messages) "+format, append([]any{dropped}, args...)...)
		} else {
			logf(format, args...)
		}
		dropped = 0
		last = now
	}
}
