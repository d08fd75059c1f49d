// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package jobs

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// Poll defaults.
const (
	DefaultPollInterval    = 2 * time.Second
	DefaultMaxPollAttempts = 30
)

// errPollExhausted is returned by poll when no attempt settled.
var errPollExhausted = errors.New("poll attempts exhausted")

// PollConfig bounds a status poll.
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

func (p PollConfig) withDefaults() PollConfig {
	if p.Interval <= 0 {
		p.Interval = DefaultPollInterval
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxPollAttempts
	}
	return p
}

// poll calls check at most MaxAttempts times, Interval apart, until it
// reports done. The first check runs immediately. check errors count as
// attempts and are otherwise ignored; the last one is returned on
// exhaustion joined with errPollExhausted.
func poll(ctx context.Context, cfg PollConfig, check func(ctx context.Context) (bool, error)) error {
	cfg = cfg.withDefaults()
	limiter := rate.NewLimiter(rate.Every(cfg.Interval), 1)

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		done, err := check(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if done {
			return nil
		}
	}
	if lastErr != nil {
		return errors.Join(errPollExhausted, lastErr)
	}
	return errPollExhausted
}
