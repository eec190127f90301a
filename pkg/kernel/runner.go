// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"context"
	"time"

	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/llm"
	"github.com/loomworks/loom/pkg/loop"
	"github.com/loomworks/loom/pkg/memory"
	"github.com/loomworks/loom/pkg/turn"
)

const persistTimeout = 10 * time.Second

// turnRunner adapts the kernel to the loop's runner contract. Each
// turn gets a manager built from the parameters current at submit
// time, so runtime updates apply to the next turn, never a running
// one.
type turnRunner struct {
	k *Kernel
}

func (k *Kernel) runner() loop.TurnRunner {
	return &turnRunner{k: k}
}

func (r *turnRunner) Run(ctx context.Context, prompt core.Prompt) <-chan core.TurnEvent {
	out := make(chan core.TurnEvent, 16)
	go func() {
		defer close(out)
		k := r.k
		conversation, _ := core.ConversationID(ctx)

		var history []llm.Message
		if conversation != "" {
			stored, err := k.store.History(ctx, conversation)
			if err != nil {
				k.log.Warn("history load failed, starting fresh",
					"conversation", conversation, "error", err)
			} else {
				history = memory.ToChatMessages(stored)
			}
		}

		cfg := k.rc.Get()
		mgr := turn.New(k.provider, k.registry,
			turn.WithLimiter(k.limiter),
			turn.WithFilter(k.filter),
			turn.WithMaxToolIterations(cfg.Kernel.MaxToolIterations),
			turn.WithModel(cfg.Backend.Model),
			turn.WithTemperature(cfg.Backend.Temperature),
			turn.WithHistory(history),
			turn.WithLogger(k.log),
			turn.WithObserver(k.metrics),
		)

		var outcome *core.TurnOutcome
		for ev := range mgr.Run(ctx, prompt) {
			if ev.Type == core.TurnEventFinished {
				outcome = ev.Outcome
			}
			out <- ev
		}

		if outcome != nil && conversation != "" {
			r.persist(ctx, conversation, prompt.Text, outcome.Response)
		}
	}()
	return out
}

// persist records the finished exchange and compacts the conversation
// if it has outgrown the character budget. Runs detached from the
// turn's context so shutdown cancellation cannot lose the exchange.
func (r *turnRunner) persist(ctx context.Context, conversation, userText, response string) {
	k := r.k
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := k.store.Append(ctx, memory.NewMessage(conversation, string(llm.RoleUser), userText)); err != nil {
		k.log.Warn("user message persist failed", "conversation", conversation, "error", err)
		return
	}
	if err := k.store.Append(ctx, memory.NewMessage(conversation, string(llm.RoleAssistant), response)); err != nil {
		k.log.Warn("assistant message persist failed", "conversation", conversation, "error", err)
		return
	}

	ran, err := k.compactor.Compact(ctx, conversation)
	if err != nil {
		k.log.Warn("compaction failed", "conversation", conversation, "error", err)
		return
	}
	if ran {
		k.log.Info("conversation compacted", "conversation", conversation)
	}
}
