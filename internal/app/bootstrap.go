package app

import (
	"context"
	"errors"
	"fmt"

	"slotbot/internal/config"
	"slotbot/internal/storage"
	kit "slotbot/internal/transport"
	"slotbot/internal/transport/memory"
	"slotbot/internal/transport/telegram"
	logx "slotbot/pkg/logx"
)

// dryRunIdentity is the author id the in-process transport posts as.
const dryRunIdentity int64 = 1

// buildTransport returns the outbound transport, the inbound side (nil in dry run)
// and where admin replies go.
func buildTransport(rt *config.Runtime, store storage.Store, log logx.Logger) (kit.Transport, kit.Inbound, replier, error) {
	if rt.DryRun {
		tlog := log.With(logx.String("comp", "transport.dry_run"))
		tr := memory.New(dryRunIdentity,
			memory.WithChannels(rt.Channels()...),
			memory.WithLogger(tlog),
		)
		tlog.Warn("dry run: nothing is posted, every transport call is only logged")
		return tr, nil, logReplier{log: tlog}, nil
	}
	if store == nil {
		return nil, nil, nil, &config.ConfigurationError{Path: "storage.driver", Msg: "required by the telegram transport"}
	}
	ad, err := telegram.New(telegram.Config{
		Token:       rt.Token,
		PollTimeout: rt.PollTimeout,
		CallTimeout: rt.CallTimeout,
		RatePerSec:  rt.RatePerSec,
		Watch:       rt.Channels(),
	}, store, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("telegram: %w", err)
	}
	return ad, ad, ad, nil
}

type replier interface {
	Reply(ctx context.Context, chatID int64, text string) error
}

// logReplier answers admin commands into the log when there is no chat to answer in.
type logReplier struct {
	log logx.Logger
}

func (r logReplier) Reply(_ context.Context, chatID int64, text string) error {
	if text == "" {
		return errors.New("empty reply")
	}
	r.log.Info("reply", logx.Int64("chat_id", chatID), logx.String("text", text))
	return nil
}
