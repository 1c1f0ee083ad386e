package channel

import (
	"context"

	"chatbridge/pkg/bridge"
)

// Link is the frontend side of the bridge: actions go in, event frames come out.
type Link interface {
	Receive(ctx context.Context, msg bridge.ActionMessage) error
	Next(ctx context.Context) ([]byte, bool)
}

// Adapter drives one external frontend (for example Telegram) over a Link.
// An adapter is the only consumer of the outbound frame queue while it runs.
type Adapter interface {
	Name() string
	Run(ctx context.Context, link Link) error
}
