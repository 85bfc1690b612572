package desktopexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/outpost/internal/config"
)

// transport carries one JSON request to the execution agent and returns its
// raw JSON reply.
type transport interface {
	roundTrip(ctx context.Context, request any) ([]byte, error)
}

func newTransport(cfg config.ExecutorConfig) (transport, error) {
	switch {
	case cfg.Command != "":
		return &commandTransport{command: cfg.Command, args: cfg.Args}, nil
	case cfg.Endpoint != "":
		return &websocketTransport{endpoint: cfg.Endpoint}, nil
	default:
		return nil, fmt.Errorf("executor has neither command nor endpoint")
	}
}

// commandTransport spawns the agent per call and speaks JSON over stdio.
type commandTransport struct {
	command string
	args    []string
}

func (t *commandTransport) roundTrip(ctx context.Context, request any) ([]byte, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal executor request: %w", err)
	}
	cmd := exec.CommandContext(ctx, t.command, t.args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = 2 * time.Second
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("executor command: %w", err)
	}
	return out, nil
}

// websocketTransport dials the agent per call. One request, one reply, close.
type websocketTransport struct {
	endpoint string
}

func (t *websocketTransport) roundTrip(ctx context.Context, request any) ([]byte, error) {
	conn, _, err := websocket.Dial(ctx, t.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial executor: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	if err := wsjson.Write(ctx, conn, request); err != nil {
		return nil, fmt.Errorf("write executor request: %w", err)
	}
	var raw json.RawMessage
	if err := wsjson.Read(ctx, conn, &raw); err != nil {
		return nil, fmt.Errorf("read executor reply: %w", err)
	}
	return raw, nil
}
