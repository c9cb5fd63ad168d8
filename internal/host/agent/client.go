package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	acp "github.com/coder/acp-go-sdk"
)

// switchableClient is the acp.Client handed to a connection at spawn time.
// Pooled links are spawned before any session adopts them, so the real
// handler is bound later via Link.BindClient. Until then session updates are
// dropped and permission requests come back cancelled.
type switchableClient struct {
	log *slog.Logger

	mu     sync.RWMutex
	target acp.Client
}

func (c *switchableClient) bind(target acp.Client) {
	c.mu.Lock()
	c.target = target
	c.mu.Unlock()
}

func (c *switchableClient) bound() acp.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.target
}

func (c *switchableClient) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	if t := c.bound(); t != nil {
		return t.SessionUpdate(ctx, n)
	}
	c.log.Debug("dropping session update from unbound agent", "session_id", n.SessionId)
	return nil
}

func (c *switchableClient) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	if t := c.bound(); t != nil {
		return t.RequestPermission(ctx, p)
	}
	return acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeCancelled()}, nil
}

func (c *switchableClient) ReadTextFile(ctx context.Context, req acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if t := c.bound(); t != nil {
		return t.ReadTextFile(ctx, req)
	}
	return acp.ReadTextFileResponse{}, fmt.Errorf("fs.readTextFile not supported")
}

func (c *switchableClient) WriteTextFile(ctx context.Context, req acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if t := c.bound(); t != nil {
		return t.WriteTextFile(ctx, req)
	}
	return acp.WriteTextFileResponse{}, fmt.Errorf("fs.writeTextFile not supported")
}

func (c *switchableClient) CreateTerminal(ctx context.Context, req acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	if t := c.bound(); t != nil {
		return t.CreateTerminal(ctx, req)
	}
	return acp.CreateTerminalResponse{}, fmt.Errorf("terminal not supported")
}

func (c *switchableClient) KillTerminalCommand(ctx context.Context, req acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	if t := c.bound(); t != nil {
		return t.KillTerminalCommand(ctx, req)
	}
	return acp.KillTerminalCommandResponse{}, fmt.Errorf("terminal not supported")
}

func (c *switchableClient) TerminalOutput(ctx context.Context, req acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	if t := c.bound(); t != nil {
		return t.TerminalOutput(ctx, req)
	}
	return acp.TerminalOutputResponse{}, fmt.Errorf("terminal not supported")
}

func (c *switchableClient) ReleaseTerminal(ctx context.Context, req acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	if t := c.bound(); t != nil {
		return t.ReleaseTerminal(ctx, req)
	}
	return acp.ReleaseTerminalResponse{}, fmt.Errorf("terminal not supported")
}

func (c *switchableClient) WaitForTerminalExit(ctx context.Context, req acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	if t := c.bound(); t != nil {
		return t.WaitForTerminalExit(ctx, req)
	}
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("terminal not supported")
}
