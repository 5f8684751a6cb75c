package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"peercall/internal/core/domain"
	"peercall/pkg/validation"

	"go.uber.org/zap"
)

// ErrQuit is returned by Execute for the quit command
var ErrQuit = errors.New("quit requested")

// Commands is the part of the session a user drives from the terminal
type Commands interface {
	Initiate(ctx context.Context) error
	ToggleScreenShare(ctx context.Context) error
	StartCamera(ctx context.Context, constraints domain.Constraints) error
	StopCamera(ctx context.Context) error
	SendChat(ctx context.Context, text string) error
	RefreshDevices(ctx context.Context) ([]domain.Device, error)
}

// Options holds the settings commands run with
type Options struct {
	// Camera is what /camera asks the capture layer for
	Camera domain.Constraints
}

const helpText = `commands:
  /call         send a new offer to the peer
  /screen       toggle screen sharing
  /camera       start camera and microphone
  /stopcamera   stop camera and microphone
  /devices      list capture devices
  /quit         leave the call
anything else is sent as a chat message
`

// Execute runs one input line against cmds
func Execute(ctx context.Context, line string, cmds Commands, opts Options, out io.Writer) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		if err := validation.ValidateChatText(line); err != nil {
			return err
		}
		return cmds.SendChat(ctx, line)
	}

	switch strings.ToLower(strings.Fields(line)[0]) {
	case "/call":
		return cmds.Initiate(ctx)
	case "/screen":
		return cmds.ToggleScreenShare(ctx)
	case "/camera":
		return cmds.StartCamera(ctx, opts.Camera)
	case "/stopcamera":
		return cmds.StopCamera(ctx)
	case "/devices":
		devices, err := cmds.RefreshDevices(ctx)
		if err != nil {
			return err
		}
		for _, d := range devices {
			fmt.Fprintf(out, "  %-11s %s\n", d.Kind, d.Label)
		}
		return nil
	case "/help":
		fmt.Fprint(out, helpText)
		return nil
	case "/quit", "/exit":
		return ErrQuit
	}
	return fmt.Errorf("unknown command %q, try /help", line)
}

// Loop reads lines from in until EOF, ctx is done, or the quit command.
// Command failures are logged and shown, never fatal.
func Loop(ctx context.Context, in io.Reader, out io.Writer, cmds Commands, opts Options, logger *zap.SugaredLogger) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			err := Execute(ctx, line, cmds, opts, out)
			switch {
			case err == nil:
			case errors.Is(err, ErrQuit):
				return nil
			case errors.Is(err, domain.ErrChannelNotOpen):
				fmt.Fprintln(out, "! not connected yet")
			case errors.Is(err, domain.ErrScreenShareBusy):
				fmt.Fprintln(out, "! the peer is already sharing")
			case errors.Is(err, domain.ErrCameraActive):
				fmt.Fprintln(out, "! camera already running")
			case errors.Is(err, domain.ErrNotOfferer):
				fmt.Fprintln(out, "! the other side places the call")
			case errors.Is(err, domain.ErrNegotiationInProgress):
				fmt.Fprintln(out, "! an offer is already outstanding")
			default:
				logger.Debugw("Command failed", "line", line, "error", err)
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}
