package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/forumlive/internal/client"
	"github.com/dgnsrekt/forumlive/internal/ws"
)

func listenCmd() *cobra.Command {
	var (
		lastID int64
		useWS  bool
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print live events as JSON lines",
		Long: `Follow the live feed and print each delivery as one JSON line.

Without --last-id the feed starts at the newest event. When the position falls out
of the server's retention window the listener skips ahead to the newest event.

Examples:
  # Follow public events
  livectl listen

  # Replay from a known position over a WebSocket
  livectl listen --ws --last-id 120 --token $TOKEN`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := newClient()

			if !cmd.Flags().Changed("last-id") {
				id, err := c.LastID(ctx)
				if err != nil {
					return err
				}
				lastID = id
			}

			logger.Info("listening", zap.Int64("lastID", lastID), zap.Bool("websocket", useWS))
			if useWS {
				return listenWS(ctx, c, lastID, cmd.OutOrStdout())
			}
			return listenHTTP(ctx, c, lastID, cmd.OutOrStdout())
		},
	}

	cmd.Flags().Int64Var(&lastID, "last-id", 0, "start after this event id")
	cmd.Flags().BoolVar(&useWS, "ws", false, "stream over a WebSocket instead of long polling")

	return cmd
}

func listenHTTP(ctx context.Context, c *client.Client, lastID int64, out io.Writer) error {
	for {
		data, ok, err := c.Listen(ctx, lastID)
		switch {
		case errors.Is(err, client.ErrExpired):
			if lastID, err = resync(ctx, c, lastID); err != nil {
				return err
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case !ok:
			lastID = data.LastID
			continue
		}

		lastID = data.LastID
		if err := printJSON(out, data); err != nil {
			return err
		}
	}
}

func listenWS(ctx context.Context, c *client.Client, lastID int64, out io.Writer) error {
	dialer := websocket.Dialer{
		Subprotocols:     []string{ws.ProtocolJSON},
		HandshakeTimeout: 10 * time.Second,
	}

	for {
		url, err := c.WebSocketURL(lastID)
		if err != nil {
			return err
		}
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dialing live socket: %w", err)
		}

		expired, err := readFrames(ctx, conn, &lastID, out)
		conn.Close()
		if err != nil || !expired {
			return err
		}
		if lastID, err = resync(ctx, c, lastID); err != nil {
			return err
		}
	}
}

// readFrames prints live frames until the socket closes. It reports whether the server
// closed the socket because lastID expired.
func readFrames(ctx context.Context, conn *websocket.Conn, lastID *int64, out io.Writer) (bool, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var f ws.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return false, nil
			}
			return false, fmt.Errorf("reading frame: %w", err)
		}

		switch f.Type {
		case ws.FrameConnected:
			logger.Debug("connected", zap.String("connID", f.ConnectionID), zap.Int64("userID", f.UserID))
		case ws.FrameLive:
			*lastID = f.LastID
			if err := printJSON(out, f.Data); err != nil {
				return false, err
			}
		case ws.FrameExpired:
			return true, nil
		case ws.FrameError:
			return false, fmt.Errorf("server error: %s", f.Error)
		}
	}
}

// resync moves a listener whose position expired to the newest event.
func resync(ctx context.Context, c *client.Client, from int64) (int64, error) {
	id, err := c.LastID(ctx)
	if err != nil {
		return 0, fmt.Errorf("resynchronizing: %w", err)
	}
	logger.Warn("listen position expired, skipping to newest event",
		zap.Int64("from", from),
		zap.Int64("to", id),
	)
	return id, nil
}
