package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/xiaot623/codementor/internal/domain"
	"github.com/xiaot623/codementor/internal/protocol"
)

var watchCmd = &cobra.Command{
	Use:   "watch SESSION_ID",
	Short: "Follow a session's analysis live",
	Long:  "Subscribes to the session and prints feedback and status events until the analysis completes or fails. Events sent before subscribing are not replayed.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchSession(cmd.Context(), serverURL, apiToken, args[0], cmd.OutOrStdout())
	},
}

// watchSession prints live events for sessionID until a terminal status arrives.
func watchSession(ctx context.Context, baseURL, token, sessionID string, out io.Writer) error {
	addr, err := liveURL(baseURL, token)
	if err != nil {
		return err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	sub := protocol.SubscribeMessage{BaseMessage: protocol.BaseMessage{
		Type:      protocol.TypeSubscribeSession,
		SessionID: sessionID,
	}}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}

		done, err := printEvent(out, data)
		if err != nil || done {
			return err
		}
	}
}

// printEvent renders one server message. It reports whether the analysis reached a terminal status.
func printEvent(out io.Writer, data []byte) (bool, error) {
	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return false, fmt.Errorf("unmarshal: %w", err)
	}

	switch base.Type {
	case protocol.TypeSubscribed:
		fmt.Fprintf(out, "watching %s\n", base.SessionID)
	case protocol.TypeFeedbackUpdate:
		var msg protocol.FeedbackUpdateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, err
		}
		fb := msg.Feedback
		line := ""
		if fb.LineNumber != nil {
			line = fmt.Sprintf(" line %d", *fb.LineNumber)
		}
		fmt.Fprintf(out, "[%s/%s]%s %s\n", fb.Severity, fb.Category, line, fb.Message)
		if fb.Suggestion != "" {
			fmt.Fprintf(out, "    -> %s\n", fb.Suggestion)
		}
	case protocol.TypeAnalysisStatus:
		var msg protocol.AnalysisStatusMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "%s: %s\n", msg.Status, msg.Message)
		switch msg.Status {
		case domain.SessionStatusCompleted:
			return true, nil
		case domain.SessionStatusFailed:
			return true, fmt.Errorf("analysis failed: %s", msg.Message)
		}
	case protocol.TypeError:
		var msg protocol.ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, err
		}
		return true, fmt.Errorf("%s: %s", msg.Code, msg.Message)
	}
	return false, nil
}
