// Command runtime_smoke drives a running loopd through one delivery loop:
// enroll, start implementation, mint a run, post its terminal event twice
// and watch the transitions arrive on the loop stream.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

type streamFrame struct {
	Type   string `json:"type"`
	LoopID string `json:"loopId"`
	From   string `json:"from"`
	To     string `json:"to"`
	Signal string `json:"signal"`
}

type client struct {
	base string
	key  string
	http *http.Client
}

func main() {
	base := flag.String("url", "http://127.0.0.1:18790", "loopd base URL")
	key := flag.String("operator-key", "", "operator API key")
	timeout := flag.Duration("timeout", 15*time.Second, "overall timeout")
	flag.Parse()

	if strings.TrimSpace(*key) == "" {
		fmt.Fprintln(os.Stderr, "operator-key is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c := &client{base: strings.TrimRight(*base, "/"), key: strings.TrimSpace(*key), http: http.DefaultClient}

	if status, _, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil); err != nil || status != http.StatusOK {
		fatalf("healthz: status=%d err=%v", status, err)
	}
	fmt.Println("CHECK health ok")

	threadID := "smoke-" + uuid.NewString()
	status, body, err := c.do(ctx, http.MethodPost, "/api/loops", map[string]any{"threadId": threadID}, nil)
	if err != nil || status != http.StatusCreated {
		fatalf("create loop: status=%d err=%v body=%s", status, err, body)
	}
	loopID, err := extractField(body, "id")
	if err != nil {
		fatal("create loop", err)
	}
	fmt.Printf("CHECK loop enrolled loop_id=%s\n", loopID)

	conn, _, err := websocket.Dial(ctx, wsURL(c.base, loopID, c.key), nil)
	if err != nil {
		fatal("dial loop stream", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "runtime smoke done")

	status, body, err = c.do(ctx, http.MethodPost, "/api/loops/"+loopID+"/signals", map[string]any{
		"causeType": "operator",
		"causeId":   uuid.NewString(),
		"signal":    "implementation_started",
	}, nil)
	if err != nil || status != http.StatusCreated {
		fatalf("enqueue signal: status=%d err=%v body=%s", status, err, body)
	}
	if err := waitForTransition(ctx, conn, "implementing"); err != nil {
		fatal("implementation_started transition", err)
	}
	fmt.Println("CHECK transition enrolled->implementing")

	status, body, err = c.do(ctx, http.MethodPost, "/api/runs", map[string]any{
		"userId":       "smoke-user",
		"threadId":     threadID,
		"threadChatId": "smoke-chat",
		"agent":        "smoke",
	}, nil)
	if err != nil || status != http.StatusCreated {
		fatalf("create run: status=%d err=%v body=%s", status, err, body)
	}
	token, err := extractField(body, "token")
	if err != nil {
		fatal("create run", err)
	}
	var created struct {
		Run struct {
			RunID string `json:"runId"`
		} `json:"run"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.Run.RunID == "" {
		fatalf("create run: missing runId in %s", body)
	}
	fmt.Printf("CHECK run dispatched run_id=%s\n", created.Run.RunID)

	event := map[string]any{
		"threadId":       threadID,
		"threadChatId":   "smoke-chat",
		"messages":       []map[string]any{{"type": "result", "is_error": false}},
		"payloadVersion": 2,
		"eventId":        uuid.NewString(),
		"runId":          created.Run.RunID,
		"seq":            1,
	}
	daemon := map[string]string{
		"Authorization":             "Bearer " + token,
		"X-Daemon-Capabilities":     "daemon_event_envelope_v2",
		"X-Daemon-Protocol-Version": "2",
	}
	if status, body, err = c.do(ctx, http.MethodPost, "/daemon-event", event, daemon); err != nil || status != http.StatusOK {
		fatalf("daemon event: status=%d err=%v body=%s", status, err, body)
	}
	fmt.Println("CHECK daemon event claimed and committed")

	if status, body, err = c.do(ctx, http.MethodPost, "/daemon-event", event, daemon); err != nil || status != http.StatusAccepted {
		fatalf("daemon event retry: status=%d err=%v body=%s", status, err, body)
	}
	fmt.Println("CHECK daemon event retry deduplicated")

	if err := waitForTransition(ctx, conn, "gates_running"); err != nil {
		fatal("implementation_completed transition", err)
	}
	fmt.Println("CHECK transition implementing->gates_running")
	fmt.Println("VERDICT PASS")
}

// do sends an operator request unless header supplies its own
// Authorization.
func (c *client) do(ctx context.Context, method, path string, body any, header map[string]string) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	return resp.StatusCode, out, err
}

func wsURL(base, loopID, key string) string {
	u := strings.Replace(base, "http", "ws", 1)
	return u + "/api/loops/" + url.PathEscape(loopID) + "/stream?api_key=" + url.QueryEscape(key)
}

func waitForTransition(ctx context.Context, conn *websocket.Conn, to string) error {
	for {
		var frame streamFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return err
		}
		if frame.Type == "transition" && frame.To == to {
			return nil
		}
	}
}

func extractField(raw []byte, field string) (string, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", err
	}
	val, ok := payload[field]
	if !ok {
		return "", fmt.Errorf("missing field %q", field)
	}
	asString, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("field %q is not string", field)
	}
	return asString, nil
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
