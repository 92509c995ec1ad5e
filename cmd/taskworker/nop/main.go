// Command cnagent-taskworker-nop is the reference worker for the "nop"
// queue: it validates, sleeps for an optional duration, and finishes,
// exercising the IPC contract without touching any real zone state.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nodeforge/cnagent/pkg/ipc"
)

type request struct {
	Params struct {
		SleepSeconds float64 `json:"sleep"`
	} `json:"params"`
}

func main() {
	enc := ipc.NewEncoder(os.Stdout)
	dec := ipc.NewDecoder(os.Stdin)

	if err := enc.Encode(ipc.Message{Type: ipc.MsgReady}); err != nil {
		os.Exit(1)
	}

	msg, err := dec.Decode()
	if err != nil || msg.Type != ipc.MsgStart {
		fail(enc, fmt.Errorf("expected start message, got %q (err=%v)", msg.Type, err))
		return
	}

	var start ipc.StartPayload
	if err := json.Unmarshal(msg.Payload, &start); err != nil {
		fail(enc, fmt.Errorf("decode start payload: %w", err))
		return
	}

	var req request
	_ = json.Unmarshal(start.Req, &req)

	_ = enc.EncodePayload(ipc.MsgEventStart, nil)

	if req.Params.SleepSeconds > 0 {
		time.Sleep(time.Duration(req.Params.SleepSeconds * float64(time.Second)))
	}

	_ = enc.EncodePayload(ipc.MsgEventProgress, ipc.ProgressPayload{Value: 100})
	_ = enc.EncodePayload(ipc.MsgEventFinish, map[string]bool{"ok": true})
}

func fail(enc *ipc.Encoder, err error) {
	_ = enc.EncodePayload(ipc.MsgException, ipc.ExceptionPayload{Message: err.Error()})
}
