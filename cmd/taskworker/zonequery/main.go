// Command cnagent-taskworker-zonequery is the reference worker for the
// "machine_load" task in the machine_query queue: a read-only zone
// enumeration, run unbounded and without per-invocation logging.
//
// The FreeBSD backend's machine_load returns an empty list
// unconditionally; that behavior is preserved here rather than
// inventing a zone enumeration strategy.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nodeforge/cnagent/pkg/ipc"
)

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

	_ = enc.EncodePayload(ipc.MsgEventStart, nil)
	_ = enc.EncodePayload(ipc.MsgEventFinish, map[string]interface{}{"zones": []interface{}{}})
}

func fail(enc *ipc.Encoder, err error) {
	_ = enc.EncodePayload(ipc.MsgException, ipc.ExceptionPayload{Message: err.Error()})
}
