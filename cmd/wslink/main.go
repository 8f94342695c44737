// wslink keeps a WebSocket connection alive and streams envelopes to the console.
// Usage: go run ./cmd/wslink --config configs/wslink.example.yaml
//
// Each inbound envelope is printed as one JSON line. Lines typed on stdin are
// sent as envelopes, either as full JSON ({"type":"ping","payload":{}}) or as
// "<type> [json payload]".
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
