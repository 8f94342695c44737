package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rickgao/wslink/internal/connection"
)

// parseLine turns one input line into an envelope. Blank lines report ok=false.
//
// Accepted forms:
//
//	{"type":"ping","payload":{"n":1}}
//	ping {"n":1}
//	ping
func parseLine(line string) (connection.Message, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return connection.Message{}, false, nil
	}

	if strings.HasPrefix(line, "{") {
		msg, err := connection.Decode([]byte(line))
		if err != nil {
			return connection.Message{}, false, err
		}
		return msg, true, nil
	}

	typ, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return connection.Message{Type: typ, Payload: json.RawMessage("null")}, true, nil
	}

	if !json.Valid([]byte(rest)) {
		return connection.Message{}, false, fmt.Errorf("payload for %q is not valid JSON", typ)
	}
	return connection.Message{Type: typ, Payload: json.RawMessage(rest)}, true, nil
}
