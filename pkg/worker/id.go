package worker

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// ID derives a worker identity from the owning agent and the configuration
// the worker runs with. Any change to the configuration yields a new
// identity, so jobs tagged with a previous identity are never mistaken for
// the current worker's. Map keys are serialized in sorted order, which
// keeps the digest stable across runs.
func ID(agentID int64, config interface{}) string {
	data, err := json.Marshal(config)
	if err != nil {
		data = []byte(fmt.Sprintf("%#v", config))
	}
	sum := blake2b.Sum256(data)
	return fmt.Sprintf("%d-%s", agentID, hex.EncodeToString(sum[:]))
}
