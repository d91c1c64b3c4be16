// Package guiddb loads the known-UEFI-GUID name table used to render
// human-readable labels for ProtocolEntry.GUID during `list`/`info`
// (spec.md §2 item 8, grounded on uefi.py's prot_print_load_guids).
//
// The on-disk format is a JSON object mapping a protocol name to an
// 11-element integer array holding the GUID's UUID fields:
// [time_low, time_mid, time_hi_and_version, clock_seq_hi_and_reserved,
// clock_seq_low, node_0..node_5].
package guiddb

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Load reads path and returns a GUID -> name table. A missing file is
// not an error: it yields an empty table, matching the original tool's
// behavior of silently skipping GUID name resolution when the database
// isn't present.
func Load(path string) (map[uuid.UUID]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[uuid.UUID]string{}, nil
		}
		return nil, fmt.Errorf("guiddb: read %s: %w", path, err)
	}

	var raw map[string][11]uint64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("guiddb: parse %s: %w", path, err)
	}

	out := make(map[uuid.UUID]string, len(raw))
	for name, fields := range raw {
		out[fieldsToUUID(fields)] = name
	}
	return out, nil
}

func fieldsToUUID(f [11]uint64) uuid.UUID {
	var g uuid.UUID
	g[0] = byte(f[0] >> 24)
	g[1] = byte(f[0] >> 16)
	g[2] = byte(f[0] >> 8)
	g[3] = byte(f[0])
	g[4] = byte(f[1] >> 8)
	g[5] = byte(f[1])
	g[6] = byte(f[2] >> 8)
	g[7] = byte(f[2])
	g[8] = byte(f[3])
	g[9] = byte(f[4])
	for i := 0; i < 6; i++ {
		g[10+i] = byte(f[5+i])
	}
	return g
}
