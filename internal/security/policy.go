// Package security decides which peers may issue privileged commands.
package security

import (
	"fmt"
	"strconv"
	"strings"
)

// Policy grants privileged commands (share pool monitoring, process introspection) to
// a fixed set of user ids.
type Policy struct {
	uids map[uint32]struct{}
}

// NewPolicy returns a policy granting privilege to uids. An empty policy grants
// nothing, root included.
func NewPolicy(uids ...uint32) *Policy {
	p := &Policy{uids: make(map[uint32]struct{}, len(uids))}
	for _, uid := range uids {
		p.uids[uid] = struct{}{}
	}
	return p
}

// ParseUIDs parses a comma separated list of numeric user ids.
func ParseUIDs(s string) ([]uint32, error) {
	var uids []uint32
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		uid, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad uid %q: %w", field, err)
		}
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

// Privileged reports whether uid may issue privileged commands.
func (p *Policy) Privileged(uid uint32) bool {
	if p == nil {
		return false
	}
	_, ok := p.uids[uid]
	return ok
}
