// Package dist coordinates the workers of a data-parallel training run.
package dist

import (
	"fmt"
	"net"
	"strconv"
)

// Identity is a worker's place in the group, fixed for the process lifetime.
type Identity struct {
	Rank      int
	LocalRank int
	WorldSize int
	// Distributed is false in single-process mode.
	Distributed bool
	// MasterAddr is the host:port the primary listens on.
	MasterAddr string
}

// Single is the identity of a process running without a group.
var Single = Identity{Rank: 0, LocalRank: 0, WorldSize: 1}

// IsPrimary reports whether the worker is rank 0.
func (id Identity) IsPrimary() bool {
	return id.Rank == 0
}

// IdentityFromEnv reads the torchrun environment: RANK, LOCAL_RANK,
// WORLD_SIZE, MASTER_ADDR and MASTER_PORT. Without RANK the process runs in
// single-process mode.
func IdentityFromEnv(getenv func(string) string) (Identity, error) {
	if getenv("RANK") == "" {
		return Single, nil
	}
	id := Identity{Distributed: true}
	for _, v := range []struct {
		name string
		dst  *int
	}{
		{"RANK", &id.Rank},
		{"LOCAL_RANK", &id.LocalRank},
		{"WORLD_SIZE", &id.WorldSize},
	} {
		n, err := strconv.Atoi(getenv(v.name))
		if err != nil {
			return Identity{}, fmt.Errorf("%s: %w", v.name, err)
		}
		*v.dst = n
	}
	if id.WorldSize < 1 || id.Rank < 0 || id.Rank >= id.WorldSize {
		return Identity{}, fmt.Errorf("rank %d outside world of size %d", id.Rank, id.WorldSize)
	}
	host, port := getenv("MASTER_ADDR"), getenv("MASTER_PORT")
	if host == "" {
		host = "127.0.0.1"
	}
	if port == "" {
		port = "29500"
	}
	id.MasterAddr = net.JoinHostPort(host, port)
	return id, nil
}
