// Package spawner defines the Hub's pluggable per-user process lifecycle
// contract and ships reference backends (kubernetes, process).
package spawner

import (
	"context"
	"encoding/json"

	"github.com/rjsadow/hub/internal/db"
)

// Config is the configuration bag recognized by reference Spawner backends.
// Not every field applies to every backend: IP and Port matter only to
// process, Image and Namespace only to kubernetes; both use Cmd and Env.
type Config struct {
	// Cmd is the argv template used to launch the user's process. Supports
	// the {base_url} and {port} placeholders.
	Cmd []string
	// Env carries extra environment variables beyond the ones a backend
	// always sets (API token, user name, Hub API URL).
	Env map[string]string
	// IP is the address the spawned process should bind on; the process
	// backend defaults to 127.0.0.1 when empty.
	IP string
	// Port is the port to bind on; zero means the backend chooses one.
	Port int

	// Image is the container image for the kubernetes backend.
	Image string
	// Namespace is the namespace to create the pod in.
	Namespace string
}

// Spawner manages the lifecycle of a single user's server process. One
// instance exists per running User; it is not shared across users.
type Spawner interface {
	// Start launches the process and returns once its listen endpoint is
	// resolvable (though not necessarily accepting connections yet). May
	// suspend arbitrarily long; failure is reported as SpawnFailed by the
	// caller.
	Start(ctx context.Context) error

	// Stop terminates the process and returns once it has exited. Calling
	// Stop more than once, or before Start, is a no-op.
	Stop(ctx context.Context) error

	// Poll reports whether the process has terminated. A nil result means
	// still running; a non-nil one carries the exit status.
	Poll(ctx context.Context) (exitStatus *int, err error)

	// GetState returns an opaque snapshot sufficient to reattach to or
	// reason about the process across Hub restarts.
	GetState() json.RawMessage
}

// Factory constructs a Spawner bound to a specific user, the Hub record,
// and a freshly minted API token the spawned process will use to call
// back into the Hub.
type Factory func(u *db.User, hub *db.Hub, apiToken string, cfg Config) (Spawner, error)

// Endpointer is implemented by Spawner backends that can report the
// address their process is listening on once Start has completed. The
// Spawn Controller needs this to run the readiness probe and to register
// the route with the Proxy; it is kept separate from the Spawner
// interface itself so that a backend without a resolvable address (were
// one ever added) still satisfies the core contract.
type Endpointer interface {
	Endpoint() (ip string, port int)
}
