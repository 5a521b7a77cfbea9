package runtime

import (
	"context"
	"time"

	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/types"
)

// Session is a spawned execution environment on some backend. Handle is
// the provider-specific identifier: a workspace path for host sandboxes,
// a guest directory for microVMs, a remote session id, a container id.
type Session struct {
	ID        string
	Kind      types.RuntimeKind
	Handle    string
	CreatedAt time.Time
	Metadata  map[string]string
}

// SpawnOptions carries per-session settings
type SpawnOptions struct {
	Env    map[string]string
	Labels map[string]string
}

// ExecRequest is one unit of work against a session
type ExecRequest struct {
	TaskID  string
	Payload []byte
	Env     map[string]string
	Timeout time.Duration
}

// ExecResult is the outcome of a finished execution. A non-zero exit code
// is a result, not an error: transport and provider failures surface as
// errors, task-level failures surface here.
type ExecResult struct {
	Output   []byte
	ExitCode int
	Duration time.Duration
	Cost     float64
}

// Capability flags a backend may advertise. Tasks declaring a required
// capability only route to instances whose backends carry the flag.
const (
	CapNetworkIsolation = "networkIsolation"
	CapFSIsolation      = "fsIsolation"
	CapSnapshot         = "snapshot"
	CapResourceLimits   = "resourceLimits"
	CapStreamingIO      = "streamingIO"
)

// Provider abstracts an execution backend. Implementations must be safe
// for concurrent use.
type Provider interface {
	// Kind identifies the isolation flavor
	Kind() types.RuntimeKind

	// Capabilities lists the feature flags this backend supports
	Capabilities() []string

	// Spawn creates a new session
	Spawn(ctx context.Context, sessionID string, opts SpawnOptions) (*Session, error)

	// Execute runs a payload to completion inside the session
	Execute(ctx context.Context, session *Session, req *ExecRequest) (*ExecResult, error)

	// ExecuteStream runs a payload and streams output incrementally
	ExecuteStream(ctx context.Context, session *Session, req *ExecRequest) (*Stream, error)

	// HealthCheck verifies the backend is reachable and serviceable. A
	// non-nil session additionally verifies the session is still live.
	HealthCheck(ctx context.Context, session *Session) error

	// Snapshot captures the session's workspace state
	Snapshot(ctx context.Context, session *Session) ([]byte, error)

	// Restore recreates a session from a snapshot
	Restore(ctx context.Context, sessionID string, snapshot []byte) (*Session, error)

	// Destroy tears the session down and releases its resources
	Destroy(ctx context.Context, session *Session) error
}

// Options configures provider construction
type Options struct {
	DataDir string

	// Remote sandbox
	RemoteEndpoint string
	RemoteToken    string

	// Container backend
	ContainerdSocket string
	ContainerImage   string
	Namespace        string

	// MicroVM backend
	VMName string

	// CostPerSecond converts wall time into observed cost units
	CostPerSecond float64
}

// New constructs a provider for the given runtime kind. The set of kinds
// is closed; unknown kinds are rejected.
func New(kind types.RuntimeKind, opts Options) (Provider, error) {
	switch kind {
	case types.RuntimeHostSandbox:
		return NewHostSandbox(opts)
	case types.RuntimeMicroVM:
		return NewMicroVM(opts)
	case types.RuntimeRemoteSandbox:
		return NewRemoteSandbox(opts)
	case types.RuntimeContainer:
		return NewContainer(opts)
	default:
		return nil, faults.New(faults.KindInvalidInput, "unknown runtime kind %q", kind)
	}
}

func costOf(d time.Duration, perSecond float64) float64 {
	if perSecond <= 0 {
		perSecond = 1
	}
	return d.Seconds() * perSecond
}
