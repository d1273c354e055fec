package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gpuforge/gpu-broker/internal/cloudprovider/types"
)

// Provider is an in-memory backend for dev mode and tests. Failures and
// wait behavior are injectable per call site.
type Provider struct {
	mu        sync.Mutex
	instances map[string]*mockInstance // by instance id
	seq       int

	// CreateErr, WaitErr and TerminateErr, when set, fail the matching
	// call. TerminateErrs, when non-zero, fails that many terminations
	// before succeeding.
	CreateErr     error
	WaitErr       error
	TerminateErr  error
	TerminateErrs int

	createCalls    int
	terminateCalls int
}

type mockInstance struct {
	inst    types.Instance
	leaseID string
}

func NewProvider() *Provider {
	return &Provider{instances: make(map[string]*mockInstance)}
}

func (p *Provider) TestConnection() error { return nil }

func (p *Provider) CreateInstance(ctx context.Context, spec types.InstanceSpec) (*types.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	p.seq++
	inst := types.Instance{
		ID:         fmt.Sprintf("i-mock-%04d", p.seq),
		State:      "pending",
		PublicIP:   fmt.Sprintf("198.51.100.%d", p.seq%250+1),
		PrivateIP:  fmt.Sprintf("10.0.0.%d", p.seq%250+1),
		LaunchedAt: time.Now(),
	}
	p.instances[inst.ID] = &mockInstance{inst: inst, leaseID: spec.LeaseID}
	cp := inst
	return &cp, nil
}

func (p *Provider) WaitInstanceRunning(ctx context.Context, instanceID string, timeout time.Duration) (*types.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.WaitErr != nil {
		return nil, p.WaitErr
	}
	mi, ok := p.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("instance %s not found", instanceID)
	}
	mi.inst.State = "running"
	cp := mi.inst
	return &cp, nil
}

func (p *Provider) TerminateInstance(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminateCalls++
	if p.TerminateErr != nil {
		return p.TerminateErr
	}
	if p.TerminateErrs > 0 {
		p.TerminateErrs--
		return fmt.Errorf("transient termination failure for %s", instanceID)
	}
	if mi, ok := p.instances[instanceID]; ok {
		mi.inst.State = "terminated"
	}
	return nil
}

func (p *Provider) FindInstanceByLeaseID(ctx context.Context, leaseID string) (*types.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, mi := range p.instances {
		if mi.leaseID == leaseID && mi.inst.State != "terminated" {
			cp := mi.inst
			return &cp, nil
		}
	}
	return nil, nil
}

// CreateCalls reports how many CreateInstance calls were made.
func (p *Provider) CreateCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createCalls
}

// TerminateCalls reports how many TerminateInstance calls were made.
func (p *Provider) TerminateCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminateCalls
}

// InstanceState returns the current state of an instance (test helper).
func (p *Provider) InstanceState(instanceID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mi, ok := p.instances[instanceID]
	if !ok {
		return "", false
	}
	return mi.inst.State, true
}

// Preload registers an existing instance for a lease, emulating one left
// behind by a crashed provisioning attempt.
func (p *Provider) Preload(leaseID string, inst types.Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instances[inst.ID] = &mockInstance{inst: inst, leaseID: leaseID}
}
