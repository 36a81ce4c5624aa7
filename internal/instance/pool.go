package instance

import (
	"cmp"
	"fmt"
	"slices"
	"sort"
	"sync"

	"batchdriver/internal/apperrors"
	"batchdriver/pkg/circuitbreaker"
)

// Pool holds the driver's in-memory view of worker instances. Active
// instances are kept in an index ordered by free capacity so placement is a
// lower-bound search.
type Pool struct {
	mu      sync.Mutex
	byName  map[string]*Instance
	index   []*Instance // active instances, ordered by (free, name)
	breaker circuitbreaker.Config
}

// NewPool creates an empty pool. cfg controls when an instance stops
// receiving placements after failed requests.
func NewPool(cfg circuitbreaker.Config) *Pool {
	return &Pool{
		byName:  make(map[string]*Instance),
		breaker: cfg,
	}
}

func compareInstances(a, b *Instance) int {
	if c := cmp.Compare(a.free, b.free); c != 0 {
		return c
	}
	return cmp.Compare(a.Name, b.Name)
}

// must hold p.mu
func (p *Pool) indexInsert(inst *Instance) {
	pos, _ := slices.BinarySearchFunc(p.index, inst, compareInstances)
	p.index = slices.Insert(p.index, pos, inst)
}

// must hold p.mu
func (p *Pool) indexRemove(inst *Instance) {
	pos, found := slices.BinarySearchFunc(p.index, inst, compareInstances)
	if found && p.index[pos] == inst {
		p.index = slices.Delete(p.index, pos, pos+1)
	}
}

// Add registers an instance or updates the address and state of a known one.
// The free capacity of a known instance is left untouched: the pool is the
// authority for it while the driver runs.
func (p *Pool) Add(rec Record) (*Instance, error) {
	if rec.Name == "" {
		return nil, apperrors.Validation("name", "instance name is required")
	}
	if rec.TotalCoresMcpu <= 0 {
		return nil, apperrors.Validation("total_cores_mcpu", "total_cores_mcpu must be positive")
	}
	if rec.FreeCoresMcpu < 0 || rec.FreeCoresMcpu > rec.TotalCoresMcpu {
		return nil, apperrors.Validation("free_cores_mcpu", "free_cores_mcpu must be within [0, total_cores_mcpu]")
	}
	if rec.State == "" {
		rec.State = Active
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if inst, ok := p.byName[rec.Name]; ok {
		p.setStateLocked(inst, rec.State)
		inst.mu.Lock()
		inst.ipAddress = rec.IPAddress
		inst.mu.Unlock()
		return inst, nil
	}

	inst := newInstance(rec, p.breaker)
	p.byName[rec.Name] = inst
	if rec.State == Active {
		p.indexInsert(inst)
	}
	return inst, nil
}

// Lookup returns the instance with the given name.
func (p *Pool) Lookup(name string) (*Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.byName[name]
	return inst, ok
}

// FindPlacement returns the active instance with the smallest free capacity
// that still fits coresMcpu. Instances refusing requests are skipped.
func (p *Pool) FindPlacement(coresMcpu int64) (*Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := sort.Search(len(p.index), func(i int) bool {
		return p.index[i].free >= coresMcpu
	})
	for _, inst := range p.index[start:] {
		if inst.Reachable() {
			return inst, true
		}
	}
	return nil, false
}

// AdjustCapacity adds deltaMcpu to the instance's free capacity and
// repositions it in the index. The result must stay within [0, total].
func (p *Pool) AdjustCapacity(inst *Instance, deltaMcpu int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := inst.free + deltaMcpu
	if next < 0 || next > inst.TotalCoresMcpu {
		return apperrors.Internal("pool.adjustCapacity",
			fmt.Errorf("%s: free cores %d%+d outside [0, %d]", inst, inst.free, deltaMcpu, inst.TotalCoresMcpu))
	}
	p.setFreeLocked(inst, next)
	return nil
}

// Reserve takes coresMcpu from the instance ahead of a placement. It fails
// with a conflict, leaving the instance untouched, when another placement
// got to the capacity first. A reservation is returned with
// AdjustCapacity(inst, +coresMcpu).
func (p *Pool) Reserve(inst *Instance, coresMcpu int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if inst.free < coresMcpu {
		return apperrors.Conflict("instance", inst.Name,
			fmt.Sprintf("%d mcpu free, %d requested", inst.free, coresMcpu))
	}
	p.setFreeLocked(inst, inst.free-coresMcpu)
	return nil
}

// must hold p.mu
func (p *Pool) setFreeLocked(inst *Instance, free int64) {
	indexed := p.byName[inst.Name] == inst && inst.state == Active
	if indexed {
		p.indexRemove(inst)
	}
	inst.mu.Lock()
	inst.free = free
	inst.mu.Unlock()
	if indexed {
		p.indexInsert(inst)
	}
}

// SetState changes the lifecycle state of a known instance. Deleted
// instances are dropped from the pool.
func (p *Pool) SetState(name string, state State) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	inst, ok := p.byName[name]
	if !ok {
		return apperrors.NotFound("instance", name)
	}
	p.setStateLocked(inst, state)
	return nil
}

// must hold p.mu
func (p *Pool) setStateLocked(inst *Instance, state State) {
	if inst.state == state {
		return
	}
	if inst.state == Active {
		p.indexRemove(inst)
	}
	inst.mu.Lock()
	inst.state = state
	inst.mu.Unlock()

	switch state {
	case Active:
		p.indexInsert(inst)
	case Deleted:
		delete(p.byName, inst.Name)
	}
}

// Remove drops an instance from the pool.
func (p *Pool) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst, ok := p.byName[name]; ok {
		if inst.state == Active {
			p.indexRemove(inst)
		}
		delete(p.byName, name)
	}
}

// SyncResult summarises a Sync call.
type SyncResult struct {
	Added   int
	Updated int
	Removed int
}

// Sync reconciles the pool with the persisted instance table. Unknown
// records are added, known ones get their state and address refreshed, and
// instances missing from records or marked deleted are removed.
func (p *Pool) Sync(records []Record) (SyncResult, error) {
	var res SyncResult
	seen := make(map[string]bool, len(records))

	for _, rec := range records {
		seen[rec.Name] = true
		if rec.State == Deleted {
			if _, ok := p.Lookup(rec.Name); ok {
				p.Remove(rec.Name)
				res.Removed++
			}
			continue
		}
		existing, known := p.Lookup(rec.Name)
		if known && existing.State() == rec.State && existing.IPAddress() == rec.IPAddress {
			continue
		}
		if _, err := p.Add(rec); err != nil {
			return res, fmt.Errorf("sync %s: %w", rec.Name, err)
		}
		if known {
			res.Updated++
		} else {
			res.Added++
		}
	}

	for _, name := range p.Names() {
		if !seen[name] {
			p.Remove(name)
			res.Removed++
		}
	}
	return res, nil
}

// Names returns the names of all tracked instances.
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.byName))
	for name := range p.byName {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Snapshot returns records of all tracked instances ordered by name.
func (p *Pool) Snapshot() []Record {
	p.mu.Lock()
	insts := make([]*Instance, 0, len(p.byName))
	for _, inst := range p.byName {
		insts = append(insts, inst)
	}
	p.mu.Unlock()

	out := make([]Record, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.Record())
	}
	slices.SortFunc(out, func(a, b Record) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Capacity is the aggregate capacity of active instances.
type Capacity struct {
	Instances      int   `json:"instances"`
	FreeCoresMcpu  int64 `json:"free_cores_mcpu"`
	TotalCoresMcpu int64 `json:"total_cores_mcpu"`
}

// Capacity sums free and total capacity over active instances.
func (p *Pool) Capacity() Capacity {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := Capacity{Instances: len(p.index)}
	for _, inst := range p.index {
		c.FreeCoresMcpu += inst.free
		c.TotalCoresMcpu += inst.TotalCoresMcpu
	}
	return c
}
