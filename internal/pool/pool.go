// Package pool implements the PolicyPool: the set of saved policy checkpoints that opponents
// are sampled from, keyed by checkpoint id ("latest" or the iteration number).
package pool

import (
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ID identifies a checkpoint: either Latest or the decimal iteration number it was saved at.
type ID string

// Latest is the id of the most recently saved checkpoint. It's overwritten on every save.
const Latest ID = "latest"

// IterationID returns the id of the checkpoint saved at the given iteration.
func IterationID(iteration int) ID {
	return ID(strconv.Itoa(iteration))
}

var (
	// ErrEmptyPool is returned when sampling a pool where nothing was registered yet.
	ErrEmptyPool = errors.New("policy pool is empty")

	// ErrUnknownRefreshPolicy is returned when parsing an unknown refresh policy name.
	ErrUnknownRefreshPolicy = errors.New("unknown opponent refresh policy")
)

// RefreshPolicy determines how opponents are sampled from the pool.
type RefreshPolicy int

const (
	// RefreshLatest always plays against the latest checkpoint ("sp", plain self-play).
	RefreshLatest RefreshPolicy = iota

	// RefreshUniformHistorical samples uniformly among all registered checkpoints
	// ("fsp", fictitious self-play).
	RefreshUniformHistorical
)

//go:generate go tool enumer -type=RefreshPolicy -trimprefix=Refresh -transform=snake -values -text pool.go

// ParseRefreshPolicy parses the policy name, accepting also the short aliases "sp" (RefreshLatest)
// and "fsp" (RefreshUniformHistorical).
func ParseRefreshPolicy(name string) (RefreshPolicy, error) {
	switch strings.ToLower(name) {
	case "sp":
		return RefreshLatest, nil
	case "fsp":
		return RefreshUniformHistorical, nil
	}
	p, err := RefreshPolicyString(name)
	if err != nil {
		return 0, errors.Wrapf(ErrUnknownRefreshPolicy, "%q (valid values: sp, fsp, %v)", name, RefreshPolicyValues())
	}
	return p, nil
}

// Pool maps checkpoint ids to a rating.
//
// Ratings are metadata only: every checkpoint is registered with the initial rating and ratings
// are never updated, so the pool is a pure historical set for sampling. Entries are never removed.
//
// The pool is owned by the training loop goroutine, and it is not safe for concurrent use.
type Pool struct {
	initRating float32
	ratings    map[ID]float32
	order      []ID
	index      *Index
}

// New creates an empty pool, whose checkpoints are registered by default with initRating.
func New(initRating float32) *Pool {
	return &Pool{
		initRating: initRating,
		ratings:    make(map[ID]float32),
	}
}

// InitRating is the rating new checkpoints are registered with.
func (p *Pool) InitRating() float32 { return p.initRating }

// AttachIndex makes every future Insert also be written to the persistent index.
func (p *Pool) AttachIndex(index *Index) {
	p.index = index
}

// Insert registers a checkpoint id with its rating. Re-inserting an existing id is a no-op.
func (p *Pool) Insert(id ID, rating float32) error {
	if _, found := p.ratings[id]; found {
		return nil
	}
	if p.index != nil {
		if err := p.index.Put(id, rating); err != nil {
			return errors.WithMessagef(err, "failed to register checkpoint %q in pool index", id)
		}
	}
	p.ratings[id] = rating
	p.order = append(p.order, id)
	klog.V(1).Infof("Policy pool: registered %q (rating %g), %d checkpoints", id, rating, len(p.order))
	return nil
}

// Has returns whether the id was registered.
func (p *Pool) Has(id ID) bool {
	_, found := p.ratings[id]
	return found
}

// Len is the number of registered checkpoints.
func (p *Pool) Len() int { return len(p.order) }

// IDs returns the registered ids in order of insertion.
func (p *Pool) IDs() []ID { return slices.Clone(p.order) }

// LastIteration returns the largest iteration registered, and false if there are only aliases
// (or nothing) registered.
func (p *Pool) LastIteration() (iteration int, found bool) {
	for _, id := range p.order {
		n, err := strconv.Atoi(string(id))
		if err != nil {
			continue
		}
		if !found || n > iteration {
			iteration, found = n, true
		}
	}
	return
}

// Rating returns the rating of the id, and whether it was found.
func (p *Pool) Rating(id ID) (rating float32, found bool) {
	rating, found = p.ratings[id]
	return
}

// Sample an opponent id according to the refresh policy.
// It never returns an id that was not inserted.
func (p *Pool) Sample(policy RefreshPolicy, rng *rand.Rand) (ID, error) {
	ids, err := p.SampleN(policy, 1, rng)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// historical returns the candidates of RefreshUniformHistorical: every iteration checkpoint.
// Latest is an alias of the newest iteration checkpoint, so it is only a candidate when it is the
// only entry.
func (p *Pool) historical() []ID {
	ids := make([]ID, 0, len(p.order))
	for _, id := range p.order {
		if id != Latest {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return slices.Clone(p.order)
	}
	return ids
}

// SampleN samples n opponent ids according to the refresh policy.
//
// With RefreshUniformHistorical the ids are drawn without replacement: they only repeat if there
// are fewer than n candidates, in which case every candidate is used before any repeats.
// With RefreshLatest all ids are Latest.
func (p *Pool) SampleN(policy RefreshPolicy, n int, rng *rand.Rand) ([]ID, error) {
	if len(p.order) == 0 {
		return nil, ErrEmptyPool
	}
	if n <= 0 {
		return nil, errors.Errorf("invalid number of opponents to sample %d", n)
	}
	ids := make([]ID, 0, n)
	switch policy {
	case RefreshLatest:
		if !p.Has(Latest) {
			return nil, errors.Wrapf(ErrEmptyPool, "no %q checkpoint registered", Latest)
		}
		for range n {
			ids = append(ids, Latest)
		}
		return ids, nil
	case RefreshUniformHistorical:
		candidates := p.historical()
		for len(ids) < n {
			rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
			ids = append(ids, candidates[:min(len(candidates), n-len(ids))]...)
		}
		return ids, nil
	}
	return nil, errors.Wrapf(ErrUnknownRefreshPolicy, "%s", policy)
}
