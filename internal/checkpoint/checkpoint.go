// Package checkpoint saves and loads policy parameters to a directory, and registers the saved
// checkpoints in the policy pool.
//
// Files are named "actor_<id>.pt" and "critic_<id>.pt", where the id is "latest" or the iteration
// number. Only actors are saved per iteration: opponents never need a critic.
package checkpoint

import (
	"io"
	"os"
	"path"

	"github.com/janpfeifer/airduel/internal/policy"
	"github.com/janpfeifer/airduel/internal/pool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrMissingCheckpoint is returned when loading a checkpoint whose file doesn't exist.
// It's a fatal error: there is no fallback to another checkpoint.
var ErrMissingCheckpoint = errors.New("checkpoint file missing")

// Store of checkpoints in a directory.
type Store struct {
	dir string
}

// NewStore creates the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoint directory %q", dir)
	}
	return &Store{dir: dir}, nil
}

// OpenStore returns the Store of an existing directory, without creating it: used to restore from
// another run. Loading from a missing directory fails with ErrMissingCheckpoint.
func OpenStore(dir string) *Store { return &Store{dir: dir} }

// Dir where checkpoints are stored.
func (s *Store) Dir() string { return s.dir }

// ActorPath returns the path of the actor file for the id.
func (s *Store) ActorPath(id pool.ID) string {
	return path.Join(s.dir, "actor_"+string(id)+".pt")
}

// CriticPath returns the path of the critic file for the id.
func (s *Store) CriticPath(id pool.ID) string {
	return path.Join(s.dir, "critic_"+string(id)+".pt")
}

// Exists returns whether the actor of the checkpoint id exists.
func (s *Store) Exists(id pool.ID) bool {
	_, err := os.Stat(s.ActorPath(id))
	return err == nil
}

// Save writes the "latest" actor and critic, and when selfPlay also the actor of the iteration.
// Only after the files are written the checkpoints are registered in the pool (if not nil) with
// the pool's initial rating, so the pool never references a checkpoint that can't be loaded.
func (s *Store) Save(iteration int, p policy.Policy, policyPool *pool.Pool, selfPlay bool) error {
	if err := writeFile(s.ActorPath(pool.Latest), p.SaveActor); err != nil {
		return err
	}
	if err := writeFile(s.CriticPath(pool.Latest), p.SaveCritic); err != nil {
		return err
	}
	if !selfPlay {
		return nil
	}
	iterID := pool.IterationID(iteration)
	if err := writeFile(s.ActorPath(iterID), p.SaveActor); err != nil {
		return err
	}
	if policyPool == nil {
		return nil
	}
	if err := policyPool.Insert(pool.Latest, policyPool.InitRating()); err != nil {
		return err
	}
	if err := policyPool.Insert(iterID, policyPool.InitRating()); err != nil {
		return err
	}
	klog.V(1).Infof("Saved checkpoint %q to %s", iterID, s.dir)
	return nil
}

// LoadActor loads the actor parameters of checkpoint id into p.
func (s *Store) LoadActor(id pool.ID, p policy.Policy) error {
	return readFile(s.ActorPath(id), p.LoadActor)
}

// LoadCritic loads the critic parameters of checkpoint id into p.
func (s *Store) LoadCritic(id pool.ID, p policy.Policy) error {
	return readFile(s.CriticPath(id), p.LoadCritic)
}

// Restore loads the latest actor and critic into p.
func (s *Store) Restore(p policy.Policy) error {
	if err := s.LoadActor(pool.Latest, p); err != nil {
		return err
	}
	return s.LoadCritic(pool.Latest, p)
}

func readFile(filePath string, load func(r io.Reader) error) error {
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrMissingCheckpoint, "%s", filePath)
		}
		return errors.Wrapf(err, "failed to open checkpoint %s", filePath)
	}
	defer func() { _ = f.Close() }()
	if err := load(f); err != nil {
		return errors.WithMessagef(err, "failed to load checkpoint %s", filePath)
	}
	return nil
}

// writeFile writes to a temporary file, and then moves it to its final path, keeping the previous
// version (if one existed) with a "~" suffix.
func writeFile(filePath string, save func(w io.Writer) error) error {
	tmpPath := filePath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", tmpPath)
	}
	if err := save(f); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "failed to write %s", tmpPath)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", tmpPath)
	}

	// Rename existing file, if it exists.
	if _, err := os.Stat(filePath); err == nil {
		if err = os.Rename(filePath, filePath+"~"); err != nil {
			return errors.Wrapf(err, "failed to rename %s to %s", filePath, filePath+"~")
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to stat %s", filePath)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "failed to rename %s to %s", tmpPath, filePath)
	}
	return nil
}
