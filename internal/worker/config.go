package worker

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"cauldron/internal/config"
	"cauldron/internal/domain"
	"cauldron/internal/forge"
	"cauldron/internal/registry"
)

// FromConfig builds a worker with the owner-expansion runner and one
// command runner per configured kind. An empty id gets a random one.
func FromConfig(cfg *config.Config, coord Coordinator, id string, log *zap.Logger) *Worker {
	if id == "" {
		id = "worker-" + uuid.NewString()
	}
	runners := map[domain.Kind]Runner{
		domain.KindAddOwner: OwnerRunner{
			Listers: map[domain.Backend]registry.Lister{
				domain.BackendGitHub: forge.NewGitHub(cfg.Worker.GitHubAPI, nil),
				domain.BackendGitLab: forge.NewGitLab(cfg, nil),
			},
			Instances: cfg,
			Budget:    cfg.Scheduler.OwnerExpansionBudget,
		},
	}
	for kind, argv := range cfg.Worker.Commands {
		k := domain.Kind(kind)
		if !k.Valid() || k.Meta() || k == domain.KindAddOwner || len(argv) == 0 {
			log.Warn("ignoring worker command", zap.String("kind", kind))
			continue
		}
		runners[k] = CommandRunner{Argv: argv}
	}
	return &Worker{
		ID:        id,
		Coord:     coord,
		Runners:   runners,
		Heartbeat: cfg.Worker.Heartbeat,
		Idle:      cfg.Worker.Idle,
		Log:       log,
	}
}
