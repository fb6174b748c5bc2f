package gateway

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/stackbound/modhub/pkg/async"
	"github.com/stackbound/modhub/pkg/manifest"
)

// reconcileWorkers bounds concurrent gateway mirroring during a pass.
const reconcileWorkers = 4

// ManifestSource yields the manifests whose endpoints should currently
// exist on the gateway.
type ManifestSource func(ctx context.Context) ([]*manifest.ModuleManifest, error)

// Reconciler periodically re-mirrors every active module so the gateway
// converges after outages or missed registrations.
type Reconciler struct {
	client *Client
	source ManifestSource
	cron   *cron.Cron
	log    *logrus.Logger
}

// NewReconciler builds a reconciler on a cron schedule. spec is a cron
// expression; empty means every 5 minutes.
func NewReconciler(client *Client, source ManifestSource, spec string, log *logrus.Logger) (*Reconciler, error) {
	if log == nil {
		log = logrus.New()
	}
	if spec == "" {
		spec = "@every 5m"
	}

	r := &Reconciler{
		client: client,
		source: source,
		cron:   cron.New(),
		log:    log,
	}
	if _, err := r.cron.AddFunc(spec, r.runOnce); err != nil {
		return nil, err
	}
	return r, nil
}

// Start begins the schedule. No-op when the gateway is disabled.
func (r *Reconciler) Start() {
	if !r.client.Enabled() {
		return
	}
	r.cron.Start()
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Reconciler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	r.Reconcile(ctx)
}

// Reconcile mirrors every manifest from the source, a few modules at a
// time. Re-registration is idempotent on the gateway side (PUT service,
// route upserts).
func (r *Reconciler) Reconcile(ctx context.Context) {
	if !r.client.Enabled() {
		return
	}
	manifests, err := r.source(ctx)
	if err != nil {
		r.log.WithError(err).Warn("gateway reconcile: listing active modules failed")
		return
	}
	async.Batch(ctx, manifests, reconcileWorkers, func(ctx context.Context, m *manifest.ModuleManifest) error {
		r.client.MirrorModule(ctx, m)
		return nil
	})
	r.log.WithField("modules", len(manifests)).Debug("gateway reconcile pass complete")
}
