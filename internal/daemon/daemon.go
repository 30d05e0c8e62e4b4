// Package daemon wires together the control client, service/instance model,
// scheduler, health prober and status server into the single cooperative
// main loop described by the concurrency model: one loop owns all mutable
// state, probe results are drained before each publish check, and only
// fatal errors escape.
package daemon

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/opd-ai/onionbalance-manager/internal/config"
	"github.com/opd-ai/onionbalance-manager/internal/eventhandler"
	"github.com/opd-ai/onionbalance-manager/internal/healthcheck"
	"github.com/opd-ai/onionbalance-manager/internal/instance"
	"github.com/opd-ai/onionbalance-manager/internal/obserr"
	"github.com/opd-ai/onionbalance-manager/internal/obslog"
	"github.com/opd-ai/onionbalance-manager/internal/obsmetrics"
	"github.com/opd-ai/onionbalance-manager/internal/scheduler"
	"github.com/opd-ai/onionbalance-manager/internal/service"
	"github.com/opd-ai/onionbalance-manager/internal/status"
	"github.com/opd-ai/onionbalance-manager/internal/torcontrol"
)

// runAllDelay is the stagger used between jobs at startup's forced initial
// run, matching the original daemon's observed default.
const runAllDelay = 30 * time.Second

// Daemon owns the full running model.
type Daemon struct {
	cfg     *config.Config
	log     *obslog.Logger
	metrics *obsmetrics.Metrics

	control *torcontrol.Client
	prober  *healthcheck.Prober
	status  *status.Server
	sched   *scheduler.Scheduler

	handler  *eventhandler.Handler
	eventsCh <-chan torcontrol.DescriptorEvent

	services    []*service.Service
	instanceIdx map[string]*instance.Instance
}

// New builds the full model from configuration but does not yet connect to
// the control port or bind the status socket.
func New(cfg *config.Config, log *obslog.Logger) (*Daemon, error) {
	d := &Daemon{
		cfg:         cfg,
		log:         log,
		metrics:     obsmetrics.New(),
		instanceIdx: make(map[string]*instance.Instance),
		sched:       scheduler.New(nil),
	}

	for _, svcCfg := range cfg.Services {
		key, err := loadServiceKey(svcCfg.Key)
		if err != nil {
			return nil, obserr.ConfigInvalid(fmt.Sprintf("loading service key %q", svcCfg.Key), err)
		}

		instances := make([]*instance.Instance, 0, len(svcCfg.Instances))
		for _, instCfg := range svcCfg.Instances {
			inst := instance.New(instCfg.Address)
			if instCfg.AuthCookie != "" {
				copy(inst.AuthCookie[:], []byte(instCfg.AuthCookie))
				inst.HasAuthCookie = true
			}
			instances = append(instances, inst)
			d.instanceIdx[instCfg.Address] = inst
		}

		mode := service.ModeRoundRobin
		if svcCfg.HealthCheck != nil && svcCfg.HealthCheck.Model == "active-standby" {
			mode = service.ModeActiveStandby
		}

		svc, err := service.New(key, instances, mode, cfg.Replicas, cfg.MaxIntroPoints,
			cfg.DescriptorUploadPeriod.Duration, cfg.DescriptorOverlapPeriod.Duration, log.Component("service"))
		if err != nil {
			return nil, err
		}
		d.services = append(d.services, svc)
	}

	d.prober = healthcheck.New(cfg.SocksAddress, len(d.instanceIdx)+1)
	d.handler = eventhandler.New(d, log.Component("eventhandler"))
	return d, nil
}

func loadServiceKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key in %s is not an RSA key", path)
	}
	return key, nil
}

// Connect dials, authenticates and subscribes on the control channel, and
// binds the status socket. All failures here are fatal per spec.md §7.
func (d *Daemon) Connect() error {
	addr := fmt.Sprintf("%s:%d", d.cfg.TorAddress, d.cfg.TorPort)
	client, err := torcontrol.Connect(addr, d.log.Component("torcontrol"))
	if err != nil {
		return err
	}
	if err := client.Authenticate(d.cfg.TorPassword); err != nil {
		client.Close()
		return err
	}
	if _, err := client.CheckVersion(); err != nil {
		client.Close()
		return err
	}
	if err := client.Subscribe(); err != nil {
		client.Close()
		return err
	}
	d.control = client
	d.eventsCh = client.Events()
	d.metrics.ControlChannelUp.Set(1)

	srv, err := status.Listen(d.cfg.StatusSocketPath, d, d.log.Component("status"))
	if err != nil {
		client.Close()
		return err
	}
	d.status = srv

	d.scheduleJobs()
	return nil
}

func (d *Daemon) scheduleJobs() {
	d.sched.Add(d.cfg.RefreshInterval.Duration, d.refreshJob)
	d.sched.Add(d.cfg.PublishCheckInterval.Duration, d.publishCheckJob)
	d.sched.Add(d.cfg.PublishCheckInterval.Duration, d.healthCheckJob)
}

// refreshJob signals a new identity and requests a fresh descriptor fetch
// for every instance, per SPEC_FULL.md §12.1.
func (d *Daemon) refreshJob() error {
	if err := d.control.SignalNewIdentity(); err != nil {
		return err
	}
	for _, svc := range d.services {
		for _, inst := range svc.Instances {
			if err := d.control.RequestDescriptor(inst.Address); err != nil {
				d.log.Error("requesting descriptor fetch failed", "onion_address", inst.Address, "err", err)
			}
		}
	}
	return nil
}

// healthCheckJob submits one probe per instance to the prober.
func (d *Daemon) healthCheckJob() error {
	for i, svc := range d.services {
		hc := d.healthConfigFor(i)
		for _, inst := range svc.Instances {
			d.prober.Submit(healthcheck.Request{OnionAddress: inst.Address, Config: hc})
		}
	}
	return nil
}

func (d *Daemon) healthConfigFor(serviceIndex int) healthcheck.Config {
	svcCfg := d.cfg.Services[serviceIndex]
	if svcCfg.HealthCheck == nil {
		return healthcheck.Config{Type: healthcheck.CheckNone}
	}
	return healthcheck.Config{
		Type:    healthcheck.CheckType(svcCfg.HealthCheck.Type),
		Port:    svcCfg.HealthCheck.Port,
		Path:    svcCfg.HealthCheck.Path,
		Timeout: svcCfg.HealthCheck.Timeout.Duration,
	}
}

// drainEvents applies every decoded control-channel event queued since the
// last tick, on the main loop, before the publish check runs. The
// control-channel I/O worker (torcontrol.Client.Events's decode goroutine)
// only ever enqueues parsed events; it never touches the instance model
// itself, so this is the single mutator for descriptor events, matching the
// probe-result drain below (spec.md §5, §9 Design Notes).
func (d *Daemon) drainEvents() {
	for {
		select {
		case ev, ok := <-d.eventsCh:
			if !ok {
				d.eventsCh = nil
				return
			}
			d.handler.Handle(ev, time.Now())
		default:
			return
		}
	}
}

// drainProbeResults applies every queued probe result before the publish
// check runs, so a just-completed probe can influence this cycle's
// publish decision (spec.md §5 ordering guarantee).
func (d *Daemon) drainProbeResults() {
	for {
		select {
		case res := <-d.prober.Results():
			if inst, ok := d.instanceIdx[res.OnionAddress]; ok {
				inst.ApplyHealthResult(res.Healthy, res.Start, res.Duration)
			}
			d.metrics.RecordProbe(res.Healthy)
		default:
			d.updateInstanceGauges()
			return
		}
	}
}

func (d *Daemon) updateInstanceGauges() {
	var healthy int64
	for _, inst := range d.instanceIdx {
		if inst.IsHealthy == instance.HealthUp {
			healthy++
		}
	}
	d.metrics.InstancesHealthy.Set(healthy)
	d.metrics.InstancesTotal.Set(int64(len(d.instanceIdx)))
}

// publishCheckJob drains pending control-channel events and probe results,
// then asks every service whether it should republish.
func (d *Daemon) publishCheckJob() error {
	d.drainEvents()
	d.drainProbeResults()
	now := time.Now()
	for _, svc := range d.services {
		if svc.ShouldPublish(now, false) {
			start := time.Now()
			svc.PublishDescriptor(&controlPublisher{client: d.control}, now, rand.Intn)
			d.metrics.RecordPublish(true, 0, time.Since(start))
		}
	}
	return nil
}

type controlPublisher struct {
	client *torcontrol.Client
}

func (p *controlPublisher) PostDescriptor(blob []byte) error {
	return p.client.PostDescriptor(blob)
}

// FindInstance implements eventhandler.InstanceLookup.
func (d *Daemon) FindInstance(onionAddr string) *instance.Instance {
	return d.instanceIdx[onionAddr]
}

// Services implements status.ModelSnapshot.
func (d *Daemon) Services() []status.ServiceView {
	views := make([]status.ServiceView, 0, len(d.services))
	for _, svc := range d.services {
		views = append(views, status.ServiceView{
			Address:    svc.Address,
			LastUpload: svc.LastUpload,
			Instances:  svc.Instances,
		})
	}
	return views
}

// Run executes the daemon's main loop until ctx is canceled: an initial
// staggered run of every scheduled job, then alternating scheduler polls
// and bounded status-socket accepts.
func (d *Daemon) Run(ctx context.Context) error {
	d.sched.RunAll(runAllDelay, func(err error) {
		d.log.Error("initial job run failed", "err", err)
	})

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		default:
		}

		if err := d.sched.RunPending(true, func(err error) {
			d.log.Error("scheduled job failed", "err", err)
		}); err != nil {
			return err
		}
		d.status.AcceptOnce()
	}
}

func (d *Daemon) shutdown() error {
	d.log.Info("shutting down")
	if d.status != nil {
		d.status.Close()
	}
	if d.control != nil {
		d.control.Close()
	}
	return nil
}

// Metrics exposes the daemon's metrics for external reporting (e.g. a
// future status-socket metrics line or a process signal handler).
func (d *Daemon) Metrics() *obsmetrics.Metrics {
	return d.metrics
}
