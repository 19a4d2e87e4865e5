package kernel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/craftengine/kernel/pkg/auditdb"
	"github.com/craftengine/kernel/pkg/container"
	"github.com/craftengine/kernel/pkg/kv"
	"github.com/craftengine/kernel/pkg/reactor"
	"github.com/craftengine/kernel/pkg/registry"
	"github.com/craftengine/kernel/pkg/router"
)

// servicesKey is the well-known registry key the kernel bootstraps on
// startup, mirroring service.py's "kernel/services" hash.
const servicesKey = "kernel/services"

// Kernel owns one switchboard node's full stack: the KV-backed registry, the
// router/reactor pair serving client connections, the container engine that
// brings declared services to life, and (optionally) the audit log.
type Kernel struct {
	cfg Config
	log zerolog.Logger

	store    *kv.Store
	registry *registry.Registry
	catalog  *catalog
	router   *router.Router
	reactor  *reactor.Reactor
	engine   container.Engine
	audit    *auditdb.DB

	listenFD int
	peers    map[string]string
}

// New wires together a Kernel from cfg. It connects to Redis, builds the
// registry and router, opens the listening socket, and (if configured)
// the Docker engine and audit database, but does not yet accept connections
// or start any declared services — call Run for that.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Kernel, error) {
	store, err := kv.Open(ctx, kv.Config{
		Host:     hostOf(cfg.RedisAddr),
		Port:     portOf(cfg.RedisAddr),
		DB:       cfg.RedisDB,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("kernel: open kv store: %w", err)
	}

	peers, err := cfg.ParsedPeers()
	if err != nil {
		store.Close()
		return nil, err
	}
	services, err := cfg.ParsedServices()
	if err != nil {
		store.Close()
		return nil, err
	}
	serviceTokens, err := cfg.ParsedServiceTokens()
	if err != nil {
		store.Close()
		return nil, err
	}

	cat := newCatalog()
	for name, scale := range services {
		token := serviceTokens[name]
		if token == "" {
			token, err = randomToken()
			if err != nil {
				store.Close()
				return nil, fmt.Errorf("kernel: generate token for %q: %w", name, err)
			}
			log.Warn().Str("service", name).Msg("no KERNEL_SERVICE_TOKENS entry, generated a random token for this run")
		}
		cat.PutService(name, router.ServiceDescriptor{Token: token, Scale: scale})
	}
	for name, addr := range peers {
		cat.PutNode(name, router.NodeDescriptor{Token: cfg.PeerToken, Address: addr})
	}

	rt := router.New(cfg.Node, cat, cfg.WorkerPoolSize, log)
	reg := registry.New(store, cfg.RegistryScope, &registryCaller{r: rt})

	listenFD, err := listen(cfg.Addr)
	if err != nil {
		store.Close()
		return nil, err
	}

	rx, err := reactor.New(listenFD, rt, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	rt.AttachReactor(rx)

	var engine container.Engine
	if eng, err := container.NewDockerEngine(cfg.Project); err == nil {
		engine = eng
	} else {
		log.Warn().Err(err).Msg("docker engine unavailable, declared services will not be started automatically")
	}

	var audit *auditdb.DB
	if cfg.AuditDB != "" {
		a, err := auditdb.Open(cfg.AuditDB)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("kernel: open audit db: %w", err)
		}
		if err := a.MigrateUp(ctx, migrationTarget(a)); err != nil {
			store.Close()
			return nil, fmt.Errorf("kernel: migrate audit db: %w", err)
		}
		audit = a
	}

	k := &Kernel{
		cfg:      cfg,
		log:      log,
		store:    store,
		registry: reg,
		catalog:  cat,
		router:   rt,
		reactor:  rx,
		engine:   engine,
		audit:    audit,
		listenFD: listenFD,
		peers:    peers,
	}

	if err := k.bootstrap(ctx, services); err != nil {
		store.Close()
		return nil, err
	}

	return k, nil
}

func migrationTarget(a *auditdb.DB) uint64 {
	_, required, err := a.Version()
	if err != nil {
		return 1
	}
	return required
}

// bootstrap declares the well-known kernel/env, kernel/services and
// kernel/nodes keys and seeds kernel/services with the statically
// configured services, swallowing the "already exists"
// consistency error the way service.py's Service.list() swallows KeyError
// (spec §4.9 Create semantics: a second Create on an existing key fails
// with a consistency error, which at startup simply means a prior run
// already declared it).
func (k *Kernel) bootstrap(ctx context.Context, services map[string]int64) error {
	for _, key := range []string{"kernel/env", servicesKey, "kernel/nodes"} {
		_, err := k.registry.Create(ctx, key, registry.TypeHash, registry.Handler{Kind: registry.HandlerAllow}, "")
		if err != nil && !consistencyErr(err) {
			return fmt.Errorf("kernel: declare %s: %w", key, err)
		}
	}

	if len(services) == 0 {
		return nil
	}
	fields := make(map[string]any, len(services))
	for name, scale := range services {
		desc, _, _ := k.catalog.Service(name)
		fields[name] = map[string]any{"scale": scale, "token": desc.Token}
	}
	return k.registry.Set(ctx, servicesKey, registry.Query{"keys": fields})
}

// Run starts the reactor and, if a container engine is configured, the
// declared services' instances, blocking until ctx is done.
func (k *Kernel) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		k.reactor.Run()
	}()

	if k.engine != nil {
		k.startDeclaredServices(ctx)
	}
	k.DialPeers(ctx)

	<-ctx.Done()
	if k.engine != nil {
		k.stopDeclaredServices()
	}
	k.reactor.Stop()

	select {
	case <-done:
	case <-time.After(k.cfg.ShutdownTimeout):
		k.log.Warn().Msg("reactor did not stop within shutdown timeout")
	}
	k.router.CloseAll()
	k.router.Stop()
	return nil
}

func (k *Kernel) startDeclaredServices(ctx context.Context) {
	for name, desc := range k.catalog.Services() {
		for i := int64(1); i <= desc.Scale; i++ {
			spec := container.Spec{Name: name, Instance: i, Token: desc.Token, Node: k.cfg.Node}
			if err := k.engine.Start(ctx, spec, false, true); err != nil {
				k.log.Error().Err(err).Str("service", name).Int64("instance", i).Msg("failed to start service instance")
			}
		}
	}
}

// stopDeclaredServices calls ContainerEngine.Stop for every declared
// service's instances on shutdown. It runs on its own bounded context since
// the kernel's own ctx is already canceled by the time Run calls this.
func (k *Kernel) stopDeclaredServices() {
	ctx, cancel := context.WithTimeout(context.Background(), k.cfg.ShutdownTimeout)
	defer cancel()

	for name, desc := range k.catalog.Services() {
		for i := int64(1); i <= desc.Scale; i++ {
			if err := k.engine.Stop(ctx, k.cfg.Node, name, i); err != nil {
				k.log.Error().Err(err).Str("service", name).Int64("instance", i).Msg("failed to stop service instance")
			}
		}
	}
}

// Close releases the kernel's resources without waiting for a graceful
// reactor shutdown; use after Run has returned.
func (k *Kernel) Close() error {
	if k.audit != nil {
		k.audit.Close()
	}
	return k.store.Close()
}

func randomToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

