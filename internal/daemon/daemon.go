// Package daemon monta e controla o ciclo de vida do policy daemon: store de
// contadores, fontes de limites, reset agendado, avisos, métricas e o
// listener do protocolo.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"modoboa-policyd/internal/config"
	"modoboa-policyd/internal/metrics"
	"modoboa-policyd/internal/scheduler"
	"modoboa-policyd/policy"
	"modoboa-policyd/policy/application"
	"modoboa-policyd/policy/domain"
	"modoboa-policyd/policy/infra"
)

const (
	resetJobName    = "counter-reset"
	shutdownTimeout = 10 * time.Second
)

type Daemon struct {
	cfg *config.Config
	log logrus.FieldLogger

	rdb     *redis.Client
	store   domain.CounterStore
	source  domain.LimitSource
	stats   statsStore
	closers []io.Closer

	dispatcher *infra.Dispatcher
	sched      *scheduler.Scheduler
	feed       *infra.KafkaLimitFeed
	metricsSrv *metrics.Server
	server     *policy.Server
	listener   net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
	errCh  chan error
}

type statsStore interface {
	domain.StatsStore
	Summary(ctx context.Context) (infra.StatsSummary, error)
}

func New(cfg *config.Config, log logrus.FieldLogger) *Daemon {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Daemon{cfg: cfg, log: log, errCh: make(chan error, 2)}
}

// Open conecta o store de contadores e as fontes de limites. É o suficiente
// para os comandos de manutenção (reset, counter).
func (d *Daemon) Open(ctx context.Context) error {
	switch d.cfg.Store.Type {
	case "memory":
		d.store = infra.NewMemoryCounterStore()
		d.log.Warn("using in-memory counter store, counters are not shared between instances")
	default:
		rdb, err := infra.DialRedis(ctx, infra.RedisConfig{
			Host:     d.cfg.Redis.Host,
			Port:     d.cfg.Redis.Port,
			Password: d.cfg.Redis.Password,
			DB:       d.cfg.Redis.DB,
			Timeout:  d.cfg.Redis.Timeout,
		})
		if err != nil {
			return fmt.Errorf("failed to connect counter store: %w", err)
		}
		d.rdb = rdb
		d.closers = append(d.closers, rdb)
		d.store = infra.NewRedisCounterStore(rdb, infra.WithHash(d.cfg.Redis.Hash))
	}

	if s := d.cfg.Stats; s.Enabled {
		if d.rdb != nil {
			d.stats = infra.NewRedisStatsStore(d.rdb,
				infra.WithStatsPrefix(s.Prefix),
				infra.WithStatsTTL(s.TTL),
				infra.WithStatsBucket(s.Bucket),
				infra.WithStatsTrackKeys(s.TrackKeys),
			)
		} else {
			d.stats = infra.NewMemoryStatsStore(infra.WithTrackKeys(s.TrackKeys))
		}
	}

	var sources infra.MultiLimitSource
	if d.cfg.Limits.SQL.Enabled {
		src, err := infra.OpenSQLLimitSource(ctx, d.cfg.Limits.SQL.Driver, d.cfg.Limits.SQL.DSN,
			infra.WithDomainQuery(d.cfg.Limits.SQL.DomainQuery),
			infra.WithAccountQuery(d.cfg.Limits.SQL.AccountQuery),
		)
		if err != nil {
			return fmt.Errorf("failed to open limits database: %w", err)
		}
		d.closers = append(d.closers, src)
		sources = append(sources, src)
	}
	// o arquivo vem depois: em chave repetida ele prevalece sobre o banco
	if d.cfg.Limits.File != "" {
		sources = append(sources, infra.FileLimitSource{Path: d.cfg.Limits.File})
	}
	if len(sources) > 0 {
		d.source = sources
	}
	return nil
}

// Store expõe o store aberto (nil antes de Open).
func (d *Daemon) Store() domain.CounterStore { return d.store }

// Stats lê o agregado de decisões; falha se as estatísticas estiverem
// desligadas.
func (d *Daemon) Stats(ctx context.Context) (infra.StatsSummary, error) {
	if d.stats == nil {
		return infra.StatsSummary{}, errors.New("stats are disabled (stats.enabled)")
	}
	return d.stats.Summary(ctx)
}

// StatsOn lê o bucket do dia t. Só o store Redis mantém a série temporal.
func (d *Daemon) StatsOn(ctx context.Context, t time.Time) (infra.StatsSummary, error) {
	rs, ok := d.stats.(*infra.RedisStatsStore)
	if !ok {
		return infra.StatsSummary{}, errors.New("daily stats require stats enabled with store.type=redis")
	}
	return rs.SummaryAt(ctx, t)
}

func (d *Daemon) resetter() application.Resetter {
	return application.Resetter{Source: d.source, Store: d.store, Log: d.log}
}

// ResetNow roda o reset uma vez, fora do agendamento.
func (d *Daemon) ResetNow(ctx context.Context) (int, error) {
	if d.source == nil {
		return 0, errors.New("no limit source configured (limits.file or limits.sql)")
	}
	n, err := d.resetter().Reset(ctx)
	metrics.ObserveReset(err)
	return n, err
}

// Start abre tudo e começa a atender. Não bloqueia.
func (d *Daemon) Start(ctx context.Context) error {
	if d.store == nil {
		if err := d.Open(ctx); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	if err := d.startMetrics(runCtx); err != nil {
		return err
	}
	if err := d.startNotifier(); err != nil {
		return err
	}
	if err := d.startLimits(ctx, runCtx); err != nil {
		return err
	}
	return d.startServer(runCtx)
}

func (d *Daemon) startMetrics(ctx context.Context) error {
	if !d.cfg.Metrics.Enabled {
		return nil
	}
	d.metricsSrv = metrics.NewServer(d.cfg.Metrics.Listen, d.cfg.Metrics.Path, d.log)
	if err := d.metricsSrv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	return nil
}

func (d *Daemon) startNotifier() error {
	if !d.cfg.Notify.Enabled {
		return nil
	}

	sinks := []domain.NotificationSink{infra.LogSink{Log: d.log}}
	if s := d.cfg.Notify.SMTP; s.Enabled {
		sink, err := infra.NewSMTPSink(s.Addr, s.From, s.To)
		if err != nil {
			return fmt.Errorf("failed to create smtp notifier: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if k := d.cfg.Notify.Kafka; k.Enabled {
		sink, err := infra.NewKafkaSink(k.Brokers, k.Topic)
		if err != nil {
			return fmt.Errorf("failed to create kafka notifier: %w", err)
		}
		d.closers = append(d.closers, sink)
		sinks = append(sinks, sink)
	}

	d.dispatcher = infra.NewDispatcher(sinks,
		infra.WithQueueSize(d.cfg.Notify.QueueSize),
		infra.WithRate(d.cfg.Notify.Rate, d.cfg.Notify.Burst),
		infra.WithDispatcherLogger(d.log),
		infra.WithResultHook(func(_ domain.Exhaustion, err error) { metrics.ObserveNotification(err) }),
	)
	// o worker vive até o Close, que entrega o que restou na fila
	d.dispatcher.Start(context.Background())
	return nil
}

func (d *Daemon) startLimits(startCtx, runCtx context.Context) error {
	if d.source == nil {
		d.log.Warn("no limit source configured, counters must be provisioned externally")
	} else {
		if d.cfg.Reset.SeedOnStart {
			if _, err := d.resetter().Seed(startCtx); err != nil {
				// contadores ausentes apenas significam "ilimitado" até o próximo reset
				d.log.WithError(err).Error("failed to seed counters")
			}
		}

		loc, err := d.cfg.Reset.Location()
		if err != nil {
			return fmt.Errorf("invalid reset timezone: %w", err)
		}
		d.sched = scheduler.New(loc, d.log)
		err = d.sched.Add(resetJobName, d.cfg.Reset.Schedule, func(ctx context.Context) error {
			_, err := d.ResetNow(ctx)
			return err
		})
		if err != nil {
			return err
		}
		d.sched.Start()
	}

	if k := d.cfg.Limits.Feed.Kafka; k.Enabled {
		updater := application.LimitUpdater{Store: d.store, Log: d.log}
		feed, err := infra.NewKafkaLimitFeed(infra.KafkaFeedConfig{
			Brokers: k.Brokers,
			Topic:   k.Topic,
			GroupID: k.GroupID,
		}, updater, d.log)
		if err != nil {
			return fmt.Errorf("failed to create limit feed: %w", err)
		}
		d.feed = feed
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := feed.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				d.log.WithError(err).Error("limit feed stopped")
			}
		}()
	}
	return nil
}

func (d *Daemon) startServer(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Listen, err)
	}
	d.listener = ln

	var stats domain.StatsStore
	if d.stats != nil {
		stats = d.stats
	}

	var notifier domain.Notifier
	if d.dispatcher != nil {
		notifier = d.dispatcher
	}

	var admission *application.Admission
	if d.cfg.MaxConnections > 0 {
		admission = &application.Admission{
			Pool:           infra.NewChanPool(d.cfg.MaxConnections),
			AcquireTimeout: d.cfg.AcquireTimeout,
		}
	}

	d.server = &policy.Server{
		Evaluator: application.Evaluator{
			Store:    d.store,
			Notifier: notifier,
			Stats:    stats,
			Log:      d.log,
			Timeout:  d.cfg.Redis.Timeout,
		},
		Admission:       admission,
		Log:             d.log,
		ReadTimeout:     d.cfg.ReadTimeout,
		MaxRequestBytes: d.cfg.MaxRequestBytes,
		Hooks: policy.Hooks{
			ConnOpened: metrics.ConnectionsActive.Inc,
			ConnClosed: metrics.ConnectionsActive.Dec,
			Rejected:   metrics.AdmissionRejectedTotal.Inc,
			Responded:  metrics.ObserveDecision,
		},
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.server.Serve(ctx, ln); err != nil {
			d.errCh <- err
		}
	}()

	d.log.WithFields(logrus.Fields{
		"addr":  ln.Addr().String(),
		"store": d.cfg.Store.Type,
	}).Info("policy daemon started")
	return nil
}

// Addr devolve o endereço do listener depois do Start.
func (d *Daemon) Addr() string {
	if d.listener == nil {
		return d.cfg.Listen
	}
	return d.listener.Addr().String()
}

// Run bloqueia até o ctx encerrar (sinal) ou o listener falhar, e então
// para o daemon.
func (d *Daemon) Run(ctx context.Context) error {
	var runErr error
	select {
	case <-ctx.Done():
		d.log.Info("shutdown requested")
	case runErr = <-d.errCh:
		d.log.WithError(runErr).Error("policy server failed")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, d.Stop(stopCtx))
}

// Stop encerra na ordem inversa: listener e feed, agendador, avisos
// pendentes, métricas e por fim as conexões externas.
func (d *Daemon) Stop(ctx context.Context) error {
	var errs []error

	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	if d.sched != nil {
		if err := d.sched.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if d.dispatcher != nil {
		if err := d.dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("notification drain: %w", err))
		}
	}
	if d.feed != nil {
		if err := d.feed.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.metricsSrv != nil {
		if err := d.metricsSrv.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.Close(); err != nil {
		errs = append(errs, err)
	}

	d.log.Info("policy daemon stopped")
	return errors.Join(errs...)
}

// Close libera as conexões abertas por Open.
func (d *Daemon) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
