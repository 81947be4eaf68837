package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"max.com/perpcore/pkg/api"
	"max.com/perpcore/pkg/config"
	"max.com/perpcore/pkg/event"
	"max.com/perpcore/pkg/futures"
	"max.com/perpcore/pkg/kafka"
	"max.com/perpcore/pkg/ledger"
	"max.com/perpcore/pkg/liquidation"
	"max.com/perpcore/pkg/logger"
	"max.com/perpcore/pkg/market"
	natsx "max.com/perpcore/pkg/nats"
	"max.com/perpcore/pkg/num"
	"max.com/perpcore/pkg/oracle"
	"max.com/perpcore/pkg/order"
	"max.com/perpcore/pkg/store"
)

// =============================================================================
// 基础设施
// =============================================================================

type infra struct {
	sinks    event.Fanout
	snapshot *store.SnapshotWriter
	journal  *store.JournalWriter
	reader   store.Reader
	closers  []func()
}

func (i *infra) close() {
	for j := len(i.closers) - 1; j >= 0; j-- {
		i.closers[j]()
	}
}

// setupStorage 数据库 + Redis 缓存 + 快照/流水写入器，driver 为 none 时跳过
func setupStorage(ctx context.Context, conf *config.Config, in *infra) error {
	db, err := store.Open(conf.Storage)
	if errors.Is(err, store.ErrStorageDisabled) {
		zap.L().Info("storage disabled")
		return nil
	}
	if err != nil {
		return err
	}
	repo := store.NewGormRepository(db)
	in.reader = repo

	var inv store.Invalidator
	if conf.Redis.Address != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Address,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			zap.L().Warn("redis unavailable, cache disabled", zap.Error(err))
		} else {
			cached := store.NewCachedReader(repo, rdb)
			in.reader = cached
			inv = cached
			in.closers = append(in.closers, func() { _ = rdb.Close() })
		}
	}

	cfg := store.DefaultSnapshotWriterConfig()
	if conf.Storage.BatchSize > 0 {
		cfg.BatchSize = conf.Storage.BatchSize
	}
	in.snapshot = store.NewSnapshotWriter(repo, inv, cfg)
	in.snapshot.Start(ctx)
	in.closers = append(in.closers, in.snapshot.Stop)

	in.journal = store.NewJournalWriter(repo, store.DefaultJournalWriterConfig())
	in.journal.Start(ctx)
	in.closers = append(in.closers, in.journal.Stop)
	return nil
}

// setupStreams 事件下游: Kafka / NATS，流水写入器从其中一个消费
func setupStreams(ctx context.Context, conf *config.Config, in *infra) error {
	if len(conf.Kafka.Brokers) > 0 {
		producer, err := kafka.NewProducer(kafka.DefaultProducerConfig(conf.Kafka.Brokers, conf.Kafka.EventTopic))
		if err != nil {
			return err
		}
		in.sinks = append(in.sinks, producer)
		in.closers = append(in.closers, func() { _ = producer.Close() })

		if in.journal != nil {
			consumer, err := kafka.NewConsumer(
				kafka.DefaultConsumerConfig(conf.Kafka.Brokers, conf.Kafka.GroupID, conf.Kafka.EventTopic),
				in.journal.Handle)
			if err != nil {
				return err
			}
			consumer.Start(ctx)
			in.closers = append(in.closers, func() { _ = consumer.Stop() })
		}
	}

	if conf.Nats.URL != "" {
		prefix := conf.Nats.SubjectPrefix
		if prefix == "" {
			prefix = natsx.DefaultSubjectPrefix
		}
		pub, err := natsx.NewPublisher(conf.Nats.URL, prefix)
		if err != nil {
			return err
		}
		in.sinks = append(in.sinks, pub)
		in.closers = append(in.closers, pub.Close)

		// 没有 Kafka 时由 NATS 喂流水写入器
		if in.journal != nil && len(conf.Kafka.Brokers) == 0 {
			sub, err := natsx.NewSubscriber(conf.Nats.URL, in.journal.HandleEvent)
			if err != nil {
				return err
			}
			if err := sub.Subscribe(prefix + ".>"); err != nil {
				return err
			}
			in.closers = append(in.closers, func() { _ = sub.Close() })
		}
	}
	return nil
}

// =============================================================================
// 模拟
// =============================================================================

// simulate GBM 行情 + 随机下单，若干秒后暴跌触发清算
func simulate(ctx context.Context, m *futures.Market, tk *market.Ticker) {
	log := zap.L().Named("simulation")
	base := func(s string) num.Int { return num.MustParseBase(s) }

	if _, err := m.AddLiquidity(ctx, "lp", base("5000000"), num.Zero, "lp"); err != nil {
		log.Error("seed liquidity", zap.Error(err))
		return
	}
	traders := []string{"alice", "bob", "carol", "dave"}
	for _, t := range traders {
		if err := m.DepositMargin(ctx, t, m.BaseToken(), base("10000"), ""); err != nil {
			log.Error("seed margin", zap.String("account", t), zap.Error(err))
			return
		}
	}
	// 高杠杆账户，暴跌后会被清算
	if err := m.DepositMargin(ctx, "whale", m.BaseToken(), base("5000"), ""); err != nil {
		log.Error("seed whale", zap.Error(err))
		return
	}

	if _, err := tk.Step(time.Now()); err != nil {
		log.Error("seed price", zap.Error(err))
		return
	}
	submit := func(account string, size float64) {
		acceptable := num.Wad(1_000_000)
		if size < 0 {
			acceptable = num.One
		}
		o, err := m.SubmitOrder(ctx, futures.SubmitRequest{
			Account:         account,
			Asset:           tk.Symbol,
			Size:            market.ToWad(size),
			AcceptablePrice: acceptable,
			KeeperFee:       base("1"),
		})
		if err != nil {
			log.Debug("order rejected", zap.String("account", account), zap.Error(err))
			return
		}
		log.Info("order submitted", zap.Int64("order_id", o.ID), zap.String("account", account), zap.String("size", o.Size.String()))
	}
	submit("whale", 45)

	go tk.Run(ctx)

	crash := time.NewTimer(20 * time.Second)
	defer crash.Stop()
	orders := time.NewTicker(time.Second)
	defer orders.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-crash.C:
			if _, err := tk.Shock(-0.1); err != nil {
				log.Error("forced crash", zap.Error(err))
			}
		case <-orders.C:
			if rand.Float32() < 0.5 {
				size := float64(rand.Intn(5) + 1)
				if rand.Float32() < 0.5 {
					size = -size
				}
				submit(traders[rand.Intn(len(traders))], size)
			}
		}
	}
}

// watchPrices 价格推送: 触发 keeper 快速检查，并记录日志
func watchPrices(ctx context.Context, bc *market.Broadcaster, keeper *liquidation.Keeper) {
	trigger, cancelTrigger := bc.Subscribe("keeper", 1)
	logged, cancelLog := bc.Subscribe("log", 0)
	go func() {
		<-ctx.Done()
		cancelTrigger()
		cancelLog()
	}()

	go func() {
		for range trigger {
			keeper.Trigger()
		}
	}()
	go func() {
		log := zap.L().Named("prices")
		for info := range logged {
			log.Debug("price update",
				zap.String("symbol", info.Symbol),
				zap.String("price", info.Price.Decimal(num.Decimals).String()),
				zap.Int64("updated_at", info.UpdatedAt))
		}
	}()
}

// =============================================================================
// 主程序
// =============================================================================

func main() {
	_ = godotenv.Load()
	conf := config.GetConf()
	logger.Init(conf.Log)
	defer zap.L().Sync()
	log := zap.L().Named("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := order.InitSnowflake(conf.Snowflake.NodeID); err != nil {
		log.Fatal("init snowflake", zap.Error(err))
	}
	params, err := config.BuildStore(conf.Market)
	if err != nil {
		log.Fatal("build params", zap.Error(err))
	}

	in := &infra{}
	defer in.close()
	if err := setupStorage(ctx, conf, in); err != nil {
		log.Fatal("setup storage", zap.Error(err))
	}
	if err := setupStreams(ctx, conf, in); err != nil {
		log.Fatal("setup streams", zap.Error(err))
	}

	// 1. 市场
	// -------------------------------------------------------------------------
	clock := ledger.SystemClock{}
	prices := oracle.NewPriceService(clock, oracle.DefaultConfig())
	opts := []futures.Option{futures.WithIDGenerator(order.SnowflakeGenerator{})}
	if len(in.sinks) > 0 {
		opts = append(opts, futures.WithSink(in.sinks))
	}
	if in.snapshot != nil {
		opts = append(opts, futures.WithSnapshotSink(in.snapshot))
	}
	m := futures.NewMarket(ledger.New(clock), params, prices, opts...)
	if err := m.Setup(ctx, conf.Market); err != nil {
		log.Fatal("setup market", zap.Error(err))
	}
	log.Info("market ready", zap.Strings("assets", m.Assets()), zap.Strings("collaterals", m.Tokens()))

	// 2. Keeper
	// -------------------------------------------------------------------------
	kcfg := liquidation.DefaultConfig(conf.Keeper.Address)
	if conf.Keeper.IntervalMs > 0 {
		kcfg.Interval = time.Duration(conf.Keeper.IntervalMs) * time.Millisecond
	}
	if conf.Keeper.Workers > 0 {
		kcfg.Workers = conf.Keeper.Workers
	}
	keeper, err := liquidation.NewKeeper(m, kcfg)
	if err != nil {
		log.Fatal("create keeper", zap.Error(err))
	}
	keeper.Start(ctx)
	defer keeper.Stop()

	// 价格推送 -> keeper 快速检查
	bc := market.NewBroadcaster()
	defer bc.Close()
	prices.OnPriceUpdate(bc.Broadcast)
	watchPrices(ctx, bc, keeper)

	// 3. HTTP
	// -------------------------------------------------------------------------
	apiOpts := []api.Option{api.WithPriceUpdater(prices), api.WithKeeper(keeper)}
	if in.reader != nil {
		apiOpts = append(apiOpts, api.WithReader(in.reader))
	}
	srv := &http.Server{
		Addr:              conf.HTTP.Address,
		Handler:           api.NewServer(m, apiOpts...).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", zap.Error(err))
			cancel()
		}
	}()

	// 4. 模拟行情与交易
	// -------------------------------------------------------------------------
	if assets := m.Assets(); len(assets) > 0 {
		go simulate(ctx, m, market.NewTicker(assets[0], 2000, time.Second, prices))
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				lpValue, _ := m.LpNetValue(ctx)
				s := keeper.Stats()
				log.Info("keeper stats",
					zap.String("lp_net_value", lpValue.Decimal(num.Decimals).String()),
					zap.Int64("executed", s.OrdersExecuted),
					zap.Int64("liquidated", s.PositionsLiquidated),
					zap.Int("watched", s.Watched))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = srv.Shutdown(shutdownCtx)
	cancel()
}
