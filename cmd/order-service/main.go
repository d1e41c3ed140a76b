// cmd/order-service/main.go
package main

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"bastion/internal/pkg/bootstrap"
	"bastion/internal/pkg/database"
	"bastion/internal/pkg/httpclient"
	"bastion/internal/pkg/logger"
	"bastion/internal/pkg/mq"
	"bastion/internal/pkg/redis"
	"bastion/internal/service/inventory"
	invinfra "bastion/internal/service/inventory/infrastructure"
	"bastion/internal/service/order/application"
	"bastion/internal/service/order/domain"
	"bastion/internal/service/order/infrastructure"
	"bastion/internal/service/order/interfaces"
	"bastion/internal/service/payment"
	payinfra "bastion/internal/service/payment/infrastructure"
	"bastion/internal/service/telemetry"
	"bastion/internal/service/throttle"
	"bastion/internal/zookeeper"
)

const (
	serviceName        = "order-service"
	paymentServiceName = "payment-gateway"
)

// main 是组装根：创建并组装所有依赖项，然后把控制权交给 bootstrap。
func main() {
	var cleanups []func()

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8080,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			conf := appCtx.Conf
			tracer := otel.Tracer(serviceName)

			// 遥测：Prometheus 计数 + Kafka 事件流
			brokers := strings.Split(conf.Infra.KafkaBrokers, ",")
			telemetryWriter := mq.NewKafkaWriter(brokers, telemetry.TopicStateTransitions)
			publisher := telemetry.NewStreamPublisher(telemetryWriter)
			cleanups = append(cleanups, publisher.Close, func() { telemetryWriter.Close() })

			// 持久化协作方：MySQL + ZooKeeper 锁 + Redis。
			// 没配 DSN 时退回进程内实现，单机模式跑通全部语义。
			var (
				store      inventory.Store
				locks      inventory.KeyLocker
				guard      inventory.HolderGuard
				admitter   throttle.Admitter
				stateStore payment.StateStore
				orderRepo  domain.OrderRepository
			)
			if dsn := conf.Infra.MySQLDSN; dsn != "" {
				db, err := database.OpenMySQL(dsn)
				if err != nil {
					logger.Logger.Fatal().Err(err).Msg("failed to open mysql")
				}
				gormStore := invinfra.NewGormStore(db)
				circuitStore := payinfra.NewGormStateStore(db)
				if err := gormStore.AutoMigrate(); err != nil {
					logger.Logger.Fatal().Err(err).Msg("failed to migrate inventory tables")
				}
				if err := circuitStore.AutoMigrate(); err != nil {
					logger.Logger.Fatal().Err(err).Msg("failed to migrate circuit table")
				}
				if err := db.AutoMigrate(&infrastructure.OrderModel{}, &infrastructure.OrderItemModel{}); err != nil {
					logger.Logger.Fatal().Err(err).Msg("failed to migrate order tables")
				}
				store = gormStore
				stateStore = circuitStore
				orderRepo = infrastructure.NewGormOrderRepository(db)

				zkConn, err := zookeeper.Connect(conf.Infra.ZookeeperAddrs, 5*time.Second)
				if err != nil {
					logger.Logger.Fatal().Err(err).Msg("failed to connect zookeeper")
				}
				cleanups = append(cleanups, zkConn.Close)
				zkLock, err := zookeeper.NewKeyLock(zkConn)
				if err != nil {
					logger.Logger.Fatal().Err(err).Msg("failed to create zookeeper key lock")
				}
				locks = zkLock

				redisClient, err := redis.NewClient(conf.Infra.RedisAddrs)
				if err != nil {
					logger.Logger.Fatal().Err(err).Msg("failed to initialize redis client")
				}
				cleanups = append(cleanups, func() { redisClient.Close() })
				redisGuard, err := invinfra.NewRedisHolderGuard(redisClient, conf.Core.ReservationTTL)
				if err != nil {
					logger.Logger.Fatal().Err(err).Msg("failed to create redis holder guard")
				}
				guard = redisGuard
				redisWindow, err := throttle.NewRedisWindow(redisClient, conf.Core.MaxRPS, conf.Core.WindowSeconds, publisher)
				if err != nil {
					logger.Logger.Fatal().Err(err).Msg("failed to create redis throttle window")
				}
				admitter = redisWindow
			} else {
				logger.Logger.Warn().Msg("no mysql dsn configured, running with in-process state")
				store = inventory.NewMemoryStore()
				locks = inventory.NewLocalKeyLock()
				guard = inventory.NewMemoryHolderGuard()
				admitter = throttle.NewFixedWindow(conf.Core.MaxRPS, conf.Core.WindowSeconds, publisher)
				stateStore = payment.NewMemoryStateStore()
				orderRepo = infrastructure.NewMemoryOrderRepository()
			}

			// 核心组件
			ledger := inventory.NewLedger(store, locks, conf.Core.LockWaitTimeout)
			manager := inventory.NewManager(ledger, store, guard, publisher, conf.Core.MinTTL, conf.Core.ReservationTTL)
			breaker := payment.NewBreaker(paymentServiceName, conf.Core.FailureThreshold, conf.Core.RecoveryTimeout, stateStore, publisher)

			classifier, err := payment.NewClassifier(conf.Core.TransientRule, conf.Core.PermanentRule)
			if err != nil {
				logger.Logger.Fatal().Err(err).Msg("failed to compile failure classification rules")
			}
			gateway := payment.NewHTTPGateway(httpclient.NewClient(tracer), conf.Infra.PaymentGatewayURL, classifier)

			queueWriter := mq.NewKafkaWriter(brokers, infrastructure.TopicOrderQueued)
			cleanups = append(cleanups, func() { queueWriter.Close() })
			queueProducer := infrastructure.NewQueuedOrderKafkaProducer(queueWriter)

			appSvc := application.NewOrderApplicationService(
				orderRepo, queueProducer, admitter, ledger, manager, breaker, gateway,
				publisher, tracer,
				application.Options{
					MaxAttempts:    conf.Core.MaxAttempts,
					PaymentTimeout: conf.Core.PaymentTimeout,
					ReservationTTL: conf.Core.ReservationTTL,
				},
			)

			// 过期预约清扫
			sweeper := inventory.NewSweeper(manager, conf.Core.EffectiveSweepInterval())
			sweepCtx, cancelSweep := context.WithCancel(context.Background())
			sweeper.Start(sweepCtx)
			cleanups = append(cleanups, cancelSweep)

			interfaces.NewOrderHandler(appSvc).RegisterRoutes(appCtx.Mux)
		},
		OnShutdown: func(ctx context.Context) {
			for i := len(cleanups) - 1; i >= 0; i-- {
				cleanups[i]()
			}
		},
	})
}
