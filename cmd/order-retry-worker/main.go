// cmd/order-retry-worker/main.go
package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
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
	"bastion/internal/service/payment"
	payinfra "bastion/internal/service/payment/infrastructure"
	"bastion/internal/service/telemetry"
	"bastion/internal/service/throttle"
	"bastion/internal/zookeeper"
)

const (
	serviceName        = "order-retry-worker"
	paymentServiceName = "payment-gateway"
	consumerGroupID    = "order-retry-consumer-group"
)

// 重试 worker 消费重试队列，把 QUEUED 订单重新送进状态机。
// 它与 order-service 共享 MySQL/Redis/ZooKeeper 里的状态视图。
func main() {
	var cleanups []func()

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8081,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			conf := appCtx.Conf
			tracer := otel.Tracer(serviceName)

			brokers := strings.Split(conf.Infra.KafkaBrokers, ",")
			telemetryWriter := mq.NewKafkaWriter(brokers, telemetry.TopicStateTransitions)
			publisher := telemetry.NewStreamPublisher(telemetryWriter)
			cleanups = append(cleanups, publisher.Close, func() { telemetryWriter.Close() })

			var (
				store      inventory.Store
				locks      inventory.KeyLocker
				guard      inventory.HolderGuard
				stateStore payment.StateStore
				orderRepo  domain.OrderRepository
			)
			if dsn := conf.Infra.MySQLDSN; dsn != "" {
				db, err := database.OpenMySQL(dsn)
				if err != nil {
					logger.Logger.Fatal().Err(err).Msg("failed to open mysql")
				}
				store = invinfra.NewGormStore(db)
				stateStore = payinfra.NewGormStateStore(db)
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
				guard, err = invinfra.NewRedisHolderGuard(redisClient, conf.Core.ReservationTTL)
				if err != nil {
					logger.Logger.Fatal().Err(err).Msg("failed to create redis holder guard")
				}
			} else {
				logger.Logger.Warn().Msg("no mysql dsn configured, retry worker sees only its own state")
				store = inventory.NewMemoryStore()
				locks = inventory.NewLocalKeyLock()
				guard = inventory.NewMemoryHolderGuard()
				stateStore = payment.NewMemoryStateStore()
				orderRepo = infrastructure.NewMemoryOrderRepository()
			}

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

			// 重试不经过准入闸门，限流器只为只读视图存在
			admitter := throttle.NewFixedWindow(conf.Core.MaxRPS, conf.Core.WindowSeconds, publisher)

			appSvc := application.NewOrderApplicationService(
				orderRepo, queueProducer, admitter, ledger, manager, breaker, gateway,
				publisher, tracer,
				application.Options{
					MaxAttempts:    conf.Core.MaxAttempts,
					PaymentTimeout: conf.Core.PaymentTimeout,
					ReservationTTL: conf.Core.ReservationTTL,
				},
			)

			reader := mq.NewKafkaReader(brokers, infrastructure.TopicOrderQueued, consumerGroupID)
			consumer := infrastructure.NewRetryConsumerAdapter(reader, appSvc)
			consumeCtx, cancelConsume := context.WithCancel(context.Background())
			consumer.Start(consumeCtx)
			cleanups = append(cleanups, cancelConsume, consumer.Stop)

			appCtx.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			appCtx.Mux.Handle("/metrics", promhttp.Handler())
		},
		OnShutdown: func(ctx context.Context) {
			for i := len(cleanups) - 1; i >= 0; i-- {
				cleanups[i]()
			}
		},
	})
}
