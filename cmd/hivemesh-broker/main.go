package main

import (
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/auth"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/broker"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/config"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/event"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/logger"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/mqtt"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/server"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/session"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/store"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/utils"
)

func main() {
	conf, err := config.ReadConfig()
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.Init()
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)
	defer cleaner.Clean()

	mqtt.SetMaxPacketSize(conf.Broker.MaxPacketSize)

	// 持久化层：默认进程内存储，开启database后使用MongoDB
	var sessionStore store.SessionStore
	var retainedStore store.RetainedStore
	if conf.Database.Enable {
		if err := store.ConnectDatabase(); err != nil {
			logger.FatalF("Error occured while initializing database, details: %v", err)
			return
		}
		dbStore := store.NewDatabaseStore()
		sessionStore = dbStore
		retainedStore = dbStore
	} else {
		memStore := store.NewMemoryStore()
		sessionStore = memStore
		retainedStore = memStore
	}

	policy := session.RetryPolicy{
		Interval:     utils.ParseStringTime(conf.Broker.RetryInterval),
		BackoffLimit: utils.ParseStringTime(conf.Broker.RetryBackoffLimit),
		MaxRetries:   conf.Broker.MaxRetryCount,
	}
	sessions := session.NewManager(conf.Broker.OutboundQueueSize, policy, sessionStore)
	sessions.StartRetryLoop(policy.Interval)

	b := broker.NewBroker(sessions, retainedStore, auth.FromConfig(conf))

	srv := server.NewServer(b)
	cleaner.Add(server.NewShutdownCallback(srv))
	if err := srv.Start(conf.Broker.Port); err != nil {
		logger.FatalF("MQTT Server Start error: %v", err)
	}
}
