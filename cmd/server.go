// Copyright 2022 The hubmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/hubmq/apis"
	"github.com/alwitt/hubmq/common"
	"github.com/alwitt/hubmq/core"
	"github.com/alwitt/hubmq/dataplane"
	"github.com/alwitt/hubmq/hub"
	"github.com/alwitt/hubmq/storage"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// httpLogWriter forwards access log lines into the structured logger
type httpLogWriter struct {
	logTags log.Fields
}

func (w httpLogWriter) Write(p []byte) (int, error) {
	log.WithFields(w.logTags).Info(string(p))
	return len(p), nil
}

// defineStorageBackend build the storage collaborator named by the config
func defineStorageBackend(
	config *common.SystemConfig, natsClient *core.NatsClient,
) (storage.Backend, error) {
	switch config.Database.Backend {
	case "memory":
		return storage.GetInMemoryBackend()
	case "sqlite":
		return storage.GetSqliteBackend(config.Database.Sqlite.DBFile)
	case "natskv":
		if natsClient == nil {
			return nil, fmt.Errorf("natskv backend requires a NATS client")
		}
		return storage.GetNatsKVBackend(*natsClient)
	}
	return nil, fmt.Errorf("unknown storage backend '%s'", config.Database.Backend)
}

/*
RunServer run the fan-out hub server

 @param runtimeContext context.Context - process runtime context
 @param config *common.SystemConfig - the system config
 @param instance string - server instance name
 @param natsClient *core.NatsClient - NATS client when the natskv backend is selected
 @param wg *sync.WaitGroup - process wait group
 @return whether successful
*/
func RunServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	store, err := defineStorageBackend(config, natsClient)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define storage backend")
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Storage backend close failed")
		}
	}()

	monitor := hub.NewLogMonitor()
	sessionHub, err := hub.GetHub(hub.Config{
		MaxConnections:    config.Limits.MaxConnections,
		HeartbeatEnabled:  config.Heartbeat.Enabled,
		HeartbeatInterval: time.Second * time.Duration(config.Heartbeat.IntervalSec),
	}, monitor, wg, runtimeContext)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection hub")
		return err
	}

	bridge := dataplane.GetFeedBridge(sessionHub, store, runtimeContext)
	msgRouter, err := dataplane.GetMessageRouter(*config, sessionHub, store, bridge, monitor)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define message router")
		return err
	}

	wsHandler, err := apis.GetAPIWebSocketHandler(*config, sessionHub, msgRouter)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define WebSocket handler")
		return err
	}
	mgmtHandler, err := apis.GetAPIRestHubManagementHandler(
		sessionHub, store, config.Database.DefaultResource, &config.HTTP,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define management handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()

	_ = apis.RegisterPathPrefix(router, "/v1/connect", apis.MethodHandlers{
		"get": wsHandler.ConnectHandler(),
	})
	_ = apis.RegisterPathPrefix(router, "/v1/status", apis.MethodHandlers{
		"get": mgmtHandler.GetStatusHandler(),
	})
	_ = apis.RegisterPathPrefix(router, "/alive", apis.MethodHandlers{
		"get": mgmtHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(router, "/ready", apis.MethodHandlers{
		"get": mgmtHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpLogWriter{logTags: logTags}, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTP.Server.ListenOn, config.HTTP.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.HTTP.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.HTTP.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTP.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	monitor.ServerStarted(serverListen)
	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}
	monitor.ServerStopped()

	return nil
}
