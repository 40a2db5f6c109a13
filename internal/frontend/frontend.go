/*
 *    Copyright 2022 scailio GmbH
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package frontend

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	klogv2 "k8s.io/klog/v2"

	"github.com/scailio-oss/dreserve/internal/config"
	"github.com/scailio-oss/dreserve/reserver"
)

const shutdownTimeout = 10 * time.Second

type Frontend interface {
	StartListening() error
	Handler() http.Handler
}

type frontend struct {
	config   *config.Config
	reserver reserver.Reserver
	clock    clock.Clock
	mux      *http.ServeMux
}

func NewFrontend(config *config.Config, r reserver.Reserver) (Frontend, error) {
	fe := &frontend{
		config:   config,
		reserver: r,
		clock:    clock.New(),
		mux:      http.NewServeMux(),
	}

	fe.mux.HandleFunc("GET /{$}", fe.banner)
	fe.mux.HandleFunc("GET /health", fe.health)
	fe.mux.HandleFunc("POST /api/reserve/{resourceId}", fe.reserve)
	fe.mux.HandleFunc("DELETE /api/reserve/{resourceId}", fe.release)
	fe.mux.HandleFunc("GET /api/reserve/{resourceId}", fe.lookup)
	if config.Runtime.Registry != nil {
		fe.mux.Handle("GET /metrics", promhttp.HandlerFor(config.Runtime.Registry, promhttp.HandlerOpts{}))
	}

	return fe, nil
}

func (fe *frontend) Handler() http.Handler {
	return fe.mux
}

func (fe *frontend) StartListening() error {
	server := &http.Server{
		Handler:           fe.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := fe.createAndStartListener()
	if err != nil {
		return err
	}

	go func() {
		<-fe.config.Runtime.Context.Done()
		klogv2.Infof("http server received a stop signal.. stopping")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			klogv2.Errorf("http server failed to shut down gracefully with err:%v", err)
		}
	}()

	go func() {
		var err error
		if fe.config.UseTLS {
			err = server.ServeTLS(listener, fe.config.TLSConfig.CertFilePath, fe.config.TLSConfig.KeyFilePath)
		} else {
			err = server.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			klogv2.Errorf("http server failed to serve with err:%v", err)
		}
		_ = listener.Close()
		// signal done
		fe.config.Runtime.Done <- struct{}{}
	}()

	return nil
}

func (fe *frontend) createAndStartListener() (net.Listener, error) {
	parts := strings.SplitN(fe.config.ListenAddress, "://", 2)
	netType := parts[0]
	address := parts[1]
	if netType == "unix" {
		// remove socket
		err := os.Remove(address)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	klogv2.Infof("http server is listening on %s://%s", netType, address)
	return net.Listen(netType, address)
}
